package crawl

import (
	"github.com/jstrand/listcrawld/internal/bus"
)

// CommandVersion is the current actor command contract version. The contract
// is append-only: new command types may be added, existing ones never change
// meaning.
const CommandVersion = 1

// CommandType discriminates the ActorCommand union.
type CommandType string

// Commands accepted at the actor boundary.
const (
	CommandProcessBatch  CommandType = "PROCESS_BATCH"
	CommandExecuteStage  CommandType = "EXECUTE_STAGE"
	CommandCancelSession CommandType = "CANCEL_SESSION"
	CommandPauseSession  CommandType = "PAUSE_SESSION"
	CommandResumeSession CommandType = "RESUME_SESSION"
	CommandShutdown      CommandType = "SHUTDOWN"
	CommandHealthCheck   CommandType = "HEALTH_CHECK"
)

// BatchSpec addresses one planned page range for ProcessBatch.
type BatchSpec struct {
	BatchID   int `json:"batch_id"`
	StartPage int `json:"start_page"`
	EndPage   int `json:"end_page"`
}

// StageSpec addresses one stage unit for ExecuteStage.
type StageSpec struct {
	Stage string `json:"stage"`
	Page  int    `json:"page,omitempty"`
	URL   string `json:"url,omitempty"`
}

// HealthReport is the reply payload for HealthCheck.
type HealthReport struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Pending   int    `json:"pending_commands"`
}

// ActorCommand is the tagged union dispatched to a session supervisor.
// Payload fields are populated per Type; unrelated fields stay zero.
type ActorCommand struct {
	Version   int         `json:"version"`
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
	Batch     *BatchSpec  `json:"batch,omitempty"`
	Stage     *StageSpec  `json:"stage,omitempty"`
	Reason    string      `json:"reason,omitempty"`

	// Reply carries the one-shot result channel for HealthCheck.
	Reply *bus.Data[HealthReport] `json:"-"`
}

// NewCommand builds a command stamped with the current contract version.
func NewCommand(t CommandType, sessionID string) ActorCommand {
	return ActorCommand{Version: CommandVersion, Type: t, SessionID: sessionID}
}
