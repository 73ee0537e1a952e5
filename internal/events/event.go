// Package events defines the broadcast event contract emitted by the
// orchestration actors, plus the hub that fans events out to sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Version is the current event contract version. The contract is append-only
// and versioned: new event types may be added, existing ones never removed
// or renamed.
const Version = 1

// Type denotes the lifecycle milestone or telemetry class of an Event.
type Type string

// Supported event types.
const (
	TypeSessionStarted   Type = "SESSION_STARTED"
	TypeSessionPaused    Type = "SESSION_PAUSED"
	TypeSessionResumed   Type = "SESSION_RESUMED"
	TypeSessionCompleted Type = "SESSION_COMPLETED"
	TypeSessionFailed    Type = "SESSION_FAILED"
	TypeSessionTimeout   Type = "SESSION_TIMEOUT"

	TypeBatchStarted   Type = "BATCH_STARTED"
	TypeBatchCompleted Type = "BATCH_COMPLETED"
	TypeBatchFailed    Type = "BATCH_FAILED"

	TypeStageStarted   Type = "STAGE_STARTED"
	TypeStageCompleted Type = "STAGE_COMPLETED"
	TypeStageFailed    Type = "STAGE_FAILED"

	TypeProgress           Type = "PROGRESS"
	TypePerformanceMetrics Type = "PERFORMANCE_METRICS"
)

// Progress carries step counters for the UI progress bar.
type Progress struct {
	CurrentStep int     `json:"current_step"`
	TotalSteps  int     `json:"total_steps"`
	Percentage  float64 `json:"percentage"`
}

// Metrics carries coarse throughput telemetry.
type Metrics struct {
	PagesPerMinute  float64       `json:"pages_per_minute"`
	AvgPageDuration time.Duration `json:"avg_page_duration"`
	DetailTasks     int           `json:"detail_tasks"`
	DetailFailed    int           `json:"detail_failed"`
}

// Event is one broadcast message. Payload fields are populated per Type;
// unrelated fields stay zero.
type Event struct {
	Version   int       `json:"version"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	TS        time.Time `json:"ts"`

	BatchID int    `json:"batch_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Page    int    `json:"page,omitempty"`

	// Message is the human-readable description attached to failures.
	Message string `json:"message,omitempty"`
	// Recoverable marks whether a failure event may be retried.
	Recoverable bool `json:"recoverable,omitempty"`

	Progress *Progress `json:"progress,omitempty"`
	Metrics  *Metrics  `json:"metrics,omitempty"`

	Dur time.Duration `json:"dur,omitempty"`
}

// New builds an event stamped with the current contract version.
func New(t Type, sessionID string, ts time.Time) Event {
	return Event{Version: Version, Type: t, SessionID: sessionID, TS: ts}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeSessionStarted, TypeSessionPaused, TypeSessionResumed,
		TypeSessionCompleted, TypeSessionFailed, TypeSessionTimeout,
		TypeBatchStarted, TypeBatchCompleted, TypeStageStarted, TypeStageCompleted:
	case TypeBatchFailed, TypeStageFailed:
		if e.Message == "" {
			return errors.New("failure events require a message")
		}
	case TypeProgress:
		if e.Progress == nil {
			return errors.New("progress event requires a payload")
		}
	case TypePerformanceMetrics:
		if e.Metrics == nil {
			return errors.New("metrics event requires a payload")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
