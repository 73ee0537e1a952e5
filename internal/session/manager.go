package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/bus"
	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/events"
	"github.com/jstrand/listcrawld/internal/registry"
)

// ErrNoActiveSession is returned when a command targets a session that is
// not currently running.
var ErrNoActiveSession = errors.New("session: no active session")

// ErrAlreadyRunning is returned when StartCrawling targets a live session.
var ErrAlreadyRunning = errors.New("session: already running")

type handle struct {
	sup    *Supervisor
	cancel context.CancelFunc
}

// Manager owns the live supervisors, keyed by session id. It is the single
// entry point the API and CLI layers use to drive sessions.
type Manager struct {
	cfg     Config
	collab  Collaborators
	reg     *registry.Registry
	emitter events.Emitter
	idgen   crawl.IDGenerator
	logger  *zap.Logger

	mu       sync.Mutex
	root     context.Context
	sessions map[string]*handle
}

// NewManager constructs a Manager. root is the engine lifetime: cancelling
// it interrupts every running session.
func NewManager(root context.Context, cfg Config, collab Collaborators, reg *registry.Registry, emitter events.Emitter, idgen crawl.IDGenerator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		collab:   collab,
		reg:      reg,
		emitter:  emitter,
		idgen:    idgen,
		logger:   logger,
		root:     root,
		sessions: make(map[string]*handle),
	}
}

// StartCrawling launches a session supervisor. A blank id gets a generated
// one. Reusing the id of an interrupted session resumes it from the
// persisted cursor when fresh planning reproduces the same hash.
func (m *Manager) StartCrawling(sessionID string) (string, error) {
	if sessionID == "" {
		id, err := m.idgen.NewID()
		if err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		sessionID = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.sessions[sessionID]; live {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}

	sup := New(sessionID, m.cfg, m.collab, m.reg, m.emitter, m.logger)
	if snap, ok := m.reg.Get(sessionID); ok && snap.Status.Terminal() && len(snap.RemainingSlots) > 0 {
		sup.Resume(snap.RemainingSlots, snap.PlanHash)
	}

	runCtx, cancel := context.WithCancel(m.root)
	m.sessions[sessionID] = &handle{sup: sup, cancel: cancel}
	go func() {
		defer cancel()
		if err := sup.Run(runCtx); err != nil {
			m.logger.Warn("session ended with error",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		m.remove(sessionID)
	}()
	return sessionID, nil
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) lookup(sessionID string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveSession, sessionID)
	}
	return h, nil
}

func (m *Manager) send(ctx context.Context, sessionID string, cmd crawl.ActorCommand) error {
	h, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	select {
	case <-h.sup.Done():
		return fmt.Errorf("%w: %s", ErrNoActiveSession, sessionID)
	default:
	}
	return h.sup.Commands().Send(ctx, cmd)
}

// Pause gates dispatch of new batches; in-flight work continues.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	return m.send(ctx, sessionID, crawl.NewCommand(crawl.CommandPauseSession, sessionID))
}

// Resume lifts a pause.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	return m.send(ctx, sessionID, crawl.NewCommand(crawl.CommandResumeSession, sessionID))
}

// Cancel interrupts a session, recording the reason. The unvisited slots
// stay in the registry as the resume token.
func (m *Manager) Cancel(ctx context.Context, sessionID, reason string) error {
	cmd := crawl.NewCommand(crawl.CommandCancelSession, sessionID)
	cmd.Reason = reason
	return m.send(ctx, sessionID, cmd)
}

// HealthCheck round-trips a health command through the session actor.
func (m *Manager) HealthCheck(ctx context.Context, sessionID string) (crawl.HealthReport, error) {
	cmd := crawl.NewCommand(crawl.CommandHealthCheck, sessionID)
	cmd.Reply = bus.NewData[crawl.HealthReport]()
	if err := m.send(ctx, sessionID, cmd); err != nil {
		return crawl.HealthReport{}, err
	}
	return cmd.Reply.Await(ctx)
}

// Status returns the registry snapshot for a session, running or finished.
func (m *Manager) Status(sessionID string) (registry.Snapshot, bool) {
	return m.reg.Get(sessionID)
}

// List returns snapshots of every known session.
func (m *Manager) List() []registry.Snapshot {
	return m.reg.List()
}

// Running counts the live supervisors.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RunEviction periodically removes finished registry entries that have sat
// past the removal grace window. It blocks until ctx ends, so callers run it
// on the engine lifetime.
func (m *Manager) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.reg.EvictFinished(); len(evicted) > 0 {
				m.logger.Info("evicted finished sessions", zap.Strings("session_ids", evicted))
			}
		}
	}
}

// Shutdown interrupts every live session and waits for them to settle or
// the context to end. Interrupted sessions keep their resume tokens.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make(map[string]*handle, len(m.sessions))
	for id, h := range m.sessions {
		handles[id] = h
	}
	m.mu.Unlock()

	for id, h := range handles {
		cmd := crawl.NewCommand(crawl.CommandShutdown, id)
		if err := h.sup.Commands().Send(ctx, cmd); err != nil {
			// The supervisor may already be winding down; force it.
			h.cancel()
		}
	}
	for id, h := range handles {
		select {
		case <-h.sup.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown wait for session %s: %w", id, ctx.Err())
		}
	}
	return nil
}
