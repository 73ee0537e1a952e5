// Package registry holds addressable per-session state. Each entry is
// mutated only through its session supervisor's reports, keeping registry
// writes single-writer per session; external callers get read-only
// snapshots.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/jstrand/listcrawld/internal/pagination"
)

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states. Completed and Failed are terminal.
const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusShuttingDown Status = "shutting_down"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransition encodes the monotone state machine. Running and Paused may
// flip back and forth; everything else moves forward only.
func validTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusStarting:
		return to == StatusRunning || to == StatusShuttingDown || to == StatusFailed
	case StatusRunning:
		return to == StatusPaused || to == StatusShuttingDown || to == StatusCompleted || to == StatusFailed
	case StatusPaused:
		return to == StatusRunning || to == StatusShuttingDown || to == StatusFailed
	case StatusShuttingDown:
		return to == StatusFailed || to == StatusCompleted
	default:
		return false
	}
}

// Downshift records the one-time concurrency reduction metadata.
type Downshift struct {
	At       time.Time `json:"at"`
	OldLimit int       `json:"old_limit"`
	NewLimit int       `json:"new_limit"`
	Reason   string    `json:"reason"`
}

// Entry is the mutable state of one session.
type Entry struct {
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	PlanHash         string `json:"plan_hash"`
	ProcessedPages   int    `json:"processed_pages"`
	CompletedBatches int    `json:"completed_batches"`
	TotalBatches     int    `json:"total_batches"`

	DetailTasksTotal     int `json:"detail_tasks_total"`
	DetailTasksCompleted int `json:"detail_tasks_completed"`
	DetailTasksFailed    int `json:"detail_tasks_failed"`

	RetriesPerPage    map[int]int    `json:"retries_per_page"`
	FailedPages       []int          `json:"failed_pages"`
	DetailRetryCounts map[string]int `json:"detail_retry_counts"`
	DetailFailedIDs   []string       `json:"detail_failed_ids"`

	// RemainingSlots is the resume token: the page slots still unvisited
	// when the session was interrupted.
	RemainingSlots []pagination.Slot `json:"remaining_slots,omitempty"`

	PageFailureThreshold   float64 `json:"page_failure_threshold"`
	DetailFailureThreshold float64 `json:"detail_failure_threshold"`

	DetailDownshifted bool       `json:"detail_downshifted"`
	DownshiftMeta     *Downshift `json:"downshift,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// Snapshot is a read-only copy of an Entry safe to hand to status queries.
type Snapshot struct {
	Entry
}

// Registry is the shared session state map. The lock guards the map and each
// entry; critical sections stay short (reads for status queries, writes only
// on counter/flag updates).
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*Entry
	removalGrace time.Duration
	now          func() time.Time
}

// New constructs a Registry. removalGrace is how long finished entries stay
// queryable before eviction.
func New(removalGrace time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	if removalGrace <= 0 {
		removalGrace = 5 * time.Minute
	}
	return &Registry{
		entries:      make(map[string]*Entry),
		removalGrace: removalGrace,
		now:          now,
	}
}

// Create registers a new session entry in Starting state. A finished entry
// under the same id is replaced, which is how a resumed session reclaims its
// id; a live entry is never replaced.
func (r *Registry) Create(sessionID, planHash string, totalBatches int, pageThreshold, detailThreshold float64) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.entries[sessionID]; exists && !prev.Status.Terminal() {
		return nil, fmt.Errorf("session %q already registered", sessionID)
	}
	e := &Entry{
		SessionID:              sessionID,
		Status:                 StatusStarting,
		StartedAt:              r.now().UTC(),
		PlanHash:               planHash,
		TotalBatches:           totalBatches,
		RetriesPerPage:         make(map[int]int),
		DetailRetryCounts:      make(map[string]int),
		PageFailureThreshold:   pageThreshold,
		DetailFailureThreshold: detailThreshold,
	}
	r.entries[sessionID] = e
	return e, nil
}

// Transition moves a session to a new status, enforcing the monotone state
// machine. Terminal entries reject every further transition.
func (r *Registry) Transition(sessionID string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return fmt.Errorf("session %q not registered", sessionID)
	}
	if e.Status.Terminal() {
		return fmt.Errorf("session %q is %s; no further transitions", sessionID, e.Status)
	}
	if !validTransition(e.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for session %q", e.Status, to, sessionID)
	}
	e.Status = to
	if to.Terminal() {
		e.EndedAt = r.now().UTC()
	}
	return nil
}

// Update applies a mutation to a live entry under the write lock. The
// callback must not retain the entry. Terminal entries are immutable.
func (r *Registry) Update(sessionID string, fn func(*Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return fmt.Errorf("session %q not registered", sessionID)
	}
	if e.Status.Terminal() {
		return fmt.Errorf("session %q is %s; entry is frozen", sessionID, e.Status)
	}
	fn(e)
	return nil
}

// RecordDownshift flags the one-way concurrency reduction. It returns false
// when the session already downshifted: the flag flips exactly once.
func (r *Registry) RecordDownshift(sessionID string, oldLimit, newLimit int, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return false, fmt.Errorf("session %q not registered", sessionID)
	}
	if e.DetailDownshifted {
		return false, nil
	}
	e.DetailDownshifted = true
	e.DownshiftMeta = &Downshift{
		At:       r.now().UTC(),
		OldLimit: oldLimit,
		NewLimit: newLimit,
		Reason:   reason,
	}
	return true, nil
}

// Get returns a read-only snapshot of the entry.
func (r *Registry) Get(sessionID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(e), true
}

// List returns snapshots of every registered session.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, snapshotOf(e))
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// EvictFinished removes terminal entries older than the removal grace
// period. Returns the ids evicted.
func (r *Registry) EvictFinished() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().UTC().Add(-r.removalGrace)
	var evicted []string
	for id, e := range r.entries {
		if e.Status.Terminal() && !e.EndedAt.IsZero() && e.EndedAt.Before(cutoff) {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func snapshotOf(e *Entry) Snapshot {
	cp := *e
	cp.RetriesPerPage = make(map[int]int, len(e.RetriesPerPage))
	for k, v := range e.RetriesPerPage {
		cp.RetriesPerPage[k] = v
	}
	cp.DetailRetryCounts = make(map[string]int, len(e.DetailRetryCounts))
	for k, v := range e.DetailRetryCounts {
		cp.DetailRetryCounts[k] = v
	}
	cp.FailedPages = append([]int(nil), e.FailedPages...)
	cp.DetailFailedIDs = append([]string(nil), e.DetailFailedIDs...)
	cp.RemainingSlots = append([]pagination.Slot(nil), e.RemainingSlots...)
	if e.DownshiftMeta != nil {
		meta := *e.DownshiftMeta
		cp.DownshiftMeta = &meta
	}
	return Snapshot{Entry: cp}
}
