// Package session implements the top-level actor of a crawl run. A
// Supervisor owns one session: it builds the execution plan, drives batch
// supervisors under a session concurrency budget, and serves the command
// channel (pause, resume, cancel, shutdown, health). The Manager keys live
// supervisors by session id for the API layer.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/batch"
	"github.com/jstrand/listcrawld/internal/bus"
	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/events"
	"github.com/jstrand/listcrawld/internal/pagination"
	"github.com/jstrand/listcrawld/internal/planner"
	"github.com/jstrand/listcrawld/internal/policy"
	"github.com/jstrand/listcrawld/internal/registry"
	"github.com/jstrand/listcrawld/internal/stage"
)

// Config controls one session run.
type Config struct {
	// SessionTimeout bounds the whole run; zero disables it.
	SessionTimeout time.Duration
	// BatchTimeout bounds each batch; zero disables it.
	BatchTimeout time.Duration
	// BatchOverlap is the session-level budget of concurrently running
	// batches. Pages are independent, so overlap above 1 is safe.
	BatchOverlap int
	// CommandBuffer is the control channel capacity. A full channel means
	// senders wait, never drop.
	CommandBuffer int

	Failure policy.FailurePolicy
	Stage   stage.Config
	Planner planner.Config
}

// DefaultConfig returns the baseline session configuration.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: 2 * time.Hour,
		BatchTimeout:   10 * time.Minute,
		BatchOverlap:   1,
		CommandBuffer:  16,
		Failure:        policy.Default(),
		Planner:        planner.DefaultConfig(),
	}
}

// Collaborators bundles the external contracts a session drives.
type Collaborators struct {
	Fetcher   crawl.PageFetcher
	Extractor crawl.DataExtractor
	Store     crawl.ProductStore
	Checker   crawl.StatusChecker
	Clock     crawl.Clock
}

// workUnit is one dispatchable batch: a planned range reduced to the pages
// that still have unvisited slots.
type workUnit struct {
	id    int
	pages []int
	slots map[int][]pagination.Slot
}

// Supervisor is the session actor. Exactly one goroutine runs its loop;
// everything else talks to it through the command channel.
type Supervisor struct {
	id      string
	cfg     Config
	collab  Collaborators
	planner *planner.Planner
	reg     *registry.Registry
	emitter events.Emitter
	logger  *zap.Logger

	commands *bus.Control[crawl.ActorCommand]
	done     chan struct{}

	// resume carries the unvisited slots of a previous interrupted run with
	// the plan hash they were planned under.
	resumeSlots []pagination.Slot
	resumeHash  string
}

// New constructs a Supervisor. Run must be called exactly once.
func New(id string, cfg Config, collab Collaborators, reg *registry.Registry, emitter events.Emitter, logger *zap.Logger) *Supervisor {
	if cfg.BatchOverlap < 1 {
		cfg.BatchOverlap = 1
	}
	if cfg.CommandBuffer < 1 {
		cfg.CommandBuffer = 16
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		id:       id,
		cfg:      cfg,
		collab:   collab,
		planner:  planner.New(cfg.Planner, collab.Checker, collab.Store, logger),
		reg:      reg,
		emitter:  emitter,
		logger:   logger.With(zap.String("session_id", id)),
		commands: bus.NewControl[crawl.ActorCommand](cfg.CommandBuffer),
		done:     make(chan struct{}),
	}
}

// Resume seeds the supervisor with the unvisited slots of an interrupted
// run. The slots apply only when fresh planning reproduces the same hash;
// otherwise the site or store changed and the new plan wins.
func (s *Supervisor) Resume(slots []pagination.Slot, planHash string) {
	s.resumeSlots = slots
	s.resumeHash = planHash
}

// Commands exposes the control channel for command senders.
func (s *Supervisor) Commands() *bus.Control[crawl.ActorCommand] {
	return s.commands
}

// Done closes when the session loop has fully finished.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Run executes the session to a terminal state. The context is the engine
// lifetime; cancelling it interrupts the session and preserves the resume
// token.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.cfg.SessionTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, s.cfg.SessionTimeout)
		defer cancelTimeout()
	}

	// Register before planning so the id handed out by StartCrawling is
	// queryable (as Starting) while the plan is still being built.
	if _, err := s.reg.Create(s.id, "", 0, s.cfg.Failure.PageThreshold, s.cfg.Failure.DetailThreshold); err != nil {
		return fmt.Errorf("register session: %w", err)
	}

	plan, err := s.planner.Plan(runCtx, s.resumeHash)
	if err != nil {
		s.failBeforeStart(err)
		return err
	}

	units := s.workUnits(plan)
	_ = s.reg.Update(s.id, func(e *registry.Entry) {
		e.PlanHash = plan.PlanHash
		e.TotalBatches = len(units)
	})

	if len(units) == 0 {
		// Nothing to crawl: the store already covers the site.
		_ = s.reg.Transition(s.id, registry.StatusRunning)
		_ = s.reg.Transition(s.id, registry.StatusCompleted)
		s.emit(events.New(events.TypeSessionStarted, s.id, s.collab.Clock.Now()))
		s.emit(events.New(events.TypeSessionCompleted, s.id, s.collab.Clock.Now()))
		return nil
	}

	if err := s.reg.Transition(s.id, registry.StatusRunning); err != nil {
		return err
	}
	remaining := remainingOf(units)
	_ = s.reg.Update(s.id, func(e *registry.Entry) {
		e.RemainingSlots = remaining
	})
	s.emit(events.New(events.TypeSessionStarted, s.id, s.collab.Clock.Now()))
	s.logger.Info("session started",
		zap.String("plan_hash", plan.PlanHash),
		zap.String("plan_kind", string(plan.Kind)),
		zap.Int("batches", len(units)),
		zap.Int("concurrency", plan.ConcurrencyLimit))

	exec := stage.NewExecutor(s.id, s.collab.Fetcher, s.collab.Extractor, s.collab.Store, s.collab.Checker, s.collab.Clock, s.emitter, s.cfg.Stage, s.logger)

	st := &loopState{
		units:     units,
		remaining: remaining,
		limit:     plan.ConcurrencyLimit,
		started:   s.collab.Clock.Now(),
	}
	s.loop(runCtx, cancel, exec, st)
	return s.finish(ctx, runCtx, st)
}

// loopState is the session loop's mutable bookkeeping, confined to the loop
// goroutine.
type loopState struct {
	units     []workUnit
	remaining []pagination.Slot
	limit     int

	next      int
	inflight  int
	finished  int
	paused    bool
	stopped   bool
	pagesDone int

	finalFailed   bool
	failureReason string
	cancelReason  string
	started       time.Time
}

func (st *loopState) exhausted() bool {
	return st.next >= len(st.units) || st.finalFailed || st.stopped
}

func (s *Supervisor) loop(ctx context.Context, cancel context.CancelFunc, exec *stage.Executor, st *loopState) {
	results := make(chan batch.Outcome)
	for {
		for !st.paused && !st.exhausted() && st.inflight < s.cfg.BatchOverlap {
			s.dispatch(ctx, exec, st.units[st.next], st.limit, results)
			st.next++
			st.inflight++
		}
		if st.inflight == 0 && (st.exhausted() || st.paused && ctx.Err() != nil) {
			return
		}
		if st.inflight == 0 && st.paused {
			// Paused with nothing in flight: block on commands only.
			select {
			case cmd, ok := <-s.commands.Chan():
				if !ok {
					s.noteClosed(st)
					return
				}
				s.handleCommand(ctx, cancel, exec, st, results, cmd)
			case <-ctx.Done():
				s.noteInterrupt(st, ctx)
				return
			}
			continue
		}

		select {
		case cmd, ok := <-s.commands.Chan():
			if !ok {
				s.noteClosed(st)
				s.drain(st, results)
				return
			}
			s.handleCommand(ctx, cancel, exec, st, results, cmd)
		case out := <-results:
			st.inflight--
			st.finished++
			s.applyOutcome(st, out)
		case <-ctx.Done():
			s.noteInterrupt(st, ctx)
			s.drain(st, results)
			return
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, exec *stage.Executor, unit workUnit, limit int, results chan<- batch.Outcome) {
	sup := batch.New(s.id, batch.Config{
		BatchID:          unit.id,
		ConcurrencyLimit: limit,
		BatchTimeout:     s.cfg.BatchTimeout,
		Failure:          s.cfg.Failure,
	}, unit.pages, unit.slots, exec, s.reg, s.emitter, s.collab.Clock, s.logger)
	go func() {
		results <- sup.Run(ctx)
	}()
}

// drain waits for every in-flight batch after cancellation so no goroutine
// outlives the session.
func (s *Supervisor) drain(st *loopState, results <-chan batch.Outcome) {
	for st.inflight > 0 {
		out := <-results
		st.inflight--
		st.finished++
		s.applyOutcome(st, out)
	}
}

// noteClosed handles command-channel closure, which is fatal to the session.
func (s *Supervisor) noteClosed(st *loopState) {
	st.stopped = true
	if st.cancelReason == "" {
		st.cancelReason = "command channel closed"
	}
}

func (s *Supervisor) noteInterrupt(st *loopState, ctx context.Context) {
	if st.cancelReason != "" {
		return
	}
	if ctx.Err() == context.DeadlineExceeded {
		st.cancelReason = "session timed out"
	} else {
		st.cancelReason = "engine shutdown"
	}
}

func (s *Supervisor) handleCommand(ctx context.Context, cancel context.CancelFunc, exec *stage.Executor, st *loopState, results chan batch.Outcome, cmd crawl.ActorCommand) {
	switch cmd.Type {
	case crawl.CommandPauseSession:
		if st.paused || st.stopped {
			return
		}
		if err := s.reg.Transition(s.id, registry.StatusPaused); err != nil {
			s.logger.Warn("pause rejected", zap.Error(err))
			return
		}
		st.paused = true
		s.emit(events.New(events.TypeSessionPaused, s.id, s.collab.Clock.Now()))
		s.logger.Info("session paused; in-flight batches continue")

	case crawl.CommandResumeSession:
		if !st.paused || st.stopped {
			return
		}
		if err := s.reg.Transition(s.id, registry.StatusRunning); err != nil {
			s.logger.Warn("resume rejected", zap.Error(err))
			return
		}
		st.paused = false
		s.emit(events.New(events.TypeSessionResumed, s.id, s.collab.Clock.Now()))

	case crawl.CommandCancelSession, crawl.CommandShutdown:
		if st.stopped {
			return
		}
		st.stopped = true
		st.cancelReason = cmd.Reason
		if st.cancelReason == "" {
			if cmd.Type == crawl.CommandShutdown {
				st.cancelReason = "shutdown requested"
			} else {
				st.cancelReason = "cancelled by operator"
			}
		}
		if err := s.reg.Transition(s.id, registry.StatusShuttingDown); err != nil {
			s.logger.Warn("cancel transition rejected", zap.Error(err))
		}
		s.logger.Info("session cancelling", zap.String("reason", st.cancelReason))
		cancel()

	case crawl.CommandHealthCheck:
		if cmd.Reply == nil {
			return
		}
		status := ""
		if snap, ok := s.reg.Get(s.id); ok {
			status = string(snap.Status)
		}
		cmd.Reply.Resolve(crawl.HealthReport{
			SessionID: s.id,
			Status:    status,
			Pending:   len(s.commands.Chan()),
		})

	case crawl.CommandProcessBatch:
		// Manual dispatch bypasses the pause gate for one pending batch. An
		// addressed spec picks that batch; without one the next pending runs.
		if st.exhausted() || st.inflight >= s.cfg.BatchOverlap {
			return
		}
		if cmd.Batch != nil && !promoteBatch(st, cmd.Batch.BatchID) {
			s.logger.Warn("addressed batch not pending", zap.Int("batch_id", cmd.Batch.BatchID))
			return
		}
		s.dispatch(ctx, exec, st.units[st.next], st.limit, results)
		st.next++
		st.inflight++

	case crawl.CommandExecuteStage:
		if cmd.Stage == nil {
			return
		}
		s.runAdHocStage(ctx, exec, *cmd.Stage)

	default:
		s.logger.Warn("unknown command ignored", zap.String("type", string(cmd.Type)))
	}
}

// runAdHocStage services ExecuteStage: one stage unit outside batch
// accounting, reported through the event stream only.
func (s *Supervisor) runAdHocStage(ctx context.Context, exec *stage.Executor, spec crawl.StageSpec) {
	item := stage.Item{Page: spec.Page}
	if spec.URL != "" {
		item.Product = &crawl.Product{URL: spec.URL}
	}
	go func() {
		res := exec.Execute(ctx, stage.Type(spec.Stage), item)
		s.logger.Info("ad-hoc stage finished",
			zap.String("stage", spec.Stage),
			zap.String("outcome", string(res.Outcome)))
	}()
}

// applyOutcome folds one finished batch into the session state and emits
// progress and throughput telemetry.
func (s *Supervisor) applyOutcome(st *loopState, out batch.Outcome) {
	if out.Downshifted && out.NewLimit < st.limit {
		st.limit = out.NewLimit
	}
	if out.FinalFailure && !st.finalFailed {
		st.finalFailed = true
		st.failureReason = out.FailureReason
	}
	st.pagesDone += out.PagesProcessed

	if !out.Cancelled {
		st.remaining = withoutBatch(st.remaining, st.units, out.BatchID)
		_ = s.reg.Update(s.id, func(e *registry.Entry) {
			e.RemainingSlots = append([]pagination.Slot(nil), st.remaining...)
		})
	}

	now := s.collab.Clock.Now()
	progress := events.New(events.TypeProgress, s.id, now)
	pct := 0.0
	if len(st.units) > 0 {
		pct = float64(st.finished) / float64(len(st.units)) * 100
	}
	progress.Progress = &events.Progress{
		CurrentStep: st.finished,
		TotalSteps:  len(st.units),
		Percentage:  pct,
	}
	s.emit(progress)

	elapsed := now.Sub(st.started)
	if st.pagesDone > 0 && elapsed > 0 {
		snap, _ := s.reg.Get(s.id)
		metrics := events.New(events.TypePerformanceMetrics, s.id, now)
		metrics.Metrics = &events.Metrics{
			PagesPerMinute:  float64(st.pagesDone) / elapsed.Minutes(),
			AvgPageDuration: elapsed / time.Duration(st.pagesDone),
			DetailTasks:     snap.DetailTasksTotal,
			DetailFailed:    snap.DetailTasksFailed,
		}
		s.emit(metrics)
	}
}

// finish settles the terminal state once the loop has returned.
func (s *Supervisor) finish(parent, runCtx context.Context, st *loopState) error {
	now := s.collab.Clock.Now()
	dur := now.Sub(st.started)

	switch {
	case st.cancelReason != "":
		_ = s.reg.Update(s.id, func(e *registry.Entry) {
			e.FailureReason = st.cancelReason
		})
		_ = s.reg.Transition(s.id, registry.StatusFailed)
		if runCtx.Err() == context.DeadlineExceeded && parent.Err() == nil && !st.stopped {
			evt := events.New(events.TypeSessionTimeout, s.id, now)
			evt.Message = st.cancelReason
			evt.Dur = dur
			s.emit(evt)
		} else {
			evt := events.New(events.TypeSessionFailed, s.id, now)
			evt.Message = st.cancelReason
			evt.Dur = dur
			s.emit(evt)
		}
		s.logger.Info("session interrupted", zap.String("reason", st.cancelReason), zap.Int("remaining_slots", len(st.remaining)))
		return fmt.Errorf("session %s interrupted: %s", s.id, st.cancelReason)

	case st.finalFailed:
		_ = s.reg.Update(s.id, func(e *registry.Entry) {
			e.FailureReason = st.failureReason
		})
		_ = s.reg.Transition(s.id, registry.StatusFailed)
		evt := events.New(events.TypeSessionFailed, s.id, now)
		evt.Message = st.failureReason
		evt.Dur = dur
		s.emit(evt)
		s.logger.Warn("session failed", zap.String("reason", st.failureReason))
		return fmt.Errorf("session %s failed: %s", s.id, st.failureReason)

	default:
		_ = s.reg.Update(s.id, func(e *registry.Entry) {
			e.RemainingSlots = nil
		})
		_ = s.reg.Transition(s.id, registry.StatusCompleted)
		evt := events.New(events.TypeSessionCompleted, s.id, now)
		evt.Dur = dur
		s.emit(evt)
		s.logger.Info("session completed", zap.Duration("dur", dur), zap.Int("pages", st.pagesDone))
		return nil
	}
}

// failBeforeStart marks the already-registered session failed during
// planning so status queries can still see it.
func (s *Supervisor) failBeforeStart(err error) {
	_ = s.reg.Update(s.id, func(e *registry.Entry) {
		e.FailureReason = err.Error()
	})
	_ = s.reg.Transition(s.id, registry.StatusFailed)
	evt := events.New(events.TypeSessionFailed, s.id, s.collab.Clock.Now())
	evt.Message = err.Error()
	s.emit(evt)
	s.logger.Error("session planning failed", zap.Error(err))
}

func (s *Supervisor) emit(evt events.Event) {
	s.emitter.Emit(evt)
}

// workUnits reduces the plan to dispatchable batches. When a resume token
// exists and planning reproduced the same hash, only the unvisited slots
// remain in scope.
func (s *Supervisor) workUnits(plan *planner.Plan) []workUnit {
	slots := plan.Slots
	if len(s.resumeSlots) > 0 && s.resumeHash != "" && s.resumeHash == plan.PlanHash {
		slots = s.resumeSlots
		s.logger.Info("resuming interrupted session", zap.Int("remaining_slots", len(slots)))
	}
	byPage := make(map[int][]pagination.Slot)
	for _, slot := range slots {
		byPage[slot.PhysicalPage] = append(byPage[slot.PhysicalPage], slot)
	}

	var units []workUnit
	id := 1
	for _, r := range plan.Ranges {
		var pages []int
		unitSlots := make(map[int][]pagination.Slot)
		for _, p := range r.Pages() {
			if planned, ok := byPage[p]; ok {
				pages = append(pages, p)
				unitSlots[p] = planned
			}
		}
		if len(pages) == 0 {
			continue
		}
		units = append(units, workUnit{id: id, pages: pages, slots: unitSlots})
		id++
	}
	return units
}

// promoteBatch moves the pending unit with the given id into next-dispatch
// position. Returns false when no pending unit carries that id.
func promoteBatch(st *loopState, batchID int) bool {
	for i := st.next; i < len(st.units); i++ {
		if st.units[i].id == batchID {
			st.units[st.next], st.units[i] = st.units[i], st.units[st.next]
			return true
		}
	}
	return false
}

// remainingOf flattens the unvisited slots of the given units in dispatch
// order.
func remainingOf(units []workUnit) []pagination.Slot {
	var out []pagination.Slot
	for _, u := range units {
		for _, p := range u.pages {
			out = append(out, u.slots[p]...)
		}
	}
	return out
}

// withoutBatch removes a finished batch's slots from the remaining set.
func withoutBatch(remaining []pagination.Slot, units []workUnit, batchID int) []pagination.Slot {
	var unit *workUnit
	for i := range units {
		if units[i].id == batchID {
			unit = &units[i]
			break
		}
	}
	if unit == nil {
		return remaining
	}
	covered := make(map[int]bool, len(unit.pages))
	for _, p := range unit.pages {
		covered[p] = true
	}
	var out []pagination.Slot
	for _, slot := range remaining {
		if !covered[slot.PhysicalPage] {
			out = append(out, slot)
		}
	}
	return out
}
