// Package batch supervises the concurrent execution of one planned page
// range: list collection, detail collection, validation, and saving, with
// failure accounting and one-way concurrency downshift.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/events"
	"github.com/jstrand/listcrawld/internal/pagination"
	"github.com/jstrand/listcrawld/internal/policy"
	"github.com/jstrand/listcrawld/internal/registry"
	"github.com/jstrand/listcrawld/internal/stage"
)

// Config controls one batch run.
type Config struct {
	BatchID          int
	ConcurrencyLimit int
	BatchTimeout     time.Duration
	Failure          policy.FailurePolicy
}

// Outcome is the batch supervisor's report to the session supervisor.
type Outcome struct {
	BatchID         int
	PagesProcessed  int
	FailedPages     []int
	DetailTotal     int
	DetailCompleted int
	DetailFailed    int
	SavedProducts   int

	// Downshifted is set when this batch crossed the failure threshold and
	// reduced the concurrency limit. NewLimit carries the reduced value.
	Downshifted bool
	NewLimit    int

	FinalFailure  bool
	FailureReason string
	Cancelled     bool
	TimedOut      bool
}

// Supervisor fans one page range out to stage executors under a concurrency
// cap and applies results to the session registry. Result application is
// serialized: executors may finish out of order, but registry mutation is
// single-writer per session.
type Supervisor struct {
	sessionID string
	cfg       Config
	pages     []int
	slots     map[int][]pagination.Slot
	exec      *stage.Executor
	reg       *registry.Registry
	emitter   events.Emitter
	clock     crawl.Clock
	logger    *zap.Logger
}

// New constructs a batch Supervisor for the given pages. slots maps each
// physical page to its planned product slots.
func New(
	sessionID string,
	cfg Config,
	pages []int,
	slots map[int][]pagination.Slot,
	exec *stage.Executor,
	reg *registry.Registry,
	emitter events.Emitter,
	clock crawl.Clock,
	logger *zap.Logger,
) *Supervisor {
	if cfg.ConcurrencyLimit < 1 {
		cfg.ConcurrencyLimit = 1
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		sessionID: sessionID,
		cfg:       cfg,
		pages:     pages,
		slots:     slots,
		exec:      exec,
		reg:       reg,
		emitter:   emitter,
		clock:     clock,
		logger:    logger,
	}
}

type pageResult struct {
	page int
	res  stage.Result
}

// Run executes the batch to completion or cancellation.
func (s *Supervisor) Run(ctx context.Context) Outcome {
	start := s.clock.Now()
	out := Outcome{BatchID: s.cfg.BatchID, NewLimit: s.cfg.ConcurrencyLimit}

	runCtx := ctx
	cancel := func() {}
	if s.cfg.BatchTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
	}
	defer cancel()

	s.emitPhase(events.TypeBatchStarted, "", 0)

	products := s.collectPages(runCtx, &out)
	s.evaluatePagePhase(&out)

	if !out.FinalFailure {
		detailed := s.collectDetails(runCtx, products, out.NewLimit, &out)
		s.finalizeProducts(runCtx, detailed, &out)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.TimedOut = true
	} else if ctx.Err() != nil {
		out.Cancelled = true
	}

	s.applyBatchCounters(out)
	dur := s.clock.Now().Sub(start)
	switch {
	case out.Cancelled:
		// The session supervisor reports cancellation; no batch event.
	case out.FinalFailure || out.TimedOut:
		s.emitPhase(events.TypeBatchFailed, s.failureMessage(out), dur)
	default:
		s.emitPhase(events.TypeBatchCompleted, "", dur)
	}
	return out
}

// collectPages runs the list-page stage for every page in the range under
// the concurrency cap and applies results serially.
func (s *Supervisor) collectPages(ctx context.Context, out *Outcome) []crawl.Product {
	sem := semaphore.NewWeighted(int64(s.cfg.ConcurrencyLimit))
	results := make(chan pageResult)
	var wg sync.WaitGroup

	for _, page := range s.pages {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- pageResult{page: page, res: stage.Result{
					Stage:   stage.TypeListPage,
					Outcome: stage.OutcomeCancelled,
					Kind:    crawl.KindCancelled,
					Err:     err,
				}}
				return
			}
			defer sem.Release(1)
			res := s.exec.Execute(ctx, stage.TypeListPage, stage.Item{Page: page, Slots: s.slots[page]})
			results <- pageResult{page: page, res: res}
		}(page)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var products []crawl.Product
	for r := range results {
		products = append(products, s.applyPageResult(r, out)...)
	}
	return products
}

// applyPageResult updates the registry for one page outcome. Children
// cancelled by the batch timeout count as recoverable failures for retry
// accounting.
func (s *Supervisor) applyPageResult(r pageResult, out *Outcome) []crawl.Product {
	failed := r.res.Outcome.Failed() || r.res.Outcome == stage.OutcomeCancelled
	if err := s.reg.Update(s.sessionID, func(e *registry.Entry) {
		e.ProcessedPages++
		if r.res.RetryCount > 0 {
			e.RetriesPerPage[r.page] += r.res.RetryCount
		}
		if failed {
			e.FailedPages = append(e.FailedPages, r.page)
		}
	}); err != nil {
		s.logger.Warn("registry update failed", zap.String("session_id", s.sessionID), zap.Error(err))
	}

	out.PagesProcessed++
	if failed {
		out.FailedPages = append(out.FailedPages, r.page)
		return nil
	}
	return r.res.Products
}

// evaluatePagePhase judges the page failure window, downshifting exactly
// once per threshold crossing. The limit only ever decreases.
func (s *Supervisor) evaluatePagePhase(out *Outcome) {
	window := policy.Window{Attempted: out.PagesProcessed, Failed: len(out.FailedPages)}
	decision := s.cfg.Failure.Evaluate(policy.LevelPage, window)
	switch decision.Action {
	case policy.ActionFinalFailure:
		out.FinalFailure = true
		out.FailureReason = decision.Reason
	case policy.ActionDownshift:
		s.downshift(out, decision.Reason)
	}
}

func (s *Supervisor) downshift(out *Outcome, reason string) {
	oldLimit := out.NewLimit
	newLimit := s.cfg.Failure.Downshift(oldLimit)
	if newLimit >= oldLimit {
		return
	}
	first, err := s.reg.RecordDownshift(s.sessionID, oldLimit, newLimit, reason)
	if err != nil {
		s.logger.Warn("downshift record failed", zap.String("session_id", s.sessionID), zap.Error(err))
		return
	}
	if !first {
		// Downshift is one-way and fires at most once per session.
		return
	}
	out.Downshifted = true
	out.NewLimit = newLimit
	s.logger.Warn("concurrency downshifted",
		zap.String("session_id", s.sessionID),
		zap.Int("batch_id", s.cfg.BatchID),
		zap.Int("old_limit", oldLimit),
		zap.Int("new_limit", newLimit),
		zap.String("reason", reason))
}

// collectDetails runs the detail stage for every addressed product under the
// (possibly downshifted) concurrency cap.
func (s *Supervisor) collectDetails(ctx context.Context, products []crawl.Product, limit int, out *Outcome) []crawl.Product {
	if len(products) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	out.DetailTotal = len(products)
	if err := s.reg.Update(s.sessionID, func(e *registry.Entry) {
		e.DetailTasksTotal += len(products)
	}); err != nil {
		s.logger.Warn("registry update failed", zap.String("session_id", s.sessionID), zap.Error(err))
	}

	sem := semaphore.NewWeighted(int64(limit))
	results := make(chan stage.Result)
	var wg sync.WaitGroup
	for i := range products {
		wg.Add(1)
		go func(p crawl.Product) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- stage.Result{
					Stage:    stage.TypeProductDetail,
					Outcome:  stage.OutcomeCancelled,
					Kind:     crawl.KindCancelled,
					Err:      err,
					Products: []crawl.Product{p},
				}
				return
			}
			defer sem.Release(1)
			results <- s.exec.Execute(ctx, stage.TypeProductDetail, stage.Item{Product: &p})
		}(products[i])
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var detailed []crawl.Product
	for res := range results {
		detailed = append(detailed, s.applyDetailResult(res, out)...)
	}

	s.evaluateDetailPhase(out)
	return detailed
}

func (s *Supervisor) applyDetailResult(res stage.Result, out *Outcome) []crawl.Product {
	url := ""
	if len(res.Products) > 0 {
		url = res.Products[0].URL
	}
	success := res.Outcome == stage.OutcomeSuccess || res.Outcome == stage.OutcomePartialSuccess
	if err := s.reg.Update(s.sessionID, func(e *registry.Entry) {
		if success {
			e.DetailTasksCompleted++
		} else {
			e.DetailTasksFailed++
			if url != "" {
				e.DetailFailedIDs = append(e.DetailFailedIDs, url)
			}
		}
		if res.RetryCount > 0 && url != "" {
			e.DetailRetryCounts[url] += res.RetryCount
		}
	}); err != nil {
		s.logger.Warn("registry update failed", zap.String("session_id", s.sessionID), zap.Error(err))
	}

	if success {
		out.DetailCompleted++
		return res.Products
	}
	out.DetailFailed++
	return nil
}

func (s *Supervisor) evaluateDetailPhase(out *Outcome) {
	window := policy.Window{Attempted: out.DetailTotal, Failed: out.DetailFailed}
	decision := s.cfg.Failure.Evaluate(policy.LevelDetail, window)
	switch decision.Action {
	case policy.ActionFinalFailure:
		out.FinalFailure = true
		out.FailureReason = decision.Reason
	case policy.ActionDownshift:
		s.downshift(out, decision.Reason)
	}
}

// finalizeProducts validates and saves the collected products as a single
// unit each.
func (s *Supervisor) finalizeProducts(ctx context.Context, products []crawl.Product, out *Outcome) {
	if len(products) == 0 {
		return
	}
	valid := s.exec.Execute(ctx, stage.TypeValidation, stage.Item{Products: products})
	if valid.Outcome.Failed() {
		out.FinalFailure = true
		out.FailureReason = valid.Err.Error()
		return
	}
	saved := s.exec.Execute(ctx, stage.TypeSaving, stage.Item{Products: valid.Products})
	if saved.Outcome.Failed() {
		out.FinalFailure = true
		out.FailureReason = saved.Err.Error()
		return
	}
	if saved.Outcome == stage.OutcomeSuccess {
		out.SavedProducts = len(valid.Products)
	}
}

func (s *Supervisor) applyBatchCounters(out Outcome) {
	if out.Cancelled || out.TimedOut || out.FinalFailure {
		return
	}
	if err := s.reg.Update(s.sessionID, func(e *registry.Entry) {
		e.CompletedBatches++
	}); err != nil {
		s.logger.Warn("registry update failed", zap.String("session_id", s.sessionID), zap.Error(err))
	}
}

func (s *Supervisor) failureMessage(out Outcome) string {
	if out.FailureReason != "" {
		return out.FailureReason
	}
	if out.TimedOut {
		return "batch timed out"
	}
	return "batch failed"
}

func (s *Supervisor) emitPhase(t events.Type, message string, dur time.Duration) {
	evt := events.New(t, s.sessionID, s.clock.Now())
	evt.BatchID = s.cfg.BatchID
	evt.Message = message
	evt.Dur = dur
	if t == events.TypeBatchFailed {
		evt.Recoverable = true
	}
	s.emitter.Emit(evt)
}
