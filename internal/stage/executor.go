package stage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/events"
	"github.com/jstrand/listcrawld/internal/retry"
)

// Config controls Executor behavior.
type Config struct {
	// AttemptTimeout bounds one attempt of one stage unit.
	AttemptTimeout time.Duration
	// Policies overrides the retry policy per stage type; missing entries
	// fall back to the default policy.
	Policies map[Type]retry.Policy
}

// Executor runs stage units for one session, delegating to the external
// collaborators and wrapping every attempt with the retry calculator.
type Executor struct {
	sessionID string
	fetcher   crawl.PageFetcher
	extractor crawl.DataExtractor
	store     crawl.ProductStore
	checker   crawl.StatusChecker
	clock     crawl.Clock
	emitter   events.Emitter
	cfg       Config
	logger    *zap.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(
	sessionID string,
	fetcher crawl.PageFetcher,
	extractor crawl.DataExtractor,
	store crawl.ProductStore,
	checker crawl.StatusChecker,
	clock crawl.Clock,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		sessionID: sessionID,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		checker:   checker,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

func (e *Executor) policyFor(stage Type) retry.Policy {
	if p, ok := e.cfg.Policies[stage]; ok {
		return p
	}
	return retry.DefaultPolicy()
}

// Execute runs one stage unit to completion, retrying recoverable failures
// per policy. Cancellation is observed at every suspension point and
// surfaces as an explicit Cancelled result, never as silently dropped work.
func (e *Executor) Execute(ctx context.Context, stage Type, item Item) Result {
	start := e.clock.Now()
	e.emitStart(stage, item)

	policy := e.policyFor(stage)
	attempt := 1
	var res Result
	for {
		res = e.runOnce(ctx, stage, item)
		res.RetryCount = attempt - 1
		if res.Outcome == OutcomeSuccess || res.Outcome == OutcomePartialSuccess || res.Outcome == OutcomeCancelled {
			break
		}
		if !retry.ShouldRetryFor(res.Kind, attempt, policy) {
			break
		}
		delay := retry.Delay(attempt, policy)
		e.logger.Debug("stage attempt failed, backing off",
			zap.String("session_id", e.sessionID),
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(res.Err))
		select {
		case <-ctx.Done():
			res = Result{Stage: stage, Outcome: OutcomeCancelled, Kind: crawl.KindCancelled, Err: ctx.Err(), RetryCount: attempt - 1}
		case <-time.After(delay):
			attempt++
			continue
		}
		break
	}

	res.Duration = e.clock.Now().Sub(start)
	e.emitFinish(stage, item, res)
	return res
}

func (e *Executor) runOnce(ctx context.Context, stage Type, item Item) Result {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	var res Result
	switch stage {
	case TypeStatusCheck:
		res = e.runStatusCheck(attemptCtx)
	case TypeListPage:
		res = e.runListPage(attemptCtx, item)
	case TypeProductDetail:
		res = e.runDetail(attemptCtx, item)
	case TypeValidation:
		res = e.runValidation(item)
	case TypeSaving:
		res = e.runSaving(attemptCtx, item)
	default:
		err := crawl.NewError(crawl.KindConfiguration, fmt.Sprintf("unknown stage %q", stage))
		res = failure(stage, err)
	}
	// A parent cancellation must not masquerade as an attempt timeout.
	if ctx.Err() != nil && res.Outcome != OutcomeSuccess && res.Outcome != OutcomePartialSuccess {
		res.Outcome = OutcomeCancelled
		res.Kind = crawl.KindCancelled
	}
	return res
}

func (e *Executor) runStatusCheck(ctx context.Context) Result {
	site, err := e.checker.CheckSiteStatus(ctx)
	if err != nil {
		return failure(TypeStatusCheck, err)
	}
	return Result{Stage: TypeStatusCheck, Outcome: OutcomeSuccess, Site: &site}
}

// runListPage fetches one listing page and addresses every extracted URL
// with its planned slot. Extraction order matches rendered order, which
// matches slot order.
func (e *Executor) runListPage(ctx context.Context, item Item) Result {
	html, err := e.fetcher.FetchList(ctx, item.Page)
	if err != nil {
		return failure(TypeListPage, err)
	}
	urls, err := e.extractor.ExtractListURLs(html)
	if err != nil {
		return failure(TypeListPage, crawl.WrapError(crawl.KindParse, fmt.Sprintf("extract list page %d", item.Page), err))
	}

	n := len(urls)
	if n > len(item.Slots) {
		n = len(item.Slots)
	}
	products := make([]crawl.Product, 0, n)
	for i := 0; i < n; i++ {
		products = append(products, crawl.Product{
			URL:          urls[i],
			PhysicalPage: item.Slots[i].PhysicalPage,
			OffsetInPage: item.Slots[i].OffsetInPage,
			Position:     item.Slots[i].Position,
		})
	}

	res := Result{Stage: TypeListPage, Outcome: OutcomeSuccess, Products: products}
	if len(urls) != len(item.Slots) {
		res.Outcome = OutcomePartialSuccess
		res.Err = crawl.NewError(crawl.KindParse,
			fmt.Sprintf("page %d yielded %d urls for %d planned slots", item.Page, len(urls), len(item.Slots)))
		res.Kind = crawl.KindParse
	}
	return res
}

func (e *Executor) runDetail(ctx context.Context, item Item) Result {
	if item.Product == nil || item.Product.URL == "" {
		return failure(TypeProductDetail, crawl.NewError(crawl.KindValidation, "detail stage requires a product url"))
	}
	html, err := e.fetcher.FetchDetail(ctx, item.Product.URL)
	if err != nil {
		return failure(TypeProductDetail, err)
	}
	detail, err := e.extractor.ExtractDetail(html)
	if err != nil {
		return failure(TypeProductDetail, crawl.WrapError(crawl.KindParse, fmt.Sprintf("extract detail %s", item.Product.URL), err))
	}
	product := *item.Product
	detail.URL = product.URL
	product.Detail = &detail
	return Result{Stage: TypeProductDetail, Outcome: OutcomeSuccess, Products: []crawl.Product{product}}
}

func (e *Executor) runValidation(item Item) Result {
	for _, p := range item.Products {
		switch {
		case p.URL == "":
			return failure(TypeValidation, crawl.NewError(crawl.KindValidation, "product with empty url"))
		case p.Position.PageID < 0 || p.Position.IndexInPage < 0 || p.Position.IndexInPage >= crawl.ProductsPerPage:
			return failure(TypeValidation, crawl.NewError(crawl.KindValidation,
				fmt.Sprintf("product %s has invalid position (%d,%d)", p.URL, p.Position.PageID, p.Position.IndexInPage)))
		}
	}
	return Result{Stage: TypeValidation, Outcome: OutcomeSuccess, Products: item.Products}
}

func (e *Executor) runSaving(ctx context.Context, item Item) Result {
	if len(item.Products) == 0 {
		return Result{Stage: TypeSaving, Outcome: OutcomeSuccess}
	}
	if err := e.store.Save(ctx, item.Products); err != nil {
		return failure(TypeSaving, crawl.WrapError(crawl.KindDatabase, "save product batch", err))
	}
	return Result{Stage: TypeSaving, Outcome: OutcomeSuccess, Products: item.Products}
}

// failure classifies an attempt error into a recoverable or fatal result.
func failure(stage Type, err error) Result {
	kind := crawl.KindOf(err)
	outcome := OutcomeFatal
	switch {
	case kind == crawl.KindCancelled:
		outcome = OutcomeCancelled
	case kind.Recoverable(), kind == crawl.KindUnknown:
		outcome = OutcomeRecoverable
	}
	return Result{Stage: stage, Outcome: outcome, Err: err, Kind: kind}
}

func (e *Executor) emitStart(stage Type, item Item) {
	evt := events.New(events.TypeStageStarted, e.sessionID, e.clock.Now())
	evt.Stage = string(stage)
	evt.Page = item.Page
	e.emitter.Emit(evt)
}

func (e *Executor) emitFinish(stage Type, item Item, res Result) {
	var evt events.Event
	switch res.Outcome {
	case OutcomeSuccess, OutcomePartialSuccess:
		evt = events.New(events.TypeStageCompleted, e.sessionID, e.clock.Now())
	case OutcomeCancelled:
		return
	default:
		evt = events.New(events.TypeStageFailed, e.sessionID, e.clock.Now())
		evt.Message = res.Err.Error()
		evt.Recoverable = res.Outcome == OutcomeRecoverable
	}
	evt.Stage = string(stage)
	evt.Page = item.Page
	evt.Dur = res.Duration
	e.emitter.Emit(evt)
}
