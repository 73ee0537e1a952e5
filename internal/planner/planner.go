package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/crawl"
)

// Planner gathers planning inputs from the collaborators and builds plans.
type Planner struct {
	cfg     Config
	checker crawl.StatusChecker
	store   crawl.ProductStore
	logger  *zap.Logger
}

// New constructs a Planner.
func New(cfg Config, checker crawl.StatusChecker, store crawl.ProductStore, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{cfg: cfg, checker: checker, store: store, logger: logger}
}

// Analyze summarizes the local store for planning.
func Analyze(ctx context.Context, store crawl.ProductStore) (DatabaseAnalysis, error) {
	total, err := store.CountTotal(ctx)
	if err != nil {
		return DatabaseAnalysis{}, crawl.WrapError(crawl.KindDatabase, "count stored products", err)
	}
	maxPos, err := store.MaxAddressedPosition(ctx)
	if err != nil {
		return DatabaseAnalysis{}, crawl.WrapError(crawl.KindDatabase, "max addressed position", err)
	}
	dups, err := store.CountDuplicates(ctx)
	if err != nil {
		return DatabaseAnalysis{}, crawl.WrapError(crawl.KindDatabase, "count duplicates", err)
	}
	analysis := DatabaseAnalysis{TotalStored: total, MaxPosition: maxPos}
	if total > 0 {
		analysis.DuplicateRate = float64(dups) / float64(total)
	}
	return analysis, nil
}

// Plan checks the site, analyzes the store, and builds the execution plan.
// When previousHash matches the fresh inputs the caller may skip re-planning.
func (p *Planner) Plan(ctx context.Context, previousHash string) (*Plan, error) {
	site, err := p.checker.CheckSiteStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("check site status: %w", err)
	}
	analysis, err := Analyze(ctx, p.store)
	if err != nil {
		return nil, err
	}

	plan, err := Build(site, analysis, p.cfg)
	if err != nil {
		return nil, err
	}

	if previousHash != "" && previousHash == plan.PlanHash {
		p.logger.Info("plan inputs unchanged, reusing plan",
			zap.String("plan_hash", plan.PlanHash))
	}
	p.logger.Info("execution plan built",
		zap.String("kind", string(plan.Kind)),
		zap.Int("ranges", len(plan.Ranges)),
		zap.Int("slots", len(plan.Slots)),
		zap.Int("batch_size", plan.BatchSize),
		zap.Int("concurrency", plan.ConcurrencyLimit),
		zap.Bool("skip_duplicates", plan.SkipDuplicates),
		zap.String("plan_hash", plan.PlanHash))
	return plan, nil
}
