package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jstrand/listcrawld/internal/crawl"
)

func accessibleSite(totalPages, lastPage int) crawl.SiteStatus {
	return crawl.SiteStatus{
		TotalPages:         totalPages,
		ProductsOnLastPage: lastPage,
		IsAccessible:       true,
		CheckedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildFullPlanForEmptyStore(t *testing.T) {
	t.Parallel()
	site := accessibleSite(20, 12)
	plan, err := Build(site, DatabaseAnalysis{}, DefaultConfig())
	require.NoError(t, err)

	require.Equal(t, RangeFull, plan.Kind)
	require.Equal(t, 20, plan.TotalPages())
	require.Len(t, plan.Slots, 20*crawl.ProductsPerPage)

	// Oldest range comes first and walks descending physical pages.
	require.Equal(t, 20, plan.Ranges[0].StartPage)
	require.True(t, plan.Ranges[0].ReverseOrder)
	require.Equal(t, 1, plan.Ranges[len(plan.Ranges)-1].EndPage)
}

func TestBuildPartialPlanFromCursor(t *testing.T) {
	t.Parallel()
	site := accessibleSite(10, 7)
	// Store addressed everything through page_id 0, index 6 (the whole
	// terminal page). Next ordinal is 7, on physical page 9.
	analysis := DatabaseAnalysis{
		TotalStored: 7,
		MaxPosition: &crawl.Position{PageID: 0, IndexInPage: 6},
	}
	plan, err := Build(site, analysis, DefaultConfig())
	require.NoError(t, err)

	require.Equal(t, RangePartial, plan.Kind)
	require.Equal(t, 9, plan.Ranges[0].StartPage)
	for _, s := range plan.Slots {
		require.Greater(t, s.Position.Ordinal(), 6)
	}
}

func TestBuildNonePlanWhenCaughtUp(t *testing.T) {
	t.Parallel()
	site := accessibleSite(10, 7)
	// (10-1)*12 + 7 = 115 products; max ordinal 114.
	analysis := DatabaseAnalysis{
		TotalStored: 115,
		MaxPosition: &crawl.Position{PageID: 9, IndexInPage: 6},
	}
	plan, err := Build(site, analysis, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, RangeNone, plan.Kind)
	require.Empty(t, plan.Ranges)
	require.Empty(t, plan.Slots)
}

func TestBuildAdaptsBatchAndConcurrency(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.BatchSizeBase = 10
	cfg.SmallStoreThreshold = 100
	cfg.SmallStoreMultiplier = 2.0
	cfg.LargeSiteThreshold = 300
	cfg.LargeSiteMultiplier = 0.5

	// Small store, small site: only the grow multiplier applies.
	plan, err := Build(accessibleSite(50, 12), DatabaseAnalysis{TotalStored: 10}, cfg)
	require.NoError(t, err)
	require.Equal(t, 20, plan.BatchSize)

	// Large store, large site: only the shrink multiplier applies.
	analysis := DatabaseAnalysis{
		TotalStored: 500,
		MaxPosition: &crawl.Position{PageID: 40, IndexInPage: 3},
	}
	plan, err = Build(accessibleSite(400, 12), analysis, cfg)
	require.NoError(t, err)
	require.Equal(t, 5, plan.BatchSize)

	// Both apply and the result clamps to the configured bounds.
	cfg.BatchSizeMax = 15
	plan, err = Build(accessibleSite(400, 12), DatabaseAnalysis{TotalStored: 10}, cfg)
	require.NoError(t, err)
	require.Equal(t, 10, plan.BatchSize) // 10 * 2.0 * 0.5
	cfg.BatchSizeMin = 12
	plan, err = Build(accessibleSite(400, 12), DatabaseAnalysis{TotalStored: 10}, cfg)
	require.NoError(t, err)
	require.Equal(t, 12, plan.BatchSize)
}

func TestBuildSkipDuplicates(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.DuplicateRateThreshold = 0.10

	plan, err := Build(accessibleSite(5, 12), DatabaseAnalysis{TotalStored: 0, DuplicateRate: 0.05}, cfg)
	require.NoError(t, err)
	require.False(t, plan.SkipDuplicates)

	plan, err = Build(accessibleSite(5, 12), DatabaseAnalysis{TotalStored: 0, DuplicateRate: 0.25}, cfg)
	require.NoError(t, err)
	require.True(t, plan.SkipDuplicates)
}

func TestBuildDeterministicHash(t *testing.T) {
	t.Parallel()
	site := accessibleSite(482, 4)
	analysis := DatabaseAnalysis{
		TotalStored: 60,
		MaxPosition: &crawl.Position{PageID: 4, IndexInPage: 11},
	}
	cfg := DefaultConfig()

	a, err := Build(site, analysis, cfg)
	require.NoError(t, err)
	b, err := Build(site, analysis, cfg)
	require.NoError(t, err)
	require.Equal(t, a.PlanHash, b.PlanHash)
	require.Equal(t, a.Ranges, b.Ranges)
	require.Equal(t, a.Slots, b.Slots)

	// Any input change moves the hash.
	analysis.TotalStored++
	c, err := Build(site, analysis, cfg)
	require.NoError(t, err)
	require.NotEqual(t, a.PlanHash, c.PlanHash)
}

func TestBuildRejectsBadSite(t *testing.T) {
	t.Parallel()
	_, err := Build(crawl.SiteStatus{TotalPages: 0, IsAccessible: true}, DatabaseAnalysis{}, DefaultConfig())
	require.Error(t, err)
	require.Equal(t, crawl.KindValidation, crawl.KindOf(err))

	site := accessibleSite(5, 12)
	site.IsAccessible = false
	_, err = Build(site, DatabaseAnalysis{}, DefaultConfig())
	require.Error(t, err)
}

type stubStore struct {
	total int
	max   *crawl.Position
	dups  int
}

func (s *stubStore) MaxAddressedPosition(context.Context) (*crawl.Position, error) { return s.max, nil }
func (s *stubStore) Save(context.Context, []crawl.Product) error                   { return nil }
func (s *stubStore) CountTotal(context.Context) (int, error)                       { return s.total, nil }
func (s *stubStore) CountDuplicates(context.Context) (int, error)                  { return s.dups, nil }

type stubChecker struct {
	site crawl.SiteStatus
}

func (c *stubChecker) CheckSiteStatus(context.Context) (crawl.SiteStatus, error) {
	return c.site, nil
}

func TestPlannerPlanEndToEnd(t *testing.T) {
	t.Parallel()
	store := &stubStore{total: 200, max: &crawl.Position{PageID: 16, IndexInPage: 7}, dups: 10}
	checker := &stubChecker{site: accessibleSite(100, 12)}

	p := New(DefaultConfig(), checker, store, nil)
	plan, err := p.Plan(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, RangePartial, plan.Kind)
	require.InDelta(t, 0.05, plan.Snapshot.DuplicateRate, 1e-9)

	again, err := p.Plan(context.Background(), plan.PlanHash)
	require.NoError(t, err)
	require.Equal(t, plan.PlanHash, again.PlanHash)
}
