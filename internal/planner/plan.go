// Package planner turns site status and local-store analysis into an
// immutable execution plan: page ranges, batch sizing, concurrency, and the
// fully expanded page slots a session expects to visit. Planning is
// deterministic; identical inputs always produce an identical plan and hash.
package planner

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/pagination"
)

// Config holds the planner baselines and adaptation knobs.
type Config struct {
	BatchSizeBase int
	BatchSizeMin  int
	BatchSizeMax  int

	ConcurrencyBase int
	ConcurrencyMin  int
	ConcurrencyMax  int

	// SmallStoreThreshold grows batches while the local store holds fewer
	// products than this.
	SmallStoreThreshold  int
	SmallStoreMultiplier float64

	// LargeSiteThreshold shrinks batches once the site reports more pages
	// than this.
	LargeSiteThreshold  int
	LargeSiteMultiplier float64

	DuplicateRateThreshold float64
}

// DefaultConfig returns the baseline planner configuration.
func DefaultConfig() Config {
	return Config{
		BatchSizeBase:          10,
		BatchSizeMin:           2,
		BatchSizeMax:           50,
		ConcurrencyBase:        6,
		ConcurrencyMin:         1,
		ConcurrencyMax:         16,
		SmallStoreThreshold:    100,
		SmallStoreMultiplier:   1.5,
		LargeSiteThreshold:     300,
		LargeSiteMultiplier:    0.7,
		DuplicateRateThreshold: 0.10,
	}
}

// DatabaseAnalysis summarizes the local store facts the planner consumes.
type DatabaseAnalysis struct {
	TotalStored   int             `json:"total_stored"`
	MaxPosition   *crawl.Position `json:"max_position,omitempty"`
	DuplicateRate float64         `json:"duplicate_rate"`
}

// RangeKind classifies the planner's range recommendation.
type RangeKind string

// Range recommendations.
const (
	RangeFull    RangeKind = "full"
	RangePartial RangeKind = "partial"
	RangeNone    RangeKind = "none"
)

// PageRange is one planned unit of batch work. StartPage is the oldest
// (highest-numbered) physical page in the range; crawling walks toward
// EndPage. ReverseOrder marks descending physical order, the engine's
// default: oldest unvisited work first keeps canonical addressing stable.
type PageRange struct {
	StartPage         int  `json:"start_page"`
	EndPage           int  `json:"end_page"`
	ReverseOrder      bool `json:"reverse_order"`
	EstimatedProducts int  `json:"estimated_products"`
}

// Pages enumerates the physical pages of the range in crawl order.
func (r PageRange) Pages() []int {
	var pages []int
	if r.ReverseOrder {
		for p := r.StartPage; p >= r.EndPage; p-- {
			pages = append(pages, p)
		}
	} else {
		for p := r.StartPage; p <= r.EndPage; p++ {
			pages = append(pages, p)
		}
	}
	return pages
}

// InputSnapshot freezes the facts a plan was derived from.
type InputSnapshot struct {
	TotalPages         int     `json:"total_pages"`
	ProductsOnLastPage int     `json:"products_on_last_page"`
	TotalStored        int     `json:"total_stored"`
	MaxPageID          int     `json:"max_page_id"`
	MaxIndexInPage     int     `json:"max_index_in_page"`
	DuplicateRate      float64 `json:"duplicate_rate"`
}

// Plan is the immutable execution plan for one session. It is superseded by
// re-planning, never mutated.
type Plan struct {
	Kind             RangeKind         `json:"kind"`
	Ranges           []PageRange       `json:"ranges"`
	BatchSize        int               `json:"batch_size"`
	ConcurrencyLimit int               `json:"concurrency_limit"`
	Snapshot         InputSnapshot     `json:"snapshot"`
	PlanHash         string            `json:"plan_hash"`
	Slots            []pagination.Slot `json:"slots"`
	SkipDuplicates   bool              `json:"skip_duplicates"`
}

// TotalPages counts the physical pages covered by the plan.
func (p *Plan) TotalPages() int {
	total := 0
	for _, r := range p.Ranges {
		total += len(r.Pages())
	}
	return total
}

// SlotsForPage returns the planned slots of one physical page.
func (p *Plan) SlotsForPage(page int) []pagination.Slot {
	var out []pagination.Slot
	for _, s := range p.Slots {
		if s.PhysicalPage == page {
			out = append(out, s)
		}
	}
	return out
}

// totalProducts is the site's current product count derived from pagination.
func totalProducts(site crawl.SiteStatus) int {
	if site.TotalPages <= 0 {
		return 0
	}
	lastCap := pagination.PageCapacity(site.TotalPages, site.TotalPages, site.ProductsOnLastPage)
	return (site.TotalPages-1)*crawl.ProductsPerPage + lastCap
}

// nextOrdinal computes the first unaddressed from-oldest ordinal, or 0 when
// the store is empty.
func nextOrdinal(analysis DatabaseAnalysis) int {
	if analysis.MaxPosition == nil || analysis.TotalStored == 0 {
		return 0
	}
	return analysis.MaxPosition.Ordinal() + 1
}

// pageForOrdinal locates the physical page holding a from-oldest ordinal,
// accounting for the terminal page's true capacity.
func pageForOrdinal(n int, site crawl.SiteStatus) int {
	lastCap := pagination.PageCapacity(site.TotalPages, site.TotalPages, site.ProductsOnLastPage)
	if n < lastCap {
		return site.TotalPages
	}
	distance := 1 + (n-lastCap)/crawl.ProductsPerPage
	page := site.TotalPages - distance
	if page < 1 {
		page = 1
	}
	return page
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// adapt applies the two independent multipliers to a baseline and clamps.
func adapt(base int, cfg Config, analysis DatabaseAnalysis, site crawl.SiteStatus, lo, hi int) int {
	v := float64(base)
	if analysis.TotalStored < cfg.SmallStoreThreshold && cfg.SmallStoreMultiplier > 0 {
		v *= cfg.SmallStoreMultiplier
	}
	if site.TotalPages > cfg.LargeSiteThreshold && cfg.LargeSiteMultiplier > 0 {
		v *= cfg.LargeSiteMultiplier
	}
	return clampInt(int(v), lo, hi)
}

// Build derives a plan from the inputs. It is pure: no clock, no I/O, no
// randomness, so the hash doubles as an idempotence key.
func Build(site crawl.SiteStatus, analysis DatabaseAnalysis, cfg Config) (*Plan, error) {
	if site.TotalPages < 1 {
		return nil, crawl.NewError(crawl.KindValidation, "site reports no pages")
	}
	if !site.IsAccessible {
		return nil, crawl.NewError(crawl.KindValidation, "site is not accessible")
	}

	snapshot := InputSnapshot{
		TotalPages:         site.TotalPages,
		ProductsOnLastPage: site.ProductsOnLastPage,
		TotalStored:        analysis.TotalStored,
		MaxPageID:          -1,
		MaxIndexInPage:     -1,
		DuplicateRate:      analysis.DuplicateRate,
	}
	if analysis.MaxPosition != nil {
		snapshot.MaxPageID = analysis.MaxPosition.PageID
		snapshot.MaxIndexInPage = analysis.MaxPosition.IndexInPage
	}

	batchSize := adapt(cfg.BatchSizeBase, cfg, analysis, site, cfg.BatchSizeMin, cfg.BatchSizeMax)
	concurrency := adapt(cfg.ConcurrencyBase, cfg, analysis, site, cfg.ConcurrencyMin, cfg.ConcurrencyMax)

	plan := &Plan{
		BatchSize:        batchSize,
		ConcurrencyLimit: concurrency,
		Snapshot:         snapshot,
		SkipDuplicates:   analysis.DuplicateRate > cfg.DuplicateRateThreshold,
	}

	next := nextOrdinal(analysis)
	switch {
	case next == 0:
		plan.Kind = RangeFull
	case next >= totalProducts(site):
		plan.Kind = RangeNone
	default:
		plan.Kind = RangePartial
	}

	if plan.Kind != RangeNone {
		startPage := site.TotalPages
		if plan.Kind == RangePartial {
			startPage = pageForOrdinal(next, site)
		}
		slots, err := pagination.ExpandRange(1, startPage, site.TotalPages, site.ProductsOnLastPage)
		if err != nil {
			return nil, fmt.Errorf("expand plan slots: %w", err)
		}
		// Skip slots the store already addressed within the boundary page.
		filtered := slots[:0]
		for _, s := range slots {
			if s.Position.Ordinal() >= next {
				filtered = append(filtered, s)
			}
		}
		plan.Slots = append([]pagination.Slot(nil), filtered...)
		plan.Ranges = chunkRanges(startPage, batchSize, site)
	}

	plan.PlanHash = hashInputs(snapshot, cfg)
	return plan, nil
}

// chunkRanges splits pages [startPage..1] (descending) into batch-sized
// ranges, oldest first.
func chunkRanges(startPage, batchSize int, site crawl.SiteStatus) []PageRange {
	if batchSize < 1 {
		batchSize = 1
	}
	var ranges []PageRange
	for hi := startPage; hi >= 1; hi -= batchSize {
		lo := hi - batchSize + 1
		if lo < 1 {
			lo = 1
		}
		est := 0
		for p := lo; p <= hi; p++ {
			est += pagination.PageCapacity(p, site.TotalPages, site.ProductsOnLastPage)
		}
		ranges = append(ranges, PageRange{
			StartPage:         hi,
			EndPage:           lo,
			ReverseOrder:      true,
			EstimatedProducts: est,
		})
	}
	return ranges
}

// hashInputs digests the plan inputs. Identical (site, analysis, config)
// always produce the same hash; it is the key used to detect "nothing
// changed, skip re-planning".
func hashInputs(s InputSnapshot, cfg Config) string {
	h := xxhash.New()
	fmt.Fprintf(h, "v1|%d|%d|%d|%d|%d|%.6f|", s.TotalPages, s.ProductsOnLastPage, s.TotalStored, s.MaxPageID, s.MaxIndexInPage, s.DuplicateRate)
	fmt.Fprintf(h, "%d|%d|%d|%d|%d|%d|%d|%.4f|%d|%.4f|%.4f",
		cfg.BatchSizeBase, cfg.BatchSizeMin, cfg.BatchSizeMax,
		cfg.ConcurrencyBase, cfg.ConcurrencyMin, cfg.ConcurrencyMax,
		cfg.SmallStoreThreshold, cfg.SmallStoreMultiplier,
		cfg.LargeSiteThreshold, cfg.LargeSiteMultiplier,
		cfg.DuplicateRateThreshold)
	return fmt.Sprintf("%016x", h.Sum64())
}
