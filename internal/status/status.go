// Package status probes the live site for the pagination facts planning
// depends on: total page count and the true capacity of the terminal page.
package status

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jstrand/listcrawld/internal/crawl"
)

// Checker implements crawl.StatusChecker on top of a fetcher and extractor.
type Checker struct {
	fetcher   crawl.PageFetcher
	extractor crawl.DataExtractor
	clock     crawl.Clock
	logger    *zap.Logger
}

// New builds a Checker.
func New(fetcher crawl.PageFetcher, extractor crawl.DataExtractor, clock crawl.Clock, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{fetcher: fetcher, extractor: extractor, clock: clock, logger: logger}
}

// CheckSiteStatus reads the newest page for the total page count, then the
// oldest page for its true product count. The two fetches are the only
// traffic a status check produces.
func (c *Checker) CheckSiteStatus(ctx context.Context) (crawl.SiteStatus, error) {
	firstHTML, err := c.fetcher.FetchList(ctx, 1)
	if err != nil {
		return crawl.SiteStatus{CheckedAt: c.clock.Now()}, fmt.Errorf("fetch newest page: %w", err)
	}
	totalPages, onFirst, err := c.extractor.ExtractPagination(firstHTML)
	if err != nil {
		return crawl.SiteStatus{CheckedAt: c.clock.Now()}, fmt.Errorf("read pagination: %w", err)
	}

	onLast := onFirst
	if totalPages > 1 {
		lastHTML, ferr := c.fetcher.FetchList(ctx, totalPages)
		if ferr != nil {
			return crawl.SiteStatus{CheckedAt: c.clock.Now()}, fmt.Errorf("fetch oldest page %d: %w", totalPages, ferr)
		}
		if _, onLast, err = c.extractor.ExtractPagination(lastHTML); err != nil {
			return crawl.SiteStatus{CheckedAt: c.clock.Now()}, fmt.Errorf("read oldest page %d: %w", totalPages, err)
		}
	}
	if onLast < 1 || onLast > crawl.ProductsPerPage {
		return crawl.SiteStatus{CheckedAt: c.clock.Now()}, crawl.NewError(crawl.KindValidation,
			fmt.Sprintf("oldest page reports %d products, want 1..%d", onLast, crawl.ProductsPerPage))
	}

	site := crawl.SiteStatus{
		TotalPages:         totalPages,
		ProductsOnLastPage: onLast,
		IsAccessible:       true,
		CheckedAt:          c.clock.Now(),
	}
	c.logger.Debug("site status checked",
		zap.Int("total_pages", site.TotalPages),
		zap.Int("products_on_last_page", site.ProductsOnLastPage))
	return site, nil
}
