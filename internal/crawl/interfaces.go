package crawl

import (
	"context"
	"time"
)

// PageFetcher retrieves raw HTML from the target site. Implementations must
// honor the configured request-rate ceiling and report HTTP status failures
// and timeouts as distinct error kinds.
type PageFetcher interface {
	FetchList(ctx context.Context, page int) (string, error)
	FetchDetail(ctx context.Context, url string) (string, error)
}

// DataExtractor turns raw HTML into structured data.
type DataExtractor interface {
	ExtractListURLs(html string) ([]string, error)
	ExtractDetail(html string) (ProductDetail, error)
	ExtractPagination(html string) (totalPages int, productsOnLastPage int, err error)
}

// ProductStore persists products addressed by canonical position.
type ProductStore interface {
	// MaxAddressedPosition returns the highest stored position, or nil when
	// the store is empty.
	MaxAddressedPosition(ctx context.Context) (*Position, error)
	Save(ctx context.Context, products []Product) error
	CountTotal(ctx context.Context) (int, error)
	CountDuplicates(ctx context.Context) (int, error)
}

// StatusChecker probes the live site for pagination facts.
type StatusChecker interface {
	CheckSiteStatus(ctx context.Context) (SiteStatus, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
