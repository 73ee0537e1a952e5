// Package crawl defines the core types and capability interfaces shared by
// the orchestration engine. It includes the site/product domain model, the
// actor command contract, and the error taxonomy used by the retry and
// failure policies.
package crawl

import (
	"time"
)

// Position is the canonical, site-independent address of a product.
// PageID 0 is the oldest page; IndexInPage counts bottom-up within a page.
type Position struct {
	PageID      int `json:"page_id"`
	IndexInPage int `json:"index_in_page"`
}

// Ordinal returns the monotonically increasing from-oldest ordinal encoded
// by the position.
func (p Position) Ordinal() int {
	return p.PageID*ProductsPerPage + p.IndexInPage
}

// ProductsPerPage is the slot capacity of every non-terminal listing page.
const ProductsPerPage = 12

// SiteStatus captures the facts the planner needs from the live site.
type SiteStatus struct {
	TotalPages         int       `json:"total_pages"`
	ProductsOnLastPage int       `json:"products_on_last_page"`
	IsAccessible       bool      `json:"is_accessible"`
	CheckedAt          time.Time `json:"checked_at"`
}

// Product is one listed item addressed by its canonical position.
type Product struct {
	URL          string         `json:"url"`
	PhysicalPage int            `json:"physical_page"`
	OffsetInPage int            `json:"offset_in_page"`
	Position     Position       `json:"position"`
	Detail       *ProductDetail `json:"detail,omitempty"`
}

// ProductDetail holds the fields extracted from a product detail page.
type ProductDetail struct {
	URL           string            `json:"url"`
	Title         string            `json:"title"`
	Manufacturer  string            `json:"manufacturer"`
	Model         string            `json:"model"`
	CertificateID string            `json:"certificate_id"`
	CertifiedAt   *time.Time        `json:"certified_at,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}
