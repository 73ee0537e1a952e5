// Package pagination implements the deterministic page-position algebra that
// maps physical site pages onto stable canonical addresses. Physical page 1
// is the newest listing page; canonical page_id 0 is the oldest. The mapping
// is a pure bijection, so stored records stay addressable no matter how many
// new pages appear at the front of the site.
package pagination

import (
	"fmt"

	"github.com/jstrand/listcrawld/internal/crawl"
)

// Calculate maps a physical page and bottom-up in-page offset to the
// canonical position, assuming the standard twelve-slot page everywhere.
// Callers that know the terminal page's true product count should expand
// pages through ExpandPage instead, which shifts ordinals accordingly.
func Calculate(physicalPage, offsetInPage, totalPages int) (crawl.Position, error) {
	if physicalPage < 1 || physicalPage > totalPages {
		return crawl.Position{}, fmt.Errorf("physical page %d out of range [1,%d]", physicalPage, totalPages)
	}
	if offsetInPage < 0 || offsetInPage >= crawl.ProductsPerPage {
		return crawl.Position{}, fmt.Errorf("offset %d out of range [0,%d]", offsetInPage, crawl.ProductsPerPage-1)
	}
	distance := totalPages - physicalPage
	return FromOrdinal(distance*crawl.ProductsPerPage + offsetInPage), nil
}

// Reverse inverts Calculate. The bool result is false when the position does
// not correspond to any physical page under totalPages; that signals a
// caller error, not a recoverable condition.
func Reverse(pos crawl.Position, totalPages int) (physicalPage, offsetInPage int, ok bool) {
	if pos.PageID < 0 || pos.IndexInPage < 0 || pos.IndexInPage >= crawl.ProductsPerPage {
		return 0, 0, false
	}
	n := pos.Ordinal()
	distance := n / crawl.ProductsPerPage
	if distance >= totalPages {
		return 0, 0, false
	}
	return totalPages - distance, n % crawl.ProductsPerPage, true
}

// FromOrdinal converts a from-oldest ordinal back to a canonical position.
func FromOrdinal(n int) crawl.Position {
	if n < 0 {
		return crawl.Position{}
	}
	return crawl.Position{
		PageID:      n / crawl.ProductsPerPage,
		IndexInPage: n % crawl.ProductsPerPage,
	}
}

// PageCapacity returns the number of product slots on a physical page. Only
// the terminal (oldest) page deviates from the standard twelve.
func PageCapacity(physicalPage, totalPages, productsOnLastPage int) int {
	if physicalPage == totalPages && productsOnLastPage > 0 && productsOnLastPage <= crawl.ProductsPerPage {
		return productsOnLastPage
	}
	return crawl.ProductsPerPage
}

// ordinal computes the from-oldest ordinal of a slot using the terminal
// page's true capacity. offsetFromBottom 0 is the lowest product on the page.
func ordinal(physicalPage, offsetFromBottom, totalPages, productsOnLastPage int) int {
	distance := totalPages - physicalPage
	if distance == 0 {
		return offsetFromBottom
	}
	lastCap := PageCapacity(totalPages, totalPages, productsOnLastPage)
	return lastCap + (distance-1)*crawl.ProductsPerPage + offsetFromBottom
}

// Slot is the fully expanded addressing of one product position a plan
// expects to visit. OffsetInPage is the rendered top-to-bottom offset.
type Slot struct {
	PhysicalPage int            `json:"physical_page"`
	OffsetInPage int            `json:"offset_in_page"`
	Position     crawl.Position `json:"position"`
}

// ExpandPage enumerates the slots of one physical page in rendered order.
// The product at the top of a page is the newest, so it carries the highest
// canonical ordinal.
func ExpandPage(physicalPage, totalPages, productsOnLastPage int) ([]Slot, error) {
	if physicalPage < 1 || physicalPage > totalPages {
		return nil, fmt.Errorf("physical page %d out of range [1,%d]", physicalPage, totalPages)
	}
	capacity := PageCapacity(physicalPage, totalPages, productsOnLastPage)
	slots := make([]Slot, 0, capacity)
	for rendered := 0; rendered < capacity; rendered++ {
		fromBottom := capacity - 1 - rendered
		n := ordinal(physicalPage, fromBottom, totalPages, productsOnLastPage)
		slots = append(slots, Slot{
			PhysicalPage: physicalPage,
			OffsetInPage: rendered,
			Position:     FromOrdinal(n),
		})
	}
	return slots, nil
}

// ExpandRange enumerates slots for every physical page in [startPage,
// endPage] inclusive, walking pages in ascending physical order.
func ExpandRange(startPage, endPage, totalPages, productsOnLastPage int) ([]Slot, error) {
	if startPage > endPage {
		startPage, endPage = endPage, startPage
	}
	var all []Slot
	for page := startPage; page <= endPage; page++ {
		slots, err := ExpandPage(page, totalPages, productsOnLastPage)
		if err != nil {
			return nil, err
		}
		all = append(all, slots...)
	}
	return all, nil
}
