// Package extract turns raw listing and detail HTML into structured data
// using goquery selectors. Selector configuration keeps the engine usable
// against markup revisions without code changes.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jstrand/listcrawld/internal/crawl"
)

// Config holds the CSS selectors for the target site's markup.
type Config struct {
	// ListItemSelector matches one product anchor per listing row, in
	// rendered (top-to-bottom) order.
	ListItemSelector string
	// PaginationSelector matches the pagination links whose highest page
	// number is the site's total page count.
	PaginationSelector string

	TitleSelector        string
	ManufacturerSelector string
	ModelSelector        string
	CertificateSelector  string
	CertifiedAtSelector  string
	// SpecRowSelector matches key/value rows collected into Detail.Extra;
	// the first cell is the key, the second the value.
	SpecRowSelector string

	// DateLayouts are tried in order when parsing the certification date.
	DateLayouts []string
}

// DefaultConfig returns selectors for the reference listing markup.
func DefaultConfig() Config {
	return Config{
		ListItemSelector:     "ul.product-list li a.product-link",
		PaginationSelector:   "div.pagination a",
		TitleSelector:        "h1.product-title",
		ManufacturerSelector: "span.manufacturer",
		ModelSelector:        "span.model",
		CertificateSelector:  "span.certificate-id",
		CertifiedAtSelector:  "span.certified-at",
		SpecRowSelector:      "table.specs tr",
		DateLayouts:          []string{"2006-01-02", "2006.01.02", "02 Jan 2006"},
	}
}

// Extractor implements crawl.DataExtractor.
type Extractor struct {
	cfg Config
}

// New builds an Extractor; zero-valued selectors fall back to defaults.
func New(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.ListItemSelector == "" {
		cfg.ListItemSelector = def.ListItemSelector
	}
	if cfg.PaginationSelector == "" {
		cfg.PaginationSelector = def.PaginationSelector
	}
	if cfg.TitleSelector == "" {
		cfg.TitleSelector = def.TitleSelector
	}
	if cfg.ManufacturerSelector == "" {
		cfg.ManufacturerSelector = def.ManufacturerSelector
	}
	if cfg.ModelSelector == "" {
		cfg.ModelSelector = def.ModelSelector
	}
	if cfg.CertificateSelector == "" {
		cfg.CertificateSelector = def.CertificateSelector
	}
	if cfg.CertifiedAtSelector == "" {
		cfg.CertifiedAtSelector = def.CertifiedAtSelector
	}
	if cfg.SpecRowSelector == "" {
		cfg.SpecRowSelector = def.SpecRowSelector
	}
	if len(cfg.DateLayouts) == 0 {
		cfg.DateLayouts = def.DateLayouts
	}
	return &Extractor{cfg: cfg}
}

// ExtractListURLs returns the product URLs of one listing page in rendered
// order. An empty result on a parseable document is valid: short terminal
// pages are expected.
func (e *Extractor) ExtractListURLs(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, crawl.WrapError(crawl.KindParse, "parse listing document", err)
	}

	var urls []string
	doc.Find(e.cfg.ListItemSelector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href != "" {
			urls = append(urls, href)
		}
	})
	return urls, nil
}

// ExtractDetail parses one product detail page.
func (e *Extractor) ExtractDetail(html string) (crawl.ProductDetail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawl.ProductDetail{}, crawl.WrapError(crawl.KindParse, "parse detail document", err)
	}

	detail := crawl.ProductDetail{
		Title:         text(doc, e.cfg.TitleSelector),
		Manufacturer:  text(doc, e.cfg.ManufacturerSelector),
		Model:         text(doc, e.cfg.ModelSelector),
		CertificateID: text(doc, e.cfg.CertificateSelector),
	}
	if detail.Title == "" {
		return crawl.ProductDetail{}, crawl.NewError(crawl.KindParse, "detail page has no title")
	}

	if raw := text(doc, e.cfg.CertifiedAtSelector); raw != "" {
		for _, layout := range e.cfg.DateLayouts {
			if ts, perr := time.Parse(layout, raw); perr == nil {
				detail.CertifiedAt = &ts
				break
			}
		}
	}

	doc.Find(e.cfg.SpecRowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() < 2 {
			return
		}
		key := strings.TrimSpace(cells.Eq(0).Text())
		val := strings.TrimSpace(cells.Eq(1).Text())
		if key == "" || val == "" {
			return
		}
		if detail.Extra == nil {
			detail.Extra = make(map[string]string)
		}
		detail.Extra[key] = val
	})
	return detail, nil
}

var pageNumberPattern = regexp.MustCompile(`(\d+)\s*$`)

// ExtractPagination derives the total page count from the pagination links
// and counts the products present on this page. Callers combine the two: the
// total comes from page 1, the terminal capacity from the last page.
func (e *Extractor) ExtractPagination(html string) (int, int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, 0, crawl.WrapError(crawl.KindParse, "parse pagination document", err)
	}

	totalPages := 0
	doc.Find(e.cfg.PaginationSelector).Each(func(_ int, sel *goquery.Selection) {
		if n, ok := pageNumber(sel); ok && n > totalPages {
			totalPages = n
		}
	})
	if totalPages == 0 {
		return 0, 0, crawl.NewError(crawl.KindParse, "no pagination links found")
	}

	onPage := doc.Find(e.cfg.ListItemSelector).Length()
	if onPage > crawl.ProductsPerPage {
		return 0, 0, crawl.NewError(crawl.KindParse,
			fmt.Sprintf("page holds %d products, above the %d-slot layout", onPage, crawl.ProductsPerPage))
	}
	return totalPages, onPage, nil
}

// pageNumber reads a page number from a pagination link, preferring the page
// query parameter over the link text.
func pageNumber(sel *goquery.Selection) (int, bool) {
	if href, ok := sel.Attr("href"); ok {
		if idx := strings.LastIndex(href, "page="); idx >= 0 {
			rest := href[idx+len("page="):]
			if amp := strings.IndexByte(rest, '&'); amp >= 0 {
				rest = rest[:amp]
			}
			if n, err := strconv.Atoi(rest); err == nil && n > 0 {
				return n, true
			}
		}
	}
	m := pageNumberPattern.FindStringSubmatch(strings.TrimSpace(sel.Text()))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func text(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}
