// Package stage executes single units of pipeline work: one page, URL, or
// product batch for one stage type, each attempt wrapped with the retry
// calculator.
package stage

import (
	"time"

	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/pagination"
)

// Type identifies a pipeline stage.
type Type string

// Pipeline stages.
const (
	TypeStatusCheck   Type = "StatusCheck"
	TypeListPage      Type = "ListPageCrawling"
	TypeProductDetail Type = "ProductDetailCrawling"
	TypeValidation    Type = "DataValidation"
	TypeSaving        Type = "DataSaving"
)

// Item is the unit of work a stage executes against. Fields are populated
// per stage type.
type Item struct {
	// Page and Slots drive ListPageCrawling.
	Page  int
	Slots []pagination.Slot
	// Product drives ProductDetailCrawling.
	Product *crawl.Product
	// Products drives DataValidation and DataSaving.
	Products []crawl.Product
}

// Outcome discriminates a stage result.
type Outcome string

// Stage outcomes.
const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeRecoverable    Outcome = "recoverable_error"
	OutcomeFatal          Outcome = "fatal_error"
	OutcomeCancelled      Outcome = "cancelled"
)

// Failed reports whether the outcome counts against failure accounting.
func (o Outcome) Failed() bool {
	return o == OutcomeRecoverable || o == OutcomeFatal
}

// Result is the typed report of one stage execution.
type Result struct {
	Stage      Type
	Outcome    Outcome
	Err        error
	Kind       crawl.Kind
	Duration   time.Duration
	RetryCount int

	// Products carries stage output: addressed list products or the item's
	// product with detail attached.
	Products []crawl.Product
	// Site is populated by StatusCheck.
	Site *crawl.SiteStatus
}
