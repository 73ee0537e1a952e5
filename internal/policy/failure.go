// Package policy consolidates failure accounting into a single FailurePolicy
// evaluated uniformly by page-level and detail-level supervisors.
package policy

import (
	"fmt"
)

// Level selects which threshold a window is judged against.
type Level string

// Accounting levels.
const (
	LevelPage   Level = "page"
	LevelDetail Level = "detail"
)

// FailurePolicy holds the thresholds that trigger concurrency downshift and
// final failure. Thresholds are failure fractions in [0,1].
type FailurePolicy struct {
	PageThreshold   float64
	DetailThreshold float64
	// HardCeiling is the fraction beyond which a window is a final failure
	// rather than a downshift.
	HardCeiling float64
	// MinSamples suppresses evaluation until the window holds enough results
	// to be meaningful.
	MinSamples int
	// DownshiftFactor scales the concurrency limit on downshift.
	DownshiftFactor float64
	// MinConcurrency floors the downshifted limit.
	MinConcurrency int
}

// Default returns the baseline failure policy.
func Default() FailurePolicy {
	return FailurePolicy{
		PageThreshold:   0.30,
		DetailThreshold: 0.40,
		HardCeiling:     0.70,
		MinSamples:      5,
		DownshiftFactor: 0.5,
		MinConcurrency:  1,
	}
}

// Action is the outcome of evaluating a failure window.
type Action string

// Possible evaluation outcomes.
const (
	ActionProceed      Action = "proceed"
	ActionDownshift    Action = "downshift"
	ActionFinalFailure Action = "final_failure"
)

// Decision carries the evaluated action plus the trigger reason. The reason
// string is formatted here and nowhere else.
type Decision struct {
	Action   Action
	Level    Level
	FailRate float64
	Reason   string
}

// Window is a sliding count of attempted and failed items.
type Window struct {
	Attempted int
	Failed    int
}

// FailRate returns the failure fraction, zero for an empty window.
func (w Window) FailRate() float64 {
	if w.Attempted == 0 {
		return 0
	}
	return float64(w.Failed) / float64(w.Attempted)
}

// Evaluate judges a window against the level's threshold.
func (p FailurePolicy) Evaluate(level Level, w Window) Decision {
	rate := w.FailRate()
	d := Decision{Action: ActionProceed, Level: level, FailRate: rate}
	if w.Attempted < p.MinSamples {
		return d
	}

	threshold := p.PageThreshold
	if level == LevelDetail {
		threshold = p.DetailThreshold
	}

	switch {
	case p.HardCeiling > 0 && rate > p.HardCeiling:
		d.Action = ActionFinalFailure
		d.Reason = fmt.Sprintf("%s fail_rate %.2f > hard ceiling %.2f", level, rate, p.HardCeiling)
	case rate > threshold:
		d.Action = ActionDownshift
		d.Reason = fmt.Sprintf("%s fail_rate %.2f > threshold %.2f", level, rate, threshold)
	}
	return d
}

// Downshift computes the reduced concurrency limit. The limit only ever
// decreases; it never resets upward automatically.
func (p FailurePolicy) Downshift(current int) int {
	factor := p.DownshiftFactor
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	next := int(float64(current) * factor)
	if next < p.MinConcurrency {
		next = p.MinConcurrency
	}
	if next >= current && current > p.MinConcurrency {
		next = current - 1
	}
	return next
}
