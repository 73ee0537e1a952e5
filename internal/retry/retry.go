// Package retry implements the retry/backoff calculator: side effect free
// decisions about whether an attempt may retry and how long to wait first.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/jstrand/listcrawld/internal/crawl"
)

// Policy is an immutable per-category retry policy.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// JitterRange bounds the additive uniform jitter added to each delay.
	JitterRange time.Duration
	// RetryOn restricts retries to these error kinds. Empty means any
	// recoverable kind.
	RetryOn map[crawl.Kind]bool
}

// DefaultPolicy returns the baseline policy used when configuration does not
// override a category.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterRange:       250 * time.Millisecond,
		RetryOn: map[crawl.Kind]bool{
			crawl.KindNetworkTimeout:    true,
			crawl.KindNetworkConnection: true,
			crawl.KindRateLimited:       true,
			crawl.KindDatabase:          true,
			crawl.KindTimeout:           true,
		},
	}
}

// ShouldRetry reports whether another attempt is allowed. attempt is
// one-based: the first try is attempt 1.
func ShouldRetry(attempt int, p Policy) bool {
	return attempt >= 1 && attempt < p.MaxAttempts
}

// ShouldRetryFor additionally requires the error kind to be covered by the
// policy. Fatal kinds never retry regardless of the attempt count.
func ShouldRetryFor(kind crawl.Kind, attempt int, p Policy) bool {
	if !ShouldRetry(attempt, p) {
		return false
	}
	if !kind.Recoverable() {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	return p.RetryOn[kind]
}

// Delay computes the wait before the next attempt: exponential backoff
// capped at MaxDelay, plus an additive uniform jitter in [0, JitterRange].
func Delay(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff) + jitter(p.JitterRange)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}
