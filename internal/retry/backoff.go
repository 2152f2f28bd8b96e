// Package retry implements the retry/backoff engine: pluggable backoff
// strategies (exponential, linear, fixed) with jitter and a delay cap,
// plus a per-key circuit breaker.
package retry

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// BackoffKind selects the delay formula.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
	BackoffFixed       BackoffKind = "fixed"
)

// Backoff configures delay computation between attempts.
type Backoff struct {
	Kind         BackoffKind
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       bool
	JitterRatio  float64 // e.g. 0.1 for +/-10%; defaults to 0.1 when Jitter is true and this is 0
}

// Policy is the full retry configuration for a task family.
type Policy struct {
	MaxAttempts       int
	Backoff           Backoff
	RetryableErrors   []string // case-sensitive substrings
	RetryableExitCodes []int
}

// Delay returns the wait before the given attempt number (1-indexed: the
// delay that precedes attempt N, N>=2). Per the chosen Open Question
// convention, there is no delay before attempt 1 — callers should only
// invoke Delay for attempt >= 2.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var raw float64
	base := float64(b.BaseDelay)
	switch b.Kind {
	case BackoffLinear:
		raw = base * float64(attempt)
	case BackoffFixed:
		raw = base
	case BackoffExponential:
		fallthrough
	default:
		raw = base * math.Pow(2, float64(attempt-1))
	}

	if b.MaxDelay > 0 && raw > float64(b.MaxDelay) {
		raw = float64(b.MaxDelay)
	}

	if b.Jitter {
		ratio := b.JitterRatio
		if ratio == 0 {
			ratio = 0.1
		}
		// Uniform factor in [1-ratio, 1+ratio].
		factor := 1 - ratio + rand.Float64()*2*ratio
		raw *= factor
		if b.MaxDelay > 0 && raw > float64(b.MaxDelay) {
			raw = float64(b.MaxDelay)
		}
		if raw < 0 {
			raw = 0
		}
	}

	return time.Duration(raw)
}

// TotalDelay sums the wait across n attempts. The first attempt never
// waits, so its contribution is zero.
func (b Backoff) TotalDelay(n int) time.Duration {
	var total time.Duration
	for attempt := 2; attempt <= n; attempt++ {
		total += b.Delay(attempt)
	}
	return total
}

// IsRetryable reports whether a result should trigger another attempt: its
// exit code is in RetryableExitCodes, or its error message contains any of
// RetryableErrors as a case-sensitive substring.
func (p Policy) IsRetryable(exitCode int, errMsg string) bool {
	for _, code := range p.RetryableExitCodes {
		if code == exitCode {
			return true
		}
	}
	for _, substr := range p.RetryableErrors {
		if substr != "" && strings.Contains(errMsg, substr) {
			return true
		}
	}
	return false
}
