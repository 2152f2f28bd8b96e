package retry

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current posture.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before flipping
	// half-open.
	Cooldown time.Duration
}

type breakerEntry struct {
	state          BreakerState
	consecutiveFailures int
	openedAt       time.Time
}

// Breakers manages one circuit breaker per task-family key.
type Breakers struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	entries map[string]*breakerEntry
}

// NewBreakers creates a breaker registry. FailureThreshold defaults to 5 and
// Cooldown to 30s when unset.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breakers{cfg: cfg, entries: make(map[string]*breakerEntry)}
}

func (b *Breakers) entry(key string) *breakerEntry {
	e, ok := b.entries[key]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		b.entries[key] = e
	}
	return e
}

// Allow reports whether a new attempt may proceed for key, transitioning
// open->half-open once the cooldown has elapsed.
func (b *Breakers) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)

	switch e.state {
	case StateOpen:
		if time.Since(e.openedAt) >= b.cfg.Cooldown {
			e.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker (from any state) and resets the failure
// counter.
func (b *Breakers) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)
	e.state = StateClosed
	e.consecutiveFailures = 0
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker open once FailureThreshold is reached; a failure observed while
// half-open reopens it immediately.
func (b *Breakers) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(key)

	if e.state == StateHalfOpen {
		e.state = StateOpen
		e.openedAt = time.Now()
		e.consecutiveFailures = b.cfg.FailureThreshold
		return
	}

	e.consecutiveFailures++
	if e.consecutiveFailures >= b.cfg.FailureThreshold {
		e.state = StateOpen
		e.openedAt = time.Now()
	}
}

// State returns the current state for key (StateClosed if never observed).
func (b *Breakers) State(key string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(key).state
}

// Reset restores key to the closed state, clearing its failure count.
func (b *Breakers) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// OpenCount reports how many breakers are currently open or half-open, for
// metrics export.
func (b *Breakers) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if e.state == StateOpen || e.state == StateHalfOpen {
			n++
		}
	}
	return n
}

// ConsecutiveFailures reports the current failure streak for key, for
// observability/metrics export.
func (b *Breakers) ConsecutiveFailures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(key).consecutiveFailures
}
