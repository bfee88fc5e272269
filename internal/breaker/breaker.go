// Package breaker implements a failure-rate circuit breaker guarding the
// LLM call. State is process-wide and in-memory only: a fresh process always
// starts closed.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Config holds circuit breaker tuning knobs.
type Config struct {
	// Threshold is the failure count within Window that opens the circuit.
	Threshold int
	// Window is the sliding window failures are counted in.
	Window time.Duration
	// Cooldown is how long the circuit stays open before closing again.
	Cooldown time.Duration
}

// Breaker is a mutex-protected failure-rate tripwire. While open, callers
// must skip the guarded call; once the cooldown elapses the circuit closes
// and the failure history is cleared. There is no separate half-open probe
// state.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	logger   *slog.Logger
	failures []time.Time
	isOpen   bool
	openedAt time.Time
	now      func() time.Time
}

// New creates a closed breaker.
func New(cfg Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// NewWithClock creates a breaker with an injected clock, for tests.
func NewWithClock(cfg Config, logger *slog.Logger, now func() time.Time) *Breaker {
	b := New(cfg, logger)
	b.now = now
	return b
}

// Allow reports whether the guarded call may proceed. It closes an open
// circuit whose cooldown has elapsed, prunes failures outside the window,
// and opens the circuit when the threshold is reached.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.now()

	if b.isOpen {
		if current.Sub(b.openedAt) >= b.cfg.Cooldown {
			b.logger.Info("Circuit breaker cooldown complete, closing circuit")
			b.isOpen = false
			b.openedAt = time.Time{}
			b.failures = nil
			return true
		}
		return false
	}

	b.prune(current)

	if len(b.failures) >= b.cfg.Threshold {
		b.logger.Error("Circuit breaker opening",
			slog.Int("failures", len(b.failures)),
			slog.Duration("window", b.cfg.Window),
			slog.Int("threshold", b.cfg.Threshold),
		)
		b.isOpen = true
		b.openedAt = current
		return false
	}

	return true
}

// RecordFailure adds a failure timestamp to the sliding window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.now()
	b.prune(current)
	b.failures = append(b.failures, current)
	b.logger.Debug("Recorded breaker failure",
		slog.Int("failures_in_window", len(b.failures)),
	)
}

// RecordSuccess clears the failure history so isolated failures do not
// accumulate across unrelated successful periods.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.failures) > 0 {
		b.logger.Debug("Breaker success, clearing failure history")
		b.failures = nil
	}
}

// IsOpen reports the current open flag without mutating state.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpen
}

// FailureCount returns the number of failures currently inside the window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.failures)
}

func (b *Breaker) prune(current time.Time) {
	cutoff := current.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}
