// Package retry provides bounded retries with exponential backoff and jitter.
// Error classification is pluggable so callers with different failure modes
// (LLM calls, blob I/O) can carry their own rules.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"time"
)

// Action tells the executor how to handle a failed attempt.
type Action int

const (
	// ActionRetry retries until the attempt budget is exhausted.
	ActionRetry Action = iota
	// ActionRetryOnce retries only if this was the first attempt. Used for
	// possibly-transient auth failures (401/403).
	ActionRetryOnce
	// ActionAbort stops immediately without consuming remaining attempts.
	ActionAbort
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(err error) Action

// Policy is a retry policy value object.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// DefaultPolicy provides sensible defaults for external calls.
var DefaultPolicy = Policy{
	Attempts:     3,
	InitialDelay: 500 * time.Millisecond,
	Factor:       2.0,
	MaxDelay:     10 * time.Second,
}

// Delay computes the backoff before the attempt following failed attempt n
// (1-based): min(maxDelay, initialDelay·factor^(n-1)) scaled by a uniform
// jitter factor in [0.9, 1.1].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(base * jitter)
}

// Do runs op up to p.Attempts times, classifying each failure. The backoff
// sleep is the only suspension point and honours context cancellation.
func Do[T any](ctx context.Context, p Policy, classify Classifier, name string, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if classify == nil {
		classify = Transient
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 && logger != nil {
				logger.Info("Operation succeeded after retry",
					slog.String("operation", name),
					slog.Int("attempt", attempt),
				)
			}
			return result, nil
		}
		lastErr = err

		action := classify(err)
		if action == ActionAbort {
			if logger != nil {
				logger.Error("Non-retryable error",
					slog.String("operation", name),
					slog.Any("error", err),
				)
			}
			return zero, err
		}
		if action == ActionRetryOnce && attempt > 1 {
			return zero, err
		}
		if attempt == p.Attempts {
			break
		}

		delay := p.Delay(attempt)
		if logger != nil {
			logger.Warn("Attempt failed, backing off",
				slog.String("operation", name),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", p.Attempts),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", p.Attempts, lastErr)
}

// Run is the error-only form of Do.
func (p Policy) Run(ctx context.Context, classify Classifier, name string, logger *slog.Logger, op func(context.Context) error) error {
	_, err := Do(ctx, p, classify, name, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// HTTPStatus extracts an HTTP status code from an error when one is carried.
type HTTPStatus interface {
	HTTPStatusCode() int
}

// HTTP classifies by status code: 5xx and 429 are retryable, 401/403 are
// retried exactly once, all other 4xx are fatal. Errors without a status
// code fall back to the extra classifier (network errors and timeouts).
func HTTP(fallback Classifier) Classifier {
	if fallback == nil {
		fallback = Transient
	}
	return func(err error) Action {
		var hs HTTPStatus
		if !errors.As(err, &hs) {
			return fallback(err)
		}
		code := hs.HTTPStatusCode()
		switch {
		case code >= 500 || code == 429:
			return ActionRetry
		case code == 401 || code == 403:
			return ActionRetryOnce
		case code >= 400:
			return ActionAbort
		}
		return ActionRetry
	}
}

// Transient classifies network and timeout failures as retryable and
// everything else as fatal. Context cancellation is never retried; a
// deadline is treated as a per-attempt timeout and retried (the backoff
// select aborts anyway once the caller's own context is done).
func Transient(err error) Action {
	if errors.Is(err, context.Canceled) {
		return ActionAbort
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ActionRetry
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ActionRetry
	}
	return ActionAbort
}

// Always retries every failure until attempts are exhausted.
func Always(err error) Action {
	if errors.Is(err, context.Canceled) {
		return ActionAbort
	}
	return ActionRetry
}
