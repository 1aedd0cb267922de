// Package retry wraps remote calls with bounded exponential backoff on
// rate-limit signals. Any other failure is returned immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// ErrExhausted is joined with the last rate-limit error once every attempt
// has been used.
var ErrExhausted = errors.New("retry attempts exhausted")

// RateLimiter is implemented by errors that signal throttling.
type RateLimiter interface {
	RateLimited() bool
}

// Hinter is implemented by errors that carry a server-provided wait.
type Hinter interface {
	RetryAfter() time.Duration
}

type Policy struct {
	// MaxAttempts counts the first call. Values below one mean DefaultMaxAttempts.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Delay is the backoff before retry number attempt (1-based): BaseDelay
// doubled per attempt, never above MaxDelay. A larger server hint wins, still
// capped.
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	p = p.withDefaults()
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if hint > delay {
		delay = hint
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// IsRateLimited reports whether err, or anything it wraps, signals throttling.
func IsRateLimited(err error) bool {
	var rl RateLimiter
	return errors.As(err, &rl) && rl.RateLimited()
}

func retryHint(err error) time.Duration {
	var h Hinter
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}

// Do calls fn until it succeeds, fails with a non-rate-limit error, or the
// policy runs out of attempts.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	var zero T
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !IsRateLimited(err) {
			return zero, err
		}
		if attempt >= p.MaxAttempts {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		delay := p.Delay(attempt, retryHint(err))
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if waitErr := p.Sleep(ctx, delay); waitErr != nil {
			return zero, waitErr
		}
	}
}

// Run is Do for calls without a result.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
