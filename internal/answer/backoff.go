package answer

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Policy controls how a call is retried.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy is used for single-query calls.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
}

// InteractivePolicy is used for batch calls a user is waiting on.
func InteractivePolicy() Policy {
	p := DefaultPolicy()
	p.MaxRetries = 2
	return p
}

// Delay returns the wait before retry attempt n (1-based):
// InitialDelay * 2^(n-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// MaxRetries retries have been spent. A done ctx aborts both the call and
// any backoff sleep and yields a cancellation error.
func Retry(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Cancelled(err)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || IsCancelled(err) {
			return Cancelled(ctx.Err())
		}
		if !IsRetryable(err) || attempt >= p.MaxRetries {
			return err
		}

		delay := p.Delay(attempt + 1)
		slog.Warn("answer: retrying after transient failure", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Cancelled(ctx.Err())
		case <-timer.C:
		}
	}
}
