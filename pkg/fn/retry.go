package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// RetryIf decides whether a failure is worth another attempt. Nil
	// retries every error; callers normally pass domain.Retryable so
	// size and schema violations surface immediately.
	RetryIf func(error) bool
}

// DefaultRetry provides sensible retry defaults.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

/// backoff returns the wait after the given 1-based attempt: InitialWait
// doubled per attempt, capped at MaxWait when one is set, with optional
// jitter in [0.5x, 1.5x).
func (o RetryOpts) backoff(attempt int) time.Duration {
	wait := o.InitialWait << (attempt - 1)
	if wait <= 0 {
		wait = o.MaxWait
	}
	if o.MaxWait > 0 && wait > o.MaxWait {
		wait = o.MaxWait
	}
	if o.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		if o.MaxWait > 0 && wait > o.MaxWait {
			wait = o.MaxWait
		}
	}
	return wait
}

// Retry runs f up to MaxAttempts times with exponential backoff between
// failures. Errors rejected by RetryIf and canceled contexts end the
// loop immediately with the respective error.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		result := f(ctx)
		if result.IsOk() || attempt == opts.MaxAttempts {
			return result
		}
		if _, err := result.Unwrap(); opts.RetryIf != nil && !opts.RetryIf(err) {
			return result
		}
		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(opts.backoff(attempt)):
		}
	}
}
