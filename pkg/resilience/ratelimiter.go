package resilience

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/libroai/libro/pkg/fn"
)

// LimiterOpts configures the token bucket.
type LimiterOpts struct {
	// Rate is the number of tokens added per second.
	Rate float64
	// Burst is the bucket capacity. Values below 1 are raised to 1.
	Burst int
}

// Limiter paces calls with a token bucket. The bucket starts full, so a
// fresh limiter admits Burst calls immediately.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter creates a Limiter.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// LimiterStageWait puts a stage behind the limiter: every call waits for a
// token before the stage runs. A wait cut short by ctx fails the call.
func LimiterStageWait[In, Out any](l *Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
