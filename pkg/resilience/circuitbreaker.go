// Package resilience guards calls to flaky upstreams. It provides a circuit
// breaker and a token bucket limiter, both shaped to wrap pipeline stages.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/libroai/libro/pkg/fn"
)

// Breaker states.
type State int

const (
	StateClosed   State = iota // calls flow normally
	StateOpen                  // calls fail fast
	StateHalfOpen              // a limited number of probe calls go through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// HalfOpenMax caps concurrent probe calls in the half-open state.
	HalfOpenMax int
}

// DefaultBreakerOpts provides sensible defaults.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a consecutive-failure circuit breaker. After FailThreshold
// failures in a row it rejects every call for Timeout, then lets probe
// calls through; one probe success closes it again.
type Breaker struct {
	opts BreakerOpts

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	clock    func() time.Time
}

// NewBreaker creates a Breaker, filling zero options with defaults.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, clock: time.Now}
}

// State reports the breaker state, folding in the open to half-open
// transition when the cool-off has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.step()
}

// step advances open to half-open once the cool-off elapses. Callers hold mu.
func (b *Breaker) step() State {
	if b.state == StateOpen && b.clock().Sub(b.openedAt) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.probes = 0
	}
	return b.state
}

// admit decides whether a call may proceed right now.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.step() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.probes >= b.opts.HalfOpenMax {
			return false
		}
		b.probes++
	}
	return true
}

// observe feeds a call outcome into the state machine.
func (b *Breaker) observe(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if failed {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.trip()
		}
		return
	}
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	b.failures = 0
}

// trip opens the breaker and starts the cool-off. Callers hold mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.clock()
	b.failures = 0
	b.probes = 0
}

// BreakerStage guards a stage with the breaker: rejected calls fail fast
// with ErrCircuitOpen and never invoke the stage; completed calls feed the
// state machine.
func BreakerStage[In, Out any](b *Breaker, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if !b.admit() {
			return fn.Err[Out](ErrCircuitOpen)
		}
		r := stage(ctx, in)
		b.observe(r.IsErr())
		return r
	}
}
