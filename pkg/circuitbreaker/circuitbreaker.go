// Package circuitbreaker implements the breaker shape spec.md §9 describes
// for upstream stores prone to cascading failure (e.g. an external
// data-item-offset lookup): a component parameterized by a timeout, an
// error-rate threshold, and a reset delay, transitioning
// closed -> open -> half_open -> closed on a rolling error rate. No breaker
// implementation exists anywhere in the example pack, so this is designed
// fresh, but in the teacher's mutex-guarded-struct-with-explicit-methods
// style (matching internal/dht/rate_limiter.go's bucket bookkeeping).
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call when the breaker is open (or half-open and
// already has a trial call in flight). Per spec.md §9, callers must treat
// this as a cache miss, not a fatal error.
var ErrOpen = errors.New("circuitbreaker: breaker is open")

// Config parameterizes a Breaker.
type Config struct {
	// Timeout bounds a single Call's duration; exceeding it counts as an error.
	Timeout time.Duration
	// ErrorThresholdPercentage trips the breaker once the rolling error rate
	// over ErrorWindow meets or exceeds this percentage (0-100).
	ErrorThresholdPercentage float64
	// ErrorWindow is the rolling window over which the error rate is computed.
	ErrorWindow time.Duration
	// MinRequests is the minimum sample size within ErrorWindow before the
	// error rate is evaluated; below it the breaker stays closed.
	MinRequests int
	// ResetTimeout is how long the breaker stays Open before allowing a
	// single HalfOpen trial call.
	ResetTimeout time.Duration
}

// DefaultConfig provides conservative defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:                  5 * time.Second,
		ErrorThresholdPercentage: 50,
		ErrorWindow:              30 * time.Second,
		MinRequests:              10,
		ResetTimeout:             15 * time.Second,
	}
}

type outcome struct {
	at  time.Time
	err bool
}

// Breaker wraps calls to a single upstream collaborator.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	openedAt    time.Time
	history     []outcome
	trialInFlight bool
}

// New builds a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.ErrorThresholdPercentage <= 0 {
		cfg.ErrorThresholdPercentage = d.ErrorThresholdPercentage
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = d.ErrorWindow
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = d.MinRequests
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = d.ResetTimeout
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// State returns the breaker's current state, advancing Open -> HalfOpen if
// ResetTimeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.trialInFlight = false
	}
}

// Call executes fn if the breaker permits it, recording the outcome. It
// returns ErrOpen without invoking fn when the breaker is Open, or when it is
// HalfOpen and a trial call is already in flight.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	err := fn(callCtx)
	b.record(err != nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case Open:
		return false
	case HalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) record(isErr bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.history = append(b.history, outcome{at: now, err: isErr})
	b.pruneLocked(now)

	switch b.state {
	case HalfOpen:
		b.trialInFlight = false
		if isErr {
			b.tripLocked(now)
		} else {
			b.state = Closed
			b.history = nil
		}
	case Closed:
		if b.shouldTripLocked() {
			b.tripLocked(now)
		}
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.ErrorWindow)
	i := 0
	for ; i < len(b.history); i++ {
		if b.history[i].at.After(cutoff) {
			break
		}
	}
	b.history = b.history[i:]
}

func (b *Breaker) shouldTripLocked() bool {
	if len(b.history) < b.cfg.MinRequests {
		return false
	}
	var errs int
	for _, o := range b.history {
		if o.err {
			errs++
		}
	}
	rate := float64(errs) / float64(len(b.history)) * 100
	return rate >= b.cfg.ErrorThresholdPercentage
}

func (b *Breaker) tripLocked(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.trialInFlight = false
}
