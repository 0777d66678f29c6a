// Package ratelimit implements the trusted-node token-bucket limiter and
// bounded concurrent-request queue described in spec.md §4.2.4 and §5
// ("Rate-limit bucket"). It is a thin domain wrapper around
// golang.org/x/time/rate rather than a hand-rolled bucket, generalizing the
// teacher's per-key token bucket (internal/dht/rate_limiter.go) onto the
// ecosystem limiter.
package ratelimit

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	// MaxRPS is the steady-state replenishment rate, in requests per second.
	MaxRPS float64
	// BurstMultiple scales MaxRPS to compute the bucket's burst capacity
	// (spec.md §4.2.4 default: "burst up to 300 x rate").
	BurstMultiple float64
	// MaxConcurrent bounds outstanding in-flight requests (C_max, default 100).
	MaxConcurrent int
}

// DefaultConfig returns spec.md §4.2.4's defaults: 15 req/s, burst 300x, 100
// concurrent requests.
func DefaultConfig() Config {
	return Config{MaxRPS: 15, BurstMultiple: 300, MaxConcurrent: 100}
}

// Limiter bounds requests to a trusted node: a token bucket for steady-state
// rate, plus a concurrency semaphore for backpressure (spec.md §5
// "Backpressure").
type Limiter struct {
	bucket  *rate.Limiter
	sem     chan struct{}
	maxAttm int
}

// New builds a Limiter from cfg, filling in DefaultConfig's values for any
// zero field.
func New(cfg Config) *Limiter {
	d := DefaultConfig()
	if cfg.MaxRPS <= 0 {
		cfg.MaxRPS = d.MaxRPS
	}
	if cfg.BurstMultiple <= 0 {
		cfg.BurstMultiple = d.BurstMultiple
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	burst := int(math.Ceil(cfg.MaxRPS * cfg.BurstMultiple))
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Acquire blocks (cooperatively, honoring ctx) until both a rate-limit token
// and a concurrency slot are available, then returns a release func the
// caller MUST invoke exactly once to free the concurrency slot.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := l.bucket.Wait(ctx); err != nil {
		<-l.sem
		return nil, err
	}

	var once bool
	return func() {
		if once {
			return
		}
		once = true
		<-l.sem
	}, nil
}

// DebitForRetry applies the exponential-backoff penalty spec.md §4.2.4/§9
// prescribes for an HTTP 429 response: the bucket is debited by 2^attempt
// tokens, so the next caller's Wait blocks out the implied cooldown. attempt
// is the 1-based retry attempt number; spec.md §9 treats max_attempts = 5 as
// the working default for callers above this package.
func (l *Limiter) DebitForRetry(attempt int) {
	if attempt < 1 {
		attempt = 1
	}
	tokens := int(math.Pow(2, float64(attempt)))
	l.bucket.ReserveN(time.Now(), tokens)
}
