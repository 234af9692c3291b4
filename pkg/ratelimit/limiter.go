// Package ratelimit provides a fixed-window request limiter with an
// injectable bucket store, used to protect webhook endpoints from abuse.
//
// The fixed window trades burst precision at window boundaries for O(1)
// memory and O(1) work per request.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	DefaultLimit           = 100
	DefaultWindow          = time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

// Bucket is the per-client counter for the current window.
// Count only grows within [windowStart, ResetAt).
type Bucket struct {
	Count   int
	ResetAt time.Time
}

// Expired reports whether the bucket's window has closed at now.
func (b Bucket) Expired(now time.Time) bool {
	return !now.Before(b.ResetAt)
}

// Store holds buckets keyed by client. Increment must be atomic per key.
type Store interface {
	// Increment records one request for key and returns the bucket after the
	// increment. An absent or expired bucket starts a new window
	// {Count: 1, ResetAt: now+window}.
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Bucket, error)
}

// Sweeper is implemented by stores that keep expired buckets in memory and
// need periodic eviction.
type Sweeper interface {
	// Sweep evicts buckets expired at now and returns how many were removed.
	Sweep(now time.Time) int
}

// Config holds limiter configuration
type Config struct {
	// Limit is the max requests per window (default: 100)
	Limit int

	// Window is the fixed window length (default: 1m)
	Window time.Duration

	// CleanupInterval is the minimum time between sweeps (default: 5m)
	CleanupInterval time.Duration

	// Store holds the buckets (default: in-memory)
	Store Store

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// OnError is called when the store fails. The request is allowed.
	OnError func(error)
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter admits or rejects requests per client key.
type Limiter struct {
	store           Store
	limit           int
	window          time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	onError         func(error)

	// nextSweep holds the unix-nano time of the next allowed sweep.
	nextSweep atomic.Int64
}

// New creates a limiter, applying defaults for zero values.
func New(config Config) (*Limiter, error) {
	if config.Limit < 0 || config.Window < 0 || config.CleanupInterval < 0 {
		return nil, fmt.Errorf("rate limit settings must not be negative")
	}
	if config.Limit == 0 {
		config.Limit = DefaultLimit
	}
	if config.Window == 0 {
		config.Window = DefaultWindow
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.Store == nil {
		config.Store = NewMemoryStore()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	l := &Limiter{
		store:           config.Store,
		limit:           config.Limit,
		window:          config.Window,
		cleanupInterval: config.CleanupInterval,
		now:             config.Now,
		onError:         config.OnError,
	}
	l.nextSweep.Store(l.now().Add(l.cleanupInterval).UnixNano())
	return l, nil
}

// Limit returns the configured max requests per window.
func (l *Limiter) Limit() int {
	return l.limit
}

// Allow counts one request for key and decides whether it is admitted.
// Store failures fail open.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	now := l.now()
	l.maybeSweep(now)

	b, err := l.store.Increment(ctx, key, now, l.window)
	if err != nil {
		if l.onError != nil {
			l.onError(fmt.Errorf("rate limit store: %w", err))
		}
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAt: now.Add(l.window)}
	}

	d := Decision{
		Allowed: b.Count <= l.limit,
		Limit:   l.limit,
		ResetAt: b.ResetAt,
	}
	if d.Allowed {
		d.Remaining = l.limit - b.Count
		return d
	}
	d.RetryAfter = b.ResetAt.Sub(now)
	if d.RetryAfter <= 0 {
		d.RetryAfter = time.Second
	}
	return d
}

// maybeSweep starts an eviction pass at most once per cleanup interval. The
// pass runs off the request goroutine; concurrent callers lose the CAS and
// skip it.
func (l *Limiter) maybeSweep(now time.Time) {
	sweeper, ok := l.store.(Sweeper)
	if !ok {
		return
	}
	next := l.nextSweep.Load()
	if now.UnixNano() < next {
		return
	}
	if !l.nextSweep.CompareAndSwap(next, now.Add(l.cleanupInterval).UnixNano()) {
		return
	}
	go sweeper.Sweep(now)
}

// Sweep evicts expired buckets now. It is a no-op for stores that expire
// buckets themselves (e.g. Redis).
func (l *Limiter) Sweep() int {
	if sweeper, ok := l.store.(Sweeper); ok {
		return sweeper.Sweep(l.now())
	}
	return 0
}

// Run sweeps every cleanup interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	if _, ok := l.store.(Sweeper); !ok {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep()
		}
	}
}
