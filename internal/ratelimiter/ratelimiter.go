// Package ratelimiter gates outbound provider calls through a process-wide
// registry of per-bucket limiters. Each bucket combines a token-bucket cell
// (smooths bursts against a steady qps) with a true sliding-window cell
// (a ring of recent call timestamps) — deliberately not the fixed-window
// approximation some rate limiters use, since a fixed window lets a caller
// burst 2x its rate across a window boundary.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelai/depth/internal/thinkerr"
)

// Strategy decides what Wait does when a bucket is currently exhausted.
type Strategy int

const (
	// StrategyWait blocks until capacity frees up or ctx is done.
	StrategyWait Strategy = iota
	// StrategyError returns immediately with an error instead of blocking.
	StrategyError
)

// Limiter is one (provider, model) bucket's admission control.
type Limiter struct {
	mu sync.Mutex

	qps   float64
	burst int

	tokens     float64
	lastRefill time.Time

	window       time.Duration
	windowLimit  int
	timestamps   []time.Time // ring-like: oldest-first, trimmed on access
}

// New builds a limiter from a requests-per-minute budget. qps and burst
// derive from rpm the same way a steady arrival rate would: qps = rpm/60,
// burst = max(1, qps) to allow at least one request through immediately.
func New(rpm float64) *Limiter {
	qps := rpm / 60.0
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		qps:         qps,
		burst:       burst,
		tokens:      float64(burst),
		lastRefill:  timeNow(),
		window:      time.Minute,
		windowLimit: int(rpm),
	}
}

// timeNow exists so tests can't accidentally depend on wall-clock jitter
// across assertions within the same test process — in production it's
// just time.Now.
var timeNow = time.Now

func (l *Limiter) refillLocked() {
	now := timeNow()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	l.tokens += elapsed * l.qps
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) trimWindowLocked() {
	now := timeNow()
	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(l.timestamps); i++ {
		if l.timestamps[i].After(cutoff) {
			break
		}
	}
	l.timestamps = l.timestamps[i:]
}

// tryAcquireLocked reports whether both cells currently have room, and if
// so, consumes one unit from each.
func (l *Limiter) tryAcquireLocked() bool {
	l.refillLocked()
	l.trimWindowLocked()

	if l.tokens < 1 {
		return false
	}
	if l.windowLimit > 0 && len(l.timestamps) >= l.windowLimit {
		return false
	}

	l.tokens--
	l.timestamps = append(l.timestamps, timeNow())
	return true
}

// Allow is the non-blocking admission check: true if a call may proceed
// right now, consuming capacity from both cells if so.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryAcquireLocked()
}

// Wait blocks (polling at a fine grain) until capacity is available or ctx
// is done, per strategy. StrategyError never blocks: it's Allow with an
// error instead of a bool.
func (l *Limiter) Wait(ctx context.Context, strategy Strategy) error {
	l.mu.Lock()
	ok := l.tryAcquireLocked()
	l.mu.Unlock()
	if ok {
		return nil
	}
	if strategy == StrategyError {
		return thinkerr.New(thinkerr.RateLimit, "", "ratelimiter: bucket exhausted")
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.mu.Lock()
			ok := l.tryAcquireLocked()
			l.mu.Unlock()
			if ok {
				return nil
			}
		}
	}
}

// Registry is the process-wide map of bucket key -> Limiter. Bucket keys
// follow the "{provider}:{model}" convention so two model configs that
// share an underlying model share rate-limit accounting, and two that don't
// never contend with each other.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	rpm      map[string]float64
}

// NewRegistry returns an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		rpm:      make(map[string]float64),
	}
}

// BucketKey builds the canonical key for a provider/model pair.
func BucketKey(provider, model string) string {
	return fmt.Sprintf("%s:%s", provider, model)
}

// SetRPM configures (or reconfigures) the budget for a bucket, rebuilding
// its limiter from scratch.
func (r *Registry) SetRPM(bucketKey string, rpm float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rpm[bucketKey] = rpm
	r.limiters[bucketKey] = New(rpm)
}

// EnsureRPM configures a bucket's budget only if it hasn't been configured
// yet. Unlike SetRPM, a repeated call against an already-configured bucket
// is a no-op: it never rebuilds the limiter, so accumulated token-bucket and
// sliding-window state survives every call that merely wants to assert "this
// bucket should run at rpm if nobody else has said otherwise."
func (r *Registry) EnsureRPM(bucketKey string, rpm float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.limiters[bucketKey]; ok {
		return
	}
	r.rpm[bucketKey] = rpm
	r.limiters[bucketKey] = New(rpm)
}

// Get returns the limiter for bucketKey, creating one with a permissive
// default (600 rpm) if it was never configured. A never-configured bucket
// shouldn't silently block forever.
func (r *Registry) Get(bucketKey string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[bucketKey]; ok {
		return l
	}
	l := New(600)
	r.limiters[bucketKey] = l
	return l
}

// Wait is a convenience wrapper: resolve the bucket for (provider, model)
// and wait on it under strategy.
func (r *Registry) Wait(ctx context.Context, provider, model string, strategy Strategy) error {
	return r.Get(BucketKey(provider, model)).Wait(ctx, strategy)
}
