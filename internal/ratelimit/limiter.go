// Package ratelimit throttles query issuance with a token bucket and bounds
// the number of in-flight queries with a slot semaphore.
package ratelimit

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/metrics"
)

// DefaultBurst is used when the configured burst is zero.
const DefaultBurst = 10

// WaitFunc is called when an acquire has to wait. estimatedWait is the
// reservation delay for token waits and zero for slot waits.
type WaitFunc func(estimatedWait time.Duration)

// Limiter combines a token bucket refilled at QueriesPerMinute with a
// semaphore of MaxConcurrentQueries slots. It is safe for concurrent use.
type Limiter struct {
	bucket   *rate.Limiter
	slots    *semaphore.Weighted
	maxSlots int
	inFlight atomic.Int64
	onWait   atomic.Pointer[WaitFunc]
	metrics  *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithOnWait installs the wait hook.
func WithOnWait(fn WaitFunc) Option {
	return func(l *Limiter) { l.SetOnWait(fn) }
}

// WithMetrics records waits and in-flight counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter. A non-positive QueriesPerMinute disables the
// bucket, and a non-positive MaxConcurrentQueries means one slot. The burst
// never exceeds one minute's quota.
func New(cfg config.RateLimitConfig, opts ...Option) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	limit := rate.Inf
	if cfg.QueriesPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.QueriesPerMinute))
		if burst > cfg.QueriesPerMinute {
			burst = cfg.QueriesPerMinute
		}
	}
	slots := cfg.MaxConcurrentQueries
	if slots <= 0 {
		slots = 1
	}

	l := &Limiter{
		bucket:   rate.NewLimiter(limit, burst),
		slots:    semaphore.NewWeighted(int64(slots)),
		maxSlots: slots,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetOnWait replaces the wait hook. Passing nil removes it.
func (l *Limiter) SetOnWait(fn WaitFunc) {
	if fn == nil {
		l.onWait.Store(nil)
		return
	}
	l.onWait.Store(&fn)
}

// Token is a held slot. Release it exactly once; extra releases are no-ops.
type Token struct {
	limiter  *Limiter
	released atomic.Bool
	Acquired time.Time
}

// Acquire blocks until a token and a slot are available. It never fails for
// rate reasons; the only error is ctx being done.
func (l *Limiter) Acquire(ctx context.Context) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	r := l.bucket.Reserve()
	if delay := r.Delay(); delay > 0 {
		l.notify(delay)
		l.metrics.RateLimitWait("token")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return nil, ctx.Err()
		}
	}

	if !l.slots.TryAcquire(1) {
		l.notify(0)
		l.metrics.RateLimitWait("slot")
		if err := l.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	l.metrics.SetInFlight(int(l.inFlight.Add(1)))
	l.metrics.ObserveAcquire(time.Since(start))
	return &Token{limiter: l, Acquired: time.Now()}, nil
}

// Release returns the token's slot.
func (l *Limiter) Release(t *Token) {
	if t == nil || t.limiter != l || !t.released.CompareAndSwap(false, true) {
		return
	}
	l.metrics.SetInFlight(int(l.inFlight.Add(-1)))
	l.slots.Release(1)
}

// Release returns the token's slot to the limiter it came from.
func (t *Token) Release() {
	if t == nil || t.limiter == nil {
		return
	}
	t.limiter.Release(t)
}

// InFlight returns the number of held slots.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// MaxConcurrent returns the slot count.
func (l *Limiter) MaxConcurrent() int {
	return l.maxSlots
}

// Interval returns the token refill interval, zero when unlimited.
func (l *Limiter) Interval() time.Duration {
	limit := l.bucket.Limit()
	if limit == rate.Inf || limit <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(time.Second) / float64(limit)))
}

func (l *Limiter) notify(wait time.Duration) {
	if fn := l.onWait.Load(); fn != nil {
		(*fn)(wait)
	}
}
