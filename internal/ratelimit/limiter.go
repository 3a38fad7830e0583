package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Result describes the outcome of a single Check.
type Result struct {
	Allowed   bool
	Current   int
	Remaining int
	Limit     int
	ResetIn   time.Duration
}

type entryKey struct {
	id       string
	endpoint string
}

type entry struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window counter keyed by (source identifier, endpoint name).
// Counters live in a concurrent map and are mutated in place; no request holds a lock
// across unrelated keys.
type Limiter struct {
	clock   clock.Clock
	logger  *zap.Logger
	policy  atomic.Pointer[Policy]
	entries *xsync.MapOf[entryKey, entry]
	blocked metric.Int64Counter

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  chan struct{}
	interval atomic.Int64
	changed  chan struct{}
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger sets the logger used by the sweep.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New returns an unset limiter. Call Configure to enable it.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		clock:   clock.New(),
		logger:  zap.NewNop(),
		entries: xsync.NewMapOf[entryKey, entry](),
		changed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	p := Unset()
	l.policy.Store(&p)

	counter, err := otel.Meter("authbridge/ratelimit").Int64Counter(
		"ratelimit.blocked.count",
		metric.WithDescription("Requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err == nil {
		l.blocked = counter
	}
	return l
}

// Configure replaces the active policy. nil leaves the limiter unset, an empty
// Options enables it with defaults, Enabled=false preloads values but stays inert.
func (l *Limiter) Configure(opts *Options) Policy {
	p := PolicyFrom(opts)
	l.policy.Store(&p)
	select {
	case l.changed <- struct{}{}:
	default:
	}
	return p
}

// Policy returns the active policy.
func (l *Limiter) Policy() Policy {
	return *l.policy.Load()
}

// Check counts one request for (id, endpoint) and reports whether it is allowed.
func (l *Limiter) Check(id, endpoint string) Result {
	p := l.policy.Load()
	if !p.Enforcing() {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	}

	now := l.clock.Now()
	current, _ := l.entries.Compute(entryKey{id: id, endpoint: endpoint}, func(old entry, loaded bool) (entry, bool) {
		if !loaded || now.Sub(old.windowStart) >= p.Window {
			old = entry{windowStart: now}
		}
		old.count++
		return old, false
	})

	result := Result{
		Allowed:   current.count <= p.Max,
		Current:   current.count,
		Remaining: max(p.Max-current.count, 0),
		Limit:     p.Max,
		ResetIn:   current.windowStart.Add(p.Window).Sub(now),
	}

	if !result.Allowed && l.blocked != nil {
		l.blocked.Add(context.Background(), 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
	return result
}

// Reset clears every counter held for id, across endpoints.
func (l *Limiter) Reset(id string) {
	l.entries.Range(func(k entryKey, _ entry) bool {
		if k.id == id {
			l.entries.Compute(k, func(old entry, loaded bool) (entry, bool) {
				return old, true
			})
		}
		return true
	})
}

// Clear drops all counters.
func (l *Limiter) Clear() {
	l.entries.Clear()
}

// Len returns the number of tracked (id, endpoint) pairs.
func (l *Limiter) Len() int {
	return l.entries.Size()
}

// Sweep evicts counters whose window has elapsed and returns how many were removed.
func (l *Limiter) Sweep() int {
	p := l.policy.Load()
	now := l.clock.Now()
	removed := 0
	l.entries.Range(func(k entryKey, _ entry) bool {
		// Re-check under the key's lock; a concurrent Check may have opened a new window.
		l.entries.Compute(k, func(old entry, loaded bool) (entry, bool) {
			expired := loaded && now.Sub(old.windowStart) >= p.Window
			if expired {
				removed++
			}
			return old, !loaded || expired
		})
		return true
	})
	return removed
}

// SweepInterval returns the period of the running sweep, or zero when it is not running.
func (l *Limiter) SweepInterval() time.Duration {
	return time.Duration(l.interval.Load())
}

// Start launches the periodic sweep. It runs until ctx is cancelled or Stop is called.
// The sweep period follows the policy window, including later Configure calls.
func (l *Limiter) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	interval := l.Policy().Window
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.stopped = make(chan struct{})

	ticker := l.clock.Ticker(interval)
	l.interval.Store(int64(interval))
	go func(done chan struct{}) {
		defer close(done)
		defer func() {
			ticker.Stop()
			l.interval.Store(0)
		}()
		for {
			select {
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug("rate limit sweep", zap.Int("evicted", n), zap.Int("remaining", l.Len()))
				}
			case <-l.changed:
				if window := l.Policy().Window; window != interval {
					ticker.Stop()
					interval = window
					ticker = l.clock.Ticker(interval)
					l.interval.Store(int64(interval))
					l.logger.Debug("rate limit sweep interval changed", zap.Duration("interval", interval))
				}
			case <-ctx.Done():
				return
			}
		}
	}(l.stopped)
}

// Stop halts the sweep started by Start and waits for it to exit.
func (l *Limiter) Stop() {
	l.mu.Lock()
	cancel, stopped := l.cancel, l.stopped
	l.cancel, l.stopped = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
