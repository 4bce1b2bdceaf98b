package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/govexport/internal/httpmw"
)

// visitor tracks one key's limiter and last activity.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged is set after the first denial; reset on eviction
	logged bool
}

// KeyFunc picks the bucket for a request. An empty key is its own bucket.
type KeyFunc func(r *http.Request) string

// ByClientIP keys on the address resolved by httpmw.ClientIP.
func ByClientIP(r *http.Request) string { return "ip:" + httpmw.ClientIPFromContext(r.Context()) }

// ByPrincipal keys on the authenticated caller and falls back to client IP.
func ByPrincipal(r *http.Request) string {
	if p, ok := httpmw.PrincipalFromContext(r.Context()); ok && p.ID != "" {
		return "sub:" + p.ID
	}
	return ByClientIP(r)
}

// Limiter holds per-key rate limiters.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	key         KeyFunc
	now         func() time.Time

	// OnFirstDenied fires once per key until it is evicted.
	OnFirstDenied func(key string)
	// OnDenied fires on every denial.
	OnDenied func(key string)
	// OnCapacity fires once each time the visitor table fills up.
	OnCapacity func()
	atCapacity bool
}

type Option func(*Limiter)

// WithRate allows burst requests at once, refilled at perSecond.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

func WithTTL(d time.Duration) Option { return func(l *Limiter) { l.ttl = d } }

// WithMaxVisitors caps tracked keys; new keys beyond it are denied. 0 disables the cap.
func WithMaxVisitors(n int) Option { return func(l *Limiter) { l.maxVisitors = n } }

func WithKey(fn KeyFunc) Option { return func(l *Limiter) { l.key = fn } }

func WithOnFirstDenied(fn func(key string)) Option { return func(l *Limiter) { l.OnFirstDenied = fn } }
func WithOnDenied(fn func(key string)) Option      { return func(l *Limiter) { l.OnDenied = fn } }
func WithOnCapacity(fn func()) Option              { return func(l *Limiter) { l.OnCapacity = fn } }

func withClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// New creates a Limiter and starts eviction until ctx is done.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100_000,
		key:         ByClientIP,
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether a request under key may proceed.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	v, exists := l.visitors[key]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			fire := !l.atCapacity
			l.atCapacity = true
			l.mu.Unlock()
			if fire && l.OnCapacity != nil {
				l.OnCapacity()
			}
			if l.OnDenied != nil {
				l.OnDenied(key)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, 1)
	first := !allowed && !v.logged
	if first {
		v.logged = true
	}
	// hooks may be slow; never call them under the lock
	l.mu.Unlock()

	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(key)
	}
	if !allowed && l.OnDenied != nil {
		l.OnDenied(key)
	}
	return allowed
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, k)
		}
	}
	if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
		l.atCapacity = false
	}
}

func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(l.now())
		}
	}
}

// Middleware rejects requests over the limit with 429. The body does not
// disclose the limit or refill time.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(l.key(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"too many requests"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
