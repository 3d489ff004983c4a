package ratelimit

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/formhub-edge/internal/httpmw"
)

const (
	defaultPerSecond   = 10
	defaultBurst       = 30
	defaultTTL         = 5 * time.Minute
	defaultMaxVisitors = 100_000
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// warned is set on the first denial and cleared by eviction
	warned bool
}

// IPLimiter keeps one token bucket per client address.
type IPLimiter struct {
	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	exempt      func(*http.Request) bool
	now         func() time.Time

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()

	mu      sync.Mutex
	clients map[string]*client
	full    bool
}

type Option func(*IPLimiter)

// WithRate refills perSecond tokens each second into a bucket of size burst.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client stays tracked.
func WithTTL(d time.Duration) Option { return func(l *IPLimiter) { l.ttl = d } }

// WithMaxVisitors caps the number of tracked clients; 0 means no cap. New
// clients are refused while the table is full.
func WithMaxVisitors(n int) Option { return func(l *IPLimiter) { l.maxVisitors = n } }

// WithExempt skips limiting for matching requests, e.g. load balancer probes.
func WithExempt(fn func(*http.Request) bool) Option { return func(l *IPLimiter) { l.exempt = fn } }

// WithOnFirstDenied is called the first time a tracked client is denied.
func WithOnFirstDenied(fn func(ip string)) Option { return func(l *IPLimiter) { l.onFirstDenied = fn } }

// WithOnDenied is called for every denied request.
func WithOnDenied(fn func(ip string)) Option { return func(l *IPLimiter) { l.onDenied = fn } }

// WithOnCapacity is called when the table first fills, and again only after
// eviction has made room.
func WithOnCapacity(fn func()) Option { return func(l *IPLimiter) { l.onCapacity = fn } }

// New returns a limiter whose eviction loop runs until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := newLimiter(opts...)
	go l.evictLoop(ctx)
	return l
}

func newLimiter(opts ...Option) *IPLimiter {
	l := &IPLimiter{
		perSecond:   defaultPerSecond,
		burst:       defaultBurst,
		ttl:         defaultTTL,
		maxVisitors: defaultMaxVisitors,
		now:         time.Now,
		clients:     make(map[string]*client),
	}
	for _, o := range opts {
		o(l)
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	return l
}

// decision is the outcome of one allow call; callbacks run after the lock
// is released. first marks the first denial of a client, or the first
// refusal since the table filled.
type decision struct {
	allowed, refused, first bool
}

func (l *IPLimiter) decide(ip string) decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		if l.maxVisitors > 0 && len(l.clients) >= l.maxVisitors {
			first := !l.full
			l.full = true
			return decision{refused: true, first: first}
		}
		c = &client{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.clients[ip] = c
	}
	now := l.now()
	c.lastSeen = now
	if c.limiter.AllowN(now, 1) {
		return decision{allowed: true}
	}
	first := !c.warned
	c.warned = true
	return decision{first: first}
}

// allow reports whether ip may proceed and fires the configured callbacks.
func (l *IPLimiter) allow(ip string) bool {
	d := l.decide(ip)
	switch {
	case d.allowed:
		return true
	case d.refused:
		if d.first && l.onCapacity != nil {
			l.onCapacity()
		}
		return false
	}
	if d.first && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

// evict drops clients idle for longer than the ttl and reopens the table
// once there is room again.
func (l *IPLimiter) evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, ip)
			n++
		}
	}
	if l.maxVisitors == 0 || len(l.clients) < l.maxVisitors {
		l.full = false
	}
	return n
}

func (l *IPLimiter) evictLoop(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evict(now)
		}
	}
}

// retryAfter is the whole seconds until one token is back, at least 1.
func (l *IPLimiter) retryAfter() string {
	if l.perSecond <= 0 || l.perSecond == rate.Inf {
		return "60"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(l.perSecond)))))
}

// Middleware answers 429 to clients over their budget. The client address
// comes from httpmw.ClientIP, which must run first.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.exempt != nil && l.exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		if l.allow(httpmw.ClientIPFromContext(r.Context())) {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Retry-After", l.retryAfter())
		h.Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusTooManyRequests)
		// limits and remaining budget are deliberately not disclosed
		_, _ = io.WriteString(w, "too many requests\n")
	})
}
