package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tavolohq/edgegate/internal/httpmw"
)

// client tracks a single IP's token bucket and last activity.
type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial event has fired for this
	// client; resets when the entry is evicted and re-created
	logged bool
}

// FloodGuard is a coarse per-IP token bucket that runs before the policy
// limiters. Its job is protecting the process from raw request floods, not
// enforcing application rate policy - the windowed limiters do that.
type FloodGuard struct {
	mu      sync.Mutex
	clients map[string]*client

	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	// OnFirstDenied fires once per client on its first denial, for a single
	// security event per offender instead of log spam.
	OnFirstDenied func(ip string)

	// OnDenied fires on every denial, for metrics.
	OnDenied func(ip string)
}

type FloodOption func(*FloodGuard)

// WithFloodRate sets the refill rate and bucket capacity.
func WithFloodRate(perSecond float64, burst int) FloodOption {
	return func(g *FloodGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithFloodTTL controls how long an idle IP stays in the map.
func WithFloodTTL(d time.Duration) FloodOption {
	return func(g *FloodGuard) { g.ttl = d }
}

func WithFloodOnFirstDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) { g.OnFirstDenied = fn }
}

func WithFloodOnDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) { g.OnDenied = fn }
}

// NewFloodGuard creates the guard and starts its eviction goroutine, stopped
// via ctx on shutdown.
func NewFloodGuard(ctx context.Context, opts ...FloodOption) *FloodGuard {
	g := &FloodGuard{
		clients:   make(map[string]*client),
		perSecond: 20,
		burst:     60,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(g)
	}
	go g.evict(ctx)
	return g
}

// Allow reports whether the IP is within its bucket, firing denial hooks as
// needed.
func (g *FloodGuard) Allow(ip string) bool {
	g.mu.Lock()
	c, ok := g.clients[ip]
	if !ok {
		c = &client{bucket: rate.NewLimiter(g.perSecond, g.burst)}
		g.clients[ip] = c
	}
	c.lastSeen = time.Now()
	allowed := c.bucket.Allow()

	if !allowed && !c.logged {
		c.logged = true
		// hooks may do slow work; drop the lock before calling them
		g.mu.Unlock()
		if g.OnFirstDenied != nil {
			g.OnFirstDenied(ip)
		}
		if g.OnDenied != nil {
			g.OnDenied(ip)
		}
		return false
	}
	g.mu.Unlock()

	if !allowed && g.OnDenied != nil {
		g.OnDenied(ip)
	}
	return allowed
}

func (g *FloodGuard) evict(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, c := range g.clients {
				if now.Sub(c.lastSeen) > g.ttl {
					delete(g.clients, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects over-budget IPs with a bare 429. No limit detail is
// exposed here; flood traffic doesn't deserve retry guidance.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		if !g.Allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
