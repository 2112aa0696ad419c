package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/tavolohq/edgegate/internal/httpmw"
)

// ErrUnknownLimiter is returned for limiter names with no registered rule.
var ErrUnknownLimiter = errors.New("ratelimit: unknown limiter")

// ErrBlocklisted is returned for keys on the blocklist, independent of any
// window state.
var ErrBlocklisted = errors.New("ratelimit: key is blocklisted")

// RateLimitedError carries what the caller needs to retry correctly. It never
// exposes internal key material.
type RateLimitedError struct {
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// Rule is one named limiter: a window policy plus an optional key derivation
// override.
type Rule struct {
	Name   string
	Config Config
	// KeyFunc derives the client key for this limiter. Nil means DefaultKey.
	KeyFunc func(*http.Request) string
}

// Limiter is the registry of named rules over a shared Store, with
// allow/blocklist short-circuits.
type Limiter struct {
	store Store
	rules map[string]Rule

	allowExact map[string]struct{}
	allowCIDR  []netip.Prefix
	blockExact map[string]struct{}
	blockCIDR  []netip.Prefix

	// OnBlocklisted fires once per denied blocklisted consumption, for
	// security event logging.
	OnBlocklisted func(name, key string)

	now func() time.Time
}

type Option func(*Limiter)

// WithRule registers a named limiter.
func WithRule(r Rule) Option {
	return func(l *Limiter) { l.rules[r.Name] = r }
}

// WithAllowlist adds keys that always pass without consuming. Entries may be
// exact keys, plain IPs, or CIDR ranges.
func WithAllowlist(entries []string) Option {
	return func(l *Limiter) { l.allowExact, l.allowCIDR = parseList(entries) }
}

// WithBlocklist adds keys that always fail immediately.
func WithBlocklist(entries []string) Option {
	return func(l *Limiter) { l.blockExact, l.blockCIDR = parseList(entries) }
}

// WithOnBlocklisted sets the blocklist hit hook.
func WithOnBlocklisted(fn func(name, key string)) Option {
	return func(l *Limiter) { l.OnBlocklisted = fn }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		rules:      make(map[string]Rule),
		allowExact: make(map[string]struct{}),
		blockExact: make(map[string]struct{}),
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// parseList splits entries into exact keys and CIDR prefixes. A plain IP
// becomes a /32 (or /128) prefix as well as an exact key, so both "is this
// IP listed" and "is this composite key listed" work.
func parseList(entries []string) (map[string]struct{}, []netip.Prefix) {
	exact := make(map[string]struct{})
	var prefixes []netip.Prefix
	for _, e := range entries {
		if e == "" {
			continue
		}
		exact[e] = struct{}{}
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return exact, prefixes
}

// listed checks a key against exact entries and, when the key's IP component
// parses, against CIDR prefixes. Composite keys like "ip|email" match on
// their IP component.
func listed(key string, exact map[string]struct{}, prefixes []netip.Prefix) bool {
	if _, ok := exact[key]; ok {
		return true
	}
	ipPart := key
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			ipPart = key[:i]
			break
		}
	}
	addr, err := netip.ParseAddr(ipPart)
	if err != nil {
		return false
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Consume records one consumption attempt for the key under the named rule.
// Allowlisted keys always pass without consuming; blocklisted keys always
// fail with ErrBlocklisted. Over-limit keys fail with *RateLimitedError.
func (l *Limiter) Consume(ctx context.Context, name, key string) (Decision, error) {
	rule, ok := l.rules[name]
	if !ok {
		return Decision{}, ErrUnknownLimiter
	}

	if listed(key, l.blockExact, l.blockCIDR) {
		if l.OnBlocklisted != nil {
			l.OnBlocklisted(name, key)
		}
		return Decision{Allowed: false}, ErrBlocklisted
	}
	if listed(key, l.allowExact, l.allowCIDR) {
		now := l.now()
		return Decision{Allowed: true, Remaining: rule.Config.MaxPoints, ResetAt: now.Add(rule.Config.Window)}, nil
	}

	d, err := l.store.Consume(ctx, name, key, rule.Config, l.now())
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		return d, &RateLimitedError{Limit: rule.Config.MaxPoints, ResetAt: d.ResetAt}
	}
	return d, nil
}

// Status is a read-only peek; it never mutates window state.
func (l *Limiter) Status(ctx context.Context, name, key string) (Decision, error) {
	rule, ok := l.rules[name]
	if !ok {
		return Decision{}, ErrUnknownLimiter
	}
	return l.store.Peek(ctx, name, key, rule.Config, l.now())
}

// Reset clears the entry for the key. Administrative override.
func (l *Limiter) Reset(ctx context.Context, name, key string) error {
	if _, ok := l.rules[name]; !ok {
		return ErrUnknownLimiter
	}
	return l.store.Reset(ctx, name, key)
}

// Rule returns the registered rule for a name.
func (l *Limiter) Rule(name string) (Rule, bool) {
	r, ok := l.rules[name]
	return r, ok
}

// Key derives the client key for the named rule.
func (l *Limiter) Key(name string, r *http.Request) string {
	if rule, ok := l.rules[name]; ok && rule.KeyFunc != nil {
		return rule.KeyFunc(r)
	}
	return DefaultKey(r)
}

// DefaultKey is userID when the request carries one, else the resolved
// client IP.
func DefaultKey(r *http.Request) string {
	if uid := r.Header.Get("X-User-Id"); uid != "" {
		return uid
	}
	return httpmw.ClientIPFromContext(r.Context())
}
