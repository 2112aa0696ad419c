// Package pipeline is the ordered guard chain every inbound request passes
// through: bypass check, threat scan, security-header composition, rate
// limiting, CSRF verification, session validation, and the admin role gate.
// Guards return typed errors; this package is the only place they are mapped
// to HTTP statuses and bodies. The chain short-circuits on the first terminal
// decision, and every terminal branch, including the fail-closed 500, carries
// the composed security headers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/tavolohq/edgegate/internal/csrf"
	"github.com/tavolohq/edgegate/internal/httpmw"
	"github.com/tavolohq/edgegate/internal/log"
	"github.com/tavolohq/edgegate/internal/ratelimit"
	"github.com/tavolohq/edgegate/internal/routeclass"
	"github.com/tavolohq/edgegate/internal/secheaders"
	"github.com/tavolohq/edgegate/internal/session"
	"github.com/tavolohq/edgegate/internal/threat"
)

// Hooks are optional observation points, wired to metrics counters by the
// server. All fields are nil-safe.
type Hooks struct {
	ThreatDetected  func(category string)
	GuardDenied     func(guard, reason string)
	RateLimited     func(limiter string)
	CSRFFailure     func(reason string)
	SessionRejected func(reason string)
	Panic           func()
}

// Config carries the guard implementations the pipeline composes. All fields
// are required except Logger, which defaults to Nop.
type Config struct {
	Classes  *routeclass.Classifier
	CSRF     *csrf.Service
	Limits   *ratelimit.Limiter
	Sessions *session.Manager
	Headers  *secheaders.Composer
	Logger   log.Logger
}

// Pipeline evaluates the guard chain once per request. Construct with New;
// safe for concurrent use.
type Pipeline struct {
	classes  *routeclass.Classifier
	csrf     *csrf.Service
	limits   *ratelimit.Limiter
	sessions *session.Manager
	headers  *secheaders.Composer
	log      log.Logger

	escalate   map[threat.Category]struct{}
	csrfBypass map[string]struct{}

	adminIPsEnabled bool
	adminExact      map[string]struct{}
	adminCIDR       []netip.Prefix

	hooks Hooks
	now   func() time.Time
}

type Option func(*Pipeline)

// WithEscalation replaces the set of threat categories that block the
// request outright. Everything else is logged as a security event and
// allowed through.
func WithEscalation(cats ...threat.Category) Option {
	return func(p *Pipeline) {
		p.escalate = make(map[threat.Category]struct{}, len(cats))
		for _, c := range cats {
			p.escalate[c] = struct{}{}
		}
	}
}

// WithCSRFBypass exempts exact paths from CSRF verification. Webhooks and
// auth callbacks are signed by other means and never carry a token.
func WithCSRFBypass(paths ...string) Option {
	return func(p *Pipeline) {
		for _, pa := range paths {
			p.csrfBypass[pa] = struct{}{}
		}
	}
}

// WithAdminAllowlist restricts admin routes to the given IPs and CIDR
// ranges when enabled. Unparseable entries are dropped.
func WithAdminAllowlist(enabled bool, entries []string) Option {
	return func(p *Pipeline) {
		p.adminIPsEnabled = enabled
		for _, e := range entries {
			e = strings.TrimSpace(e)
			if e == "" {
				continue
			}
			if strings.Contains(e, "/") {
				if pfx, err := netip.ParsePrefix(e); err == nil {
					p.adminCIDR = append(p.adminCIDR, pfx)
				}
				continue
			}
			p.adminExact[e] = struct{}{}
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(p *Pipeline) { p.hooks = h }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		classes:  cfg.Classes,
		csrf:     cfg.CSRF,
		limits:   cfg.Limits,
		sessions: cfg.Sessions,
		headers:  cfg.Headers,
		log:      cfg.Logger,
		escalate: map[threat.Category]struct{}{
			threat.CategoryPathTraversal:       {},
			threat.CategorySuspiciousUserAgent: {},
		},
		csrfBypass: make(map[string]struct{}),
		adminExact: make(map[string]struct{}),
		now:        time.Now,
	}
	if p.log == nil {
		p.log = log.Nop()
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Middleware returns the pipeline as an http middleware. The wrapped handler
// only runs when every guard passes; it sees the validated session record in
// the request context.
func (p *Pipeline) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.serve(w, r, next)
		})
	}
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()

	// 8. fail closed. Installed before anything else runs, so a panic
	// anywhere in the guard sequence, classification and header
	// composition included, becomes a hardened 500 and the request never
	// reaches the upstream.
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
		if w.Header().Get("X-Content-Type-Options") == "" {
			secheaders.Apply(w.Header(), p.headers.Compose(secheaders.ClassBase))
		}
		p.log.Error(ctx, errFromPanic(rec), "security pipeline panic",
			"url.path", r.URL.Path,
			"http.request.method", r.Method,
			"stack", string(debug.Stack()),
		)
		if p.hooks.Panic != nil {
			p.hooks.Panic()
		}
		writeJSON(w, http.StatusInternalServerError, "Internal server error", "request could not be processed")
	}()

	// 1. bypass: health checks, webhooks, static assets. Base headers
	// still apply; no guard runs and no state is touched.
	if p.classes.Bypassed(r.URL.Path) {
		secheaders.Apply(w.Header(), p.headers.Compose(secheaders.ClassBase))
		next.ServeHTTP(w, r)
		return
	}

	class := p.classes.Classify(r.URL.Path)

	// 3. header composition happens before any guard can terminate the
	// request, so every branch below inherits the full set.
	secheaders.Apply(w.Header(), p.headers.Compose(class.HeaderProfile))

	// Identity headers are gateway-owned. Drop whatever the client sent
	// before the session record (AEAD-authenticated, so trustworthy even
	// before lifecycle validation) repopulates them.
	r.Header.Del("X-User-Id")
	r.Header.Del("X-User-Role")

	rec, err := p.sessions.Read(r)
	if err != nil {
		// undecryptable cookie: forged, corrupted, or sealed under a
		// rotated secret. Clear it and continue as anonymous.
		p.securityEvent(ctx, r, "session_cookie_rejected", "reason", "bad_cookie")
		if p.hooks.SessionRejected != nil {
			p.hooks.SessionRejected("bad_cookie")
		}
		p.sessions.Destroy(w, nil)
		rec = nil
	}
	if rec != nil {
		r.Header.Set("X-User-Id", rec.UserID)
		r.Header.Set("X-User-Role", rec.Role)
	}

	// 2. threat scan. Escalated categories terminate immediately; the rest
	// are recorded and allowed through.
	if report := threat.ScanRequest(r); !report.Empty() {
		p.securityEvent(ctx, r, "threat_detected", "threat.categories", report.Strings())
		for _, c := range report.Categories {
			if p.hooks.ThreatDetected != nil {
				p.hooks.ThreatDetected(string(c))
			}
		}
		for _, c := range report.Categories {
			if _, hard := p.escalate[c]; hard {
				if p.hooks.GuardDenied != nil {
					p.hooks.GuardDenied("threat", string(c))
				}
				writeJSON(w, http.StatusForbidden, "Forbidden", "request blocked")
				return
			}
		}
	}

	// 4. rate limiting for classified paths.
	if class.Limiter != "" {
		if !p.consumeRateLimit(w, r, class.Limiter) {
			return
		}
	}

	// 5. CSRF for state-changing methods on protected paths.
	if class.CSRF && !safeMethod(r.Method) {
		if _, exempt := p.csrfBypass[r.URL.Path]; !exempt {
			if !p.verifyCSRF(w, r, rec) {
				return
			}
		}
	}

	// 6. session validation. Public routes pass through anonymous; protected
	// routes redirect browsers to login and 401 API callers.
	if verr := p.sessions.Validate(rec); verr != nil {
		if rec != nil {
			reason := sessionReason(verr)
			p.securityEvent(ctx, r, "session_rejected", "reason", reason, "user.id", rec.UserID)
			if p.hooks.SessionRejected != nil {
				p.hooks.SessionRejected(reason)
			}
			p.sessions.Destroy(w, rec)
		}
		r.Header.Del("X-User-Id")
		r.Header.Del("X-User-Role")

		if !class.Public {
			if p.hooks.GuardDenied != nil {
				p.hooks.GuardDenied("session", sessionReason(verr))
			}
			if apiPath(r.URL.Path) {
				writeJSON(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			http.Redirect(w, r, "/login?returnTo="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
	} else {
		if err := p.sessions.Refresh(w, rec); err != nil {
			p.log.Warn(ctx, "session refresh failed", "error", err.Error())
		}
		ctx = session.WithRecord(ctx, rec)
		r = r.WithContext(ctx)
	}

	// 7. admin gate: role claim plus, when enabled, the source allowlist.
	if class.Admin {
		if p.adminIPsEnabled && !p.adminIPAllowed(httpmw.ClientIPFromContext(ctx)) {
			p.securityEvent(ctx, r, "admin_ip_rejected")
			if p.hooks.GuardDenied != nil {
				p.hooks.GuardDenied("admin", "ip_not_allowed")
			}
			writeJSON(w, http.StatusForbidden, "Forbidden - Admin access required", "source address not allowed")
			return
		}
		if rec == nil || !rec.HasRole("admin") {
			p.securityEvent(ctx, r, "admin_role_rejected", "user.id", userID(rec))
			if p.hooks.GuardDenied != nil {
				p.hooks.GuardDenied("admin", "missing_role")
			}
			writeJSON(w, http.StatusForbidden, "Forbidden - Admin access required", "admin role required")
			return
		}
	}

	next.ServeHTTP(w, r)
}

// consumeRateLimit runs the named limiter and writes the terminal response
// on denial. Returns true when the request may proceed.
func (p *Pipeline) consumeRateLimit(w http.ResponseWriter, r *http.Request, name string) bool {
	ctx := r.Context()
	key := p.limits.Key(name, r)

	d, err := p.limits.Consume(ctx, name, key)
	switch {
	case err == nil:
		if rule, ok := p.limits.Rule(name); ok {
			setRateHeaders(w.Header(), rule.Config.MaxPoints, d.Remaining, d.ResetAt)
		}
		return true

	case errors.Is(err, ratelimit.ErrBlocklisted):
		p.securityEvent(ctx, r, "blocklisted_key_rejected", "ratelimit.name", name)
		if p.hooks.GuardDenied != nil {
			p.hooks.GuardDenied("ratelimit", "blocklisted")
		}
		writeJSON(w, http.StatusForbidden, "Forbidden", "access denied")
		return false

	default:
		var limited *ratelimit.RateLimitedError
		if errors.As(err, &limited) {
			p.securityEvent(ctx, r, "rate_limited", "ratelimit.name", name)
			if p.hooks.RateLimited != nil {
				p.hooks.RateLimited(name)
			}
			setRateHeaders(w.Header(), limited.Limit, 0, limited.ResetAt)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(p.now(), limited.ResetAt)))
			writeJSON(w, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded, retry later")
			return false
		}
		// unknown limiter name or store failure: fail closed
		p.log.Error(ctx, err, "rate limiter failure", "ratelimit.name", name)
		writeJSON(w, http.StatusInternalServerError, "Internal server error", "request could not be processed")
		return false
	}
}

// verifyCSRF checks the token against the session identities and writes the
// terminal 403 on failure. Returns true when the request may proceed.
func (p *Pipeline) verifyCSRF(w http.ResponseWriter, r *http.Request, rec *session.Record) bool {
	ctx := r.Context()

	token := csrf.Extract(r)
	if token == "" {
		p.securityEvent(ctx, r, "csrf_missing")
		if p.hooks.CSRFFailure != nil {
			p.hooks.CSRFFailure("missing")
		}
		writeJSON(w, http.StatusForbidden, "CSRF token required", "state-changing requests must carry a CSRF token")
		return false
	}

	uid, sid := "", ""
	if rec != nil {
		uid, sid = rec.UserID, rec.SessionID
	}
	if err := p.csrf.Verify(token, uid, sid); err != nil {
		reason := csrfReason(err)
		p.securityEvent(ctx, r, "csrf_rejected", "reason", reason)
		if p.hooks.CSRFFailure != nil {
			p.hooks.CSRFFailure(reason)
		}
		writeJSON(w, http.StatusForbidden, "Invalid CSRF token", "token verification failed")
		return false
	}
	return true
}

func (p *Pipeline) adminIPAllowed(ip string) bool {
	if _, ok := p.adminExact[ip]; ok {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, pfx := range p.adminCIDR {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// securityEvent emits one structured log line per event with the request
// identity attached. These lines are the audit trail; field names are
// stable.
func (p *Pipeline) securityEvent(ctx context.Context, r *http.Request, event string, kv ...any) {
	fields := append([]any{
		"event", event,
		"client.address", httpmw.ClientIPFromContext(ctx),
		"url.path", r.URL.Path,
		"http.request.method", r.Method,
		// attacker-controlled; neutralized before it can carry markup into
		// log viewers
		"user_agent.original", threat.Sanitize(r.UserAgent(), threat.CategorySuspiciousUserAgent),
	}, kv...)
	p.log.Warn(ctx, "security event", fields...)
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

func apiPath(p string) bool { return strings.HasPrefix(p, "/api/") || p == "/api" }

func userID(rec *session.Record) string {
	if rec == nil {
		return ""
	}
	return rec.UserID
}

func setRateHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

// retryAfterSeconds rounds up and never returns less than 1; a zero
// Retry-After invites an immediate retry storm.
func retryAfterSeconds(now, resetAt time.Time) int {
	secs := int((resetAt.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func sessionReason(err error) string {
	switch {
	case errors.Is(err, session.ErrAbsoluteTimeout):
		return "absolute_timeout"
	case errors.Is(err, session.ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, session.ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, session.ErrPasswordChangeRequired):
		return "password_change_required"
	default:
		return "no_session"
	}
}

func csrfReason(err error) string {
	switch {
	case errors.Is(err, csrf.ErrExpired):
		return "expired"
	case errors.Is(err, csrf.ErrUserMismatch):
		return "user_mismatch"
	case errors.Is(err, csrf.ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, csrf.ErrBadSignature):
		return "bad_signature"
	default:
		return "malformed"
	}
}

func errFromPanic(rec any) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", rec)
}

func writeJSON(w http.ResponseWriter, status int, errName, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   errName,
		"message": message,
	})
}
