// Package session manages the signed, encrypted session record carried in a
// single cookie. The record is self-contained: validation recomputes
// everything from the cookie plus configured timeouts, so no server-side
// session store exists.
package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tavolohq/edgegate/internal/httpmw"
)

// Validation failures, checked in this order.
var (
	ErrNoSession              = errors.New("session: no active session")
	ErrAbsoluteTimeout        = errors.New("session: absolute timeout exceeded")
	ErrIdleTimeout            = errors.New("session: idle timeout exceeded")
	ErrAccountLocked          = errors.New("session: account locked")
	ErrPasswordChangeRequired = errors.New("session: password change required")
)

const (
	DefaultCookieName      = "tavolo_session"
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultAbsoluteTimeout = 24 * time.Hour
)

// Record is the session state carried in the cookie. Timestamps are unix
// milliseconds.
type Record struct {
	SessionID              string   `json:"sessionId"`
	UserID                 string   `json:"userId"`
	LoggedIn               bool     `json:"isLoggedIn"`
	LoginTime              int64    `json:"loginTime"`
	LastActivity           int64    `json:"lastActivity"`
	IPAddress              string   `json:"ipAddress,omitempty"`
	UserAgent              string   `json:"userAgent,omitempty"`
	TwoFactorVerified      bool     `json:"twoFactorVerified,omitempty"`
	AccountLocked          bool     `json:"accountLocked,omitempty"`
	PasswordChangeRequired bool     `json:"passwordChangeRequired,omitempty"`
	Role                   string   `json:"role,omitempty"`
	Permissions            []string `json:"permissions,omitempty"`
}

// HasPermission is a pure lookup against the record's permission list.
// "*" grants everything.
func (r *Record) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// HasRole is a pure comparison against the record's role claim.
func (r *Record) HasRole(role string) bool { return r.Role == role }

// Profile is the caller-supplied identity merged into a new session. The
// JSON tags are the wire format of the upstream login bridge header.
type Profile struct {
	UserID                 string   `json:"userId"`
	Role                   string   `json:"role"`
	Permissions            []string `json:"permissions,omitempty"`
	TwoFactorVerified      bool     `json:"twoFactorVerified,omitempty"`
	AccountLocked          bool     `json:"accountLocked,omitempty"`
	PasswordChangeRequired bool     `json:"passwordChangeRequired,omitempty"`
}

// CookieOptions control the session cookie's attributes. HttpOnly and
// SameSite=Strict are not configurable; there is no legitimate reason to
// weaken them.
type CookieOptions struct {
	Name   string
	Domain string
	Path   string
	MaxAge time.Duration
	// Secure should be true in any production posture.
	Secure bool
}

// Manager validates, refreshes, and destroys session records.
type Manager struct {
	codec    *codec
	idle     time.Duration
	absolute time.Duration
	cookie   CookieOptions
	now      func() time.Time

	// OnDestroyed fires when a session is explicitly destroyed.
	OnDestroyed func(userID, sessionID string)
}

type Option func(*Manager)

func WithTimeouts(idle, absolute time.Duration) Option {
	return func(m *Manager) {
		if idle > 0 {
			m.idle = idle
		}
		if absolute > 0 {
			m.absolute = absolute
		}
	}
}

func WithCookie(opts CookieOptions) Option {
	return func(m *Manager) {
		if opts.Name != "" {
			m.cookie.Name = opts.Name
		}
		if opts.Path != "" {
			m.cookie.Path = opts.Path
		}
		m.cookie.Domain = opts.Domain
		if opts.MaxAge > 0 {
			m.cookie.MaxAge = opts.MaxAge
		}
		m.cookie.Secure = opts.Secure
	}
}

func WithOnDestroyed(fn func(userID, sessionID string)) Option {
	return func(m *Manager) { m.OnDestroyed = fn }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(secret []byte, opts ...Option) *Manager {
	m := &Manager{
		codec:    newCodec(secret),
		idle:     DefaultIdleTimeout,
		absolute: DefaultAbsoluteTimeout,
		cookie: CookieOptions{
			Name:   DefaultCookieName,
			Path:   "/",
			MaxAge: DefaultAbsoluteTimeout,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create starts a new session for the profile and writes the sealed cookie
// to the response. The client IP and user agent are captured from the
// request for audit context.
func (m *Manager) Create(w http.ResponseWriter, r *http.Request, p Profile) (*Record, error) {
	now := m.now().UnixMilli()
	rec := &Record{
		SessionID:              uuid.NewString(),
		UserID:                 p.UserID,
		LoggedIn:               true,
		LoginTime:              now,
		LastActivity:           now,
		IPAddress:              httpmw.ClientIPFromContext(r.Context()),
		UserAgent:              r.Header.Get("User-Agent"),
		TwoFactorVerified:      p.TwoFactorVerified,
		AccountLocked:          p.AccountLocked,
		PasswordChangeRequired: p.PasswordChangeRequired,
		Role:                   p.Role,
		Permissions:            p.Permissions,
	}
	if err := m.write(w, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Read extracts and opens the session cookie. A missing cookie returns
// (nil, nil); an unreadable one returns (nil, ErrBadCookie) so the caller
// can log it as a security event before treating it as no session.
func (m *Manager) Read(r *http.Request) (*Record, error) {
	c, err := r.Cookie(m.cookie.Name)
	if err != nil {
		return nil, nil
	}
	return m.codec.open(c.Value)
}

// Validate checks the record's lifecycle invariants. The record itself is
// not mutated.
func (m *Manager) Validate(rec *Record) error {
	if rec == nil || !rec.LoggedIn || rec.SessionID == "" {
		return ErrNoSession
	}
	now := m.now()
	if now.Sub(time.UnixMilli(rec.LoginTime)) > m.absolute {
		return ErrAbsoluteTimeout
	}
	if now.Sub(time.UnixMilli(rec.LastActivity)) > m.idle {
		return ErrIdleTimeout
	}
	if rec.AccountLocked {
		return ErrAccountLocked
	}
	if rec.PasswordChangeRequired {
		return ErrPasswordChangeRequired
	}
	return nil
}

// Refresh stamps lastActivity and re-writes the cookie. Called on every
// validated request so the idle timeout stays meaningful. Concurrent
// refreshes for the same session are last-writer-wins, which only affects
// idle-timeout bookkeeping.
func (m *Manager) Refresh(w http.ResponseWriter, rec *Record) error {
	rec.LastActivity = m.now().UnixMilli()
	return m.write(w, rec)
}

// Destroy clears the record and expires the cookie immediately.
func (m *Manager) Destroy(w http.ResponseWriter, rec *Record) {
	userID, sessionID := "", ""
	if rec != nil {
		userID, sessionID = rec.UserID, rec.SessionID
		*rec = Record{}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    "",
		Domain:   m.cookie.Domain,
		Path:     m.cookie.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	if m.OnDestroyed != nil {
		m.OnDestroyed(userID, sessionID)
	}
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string { return m.cookie.Name }

func (m *Manager) write(w http.ResponseWriter, rec *Record) error {
	sealed, err := m.codec.seal(rec)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    sealed,
		Domain:   m.cookie.Domain,
		Path:     m.cookie.Path,
		MaxAge:   int(m.cookie.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}
