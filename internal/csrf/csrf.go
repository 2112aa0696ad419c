// Package csrf implements stateless, self-contained CSRF tokens.
//
// A token is a base64url-encoded JSON envelope carrying a random nonce, an
// issued-at timestamp, optional user/session bindings, and an HMAC-SHA256
// signature over the canonical serialization of the other fields. Validity
// is recomputed from the shared secret on every Verify - nothing is stored
// server side, so tokens survive process restarts and horizontal scaling.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tavolohq/edgegate/internal/xerrors"
)

// Verification failures, in the order they are checked.
var (
	ErrMalformed       = errors.New("csrf: malformed token")
	ErrExpired         = errors.New("csrf: token expired")
	ErrUserMismatch    = errors.New("csrf: token user mismatch")
	ErrSessionMismatch = errors.New("csrf: token session mismatch")
	ErrBadSignature    = errors.New("csrf: invalid token signature")
)

const (
	// HeaderName is the primary, trusted channel for token transport.
	HeaderName = "X-CSRF-Token"
	// QueryParam is the fallback channel. Query strings end up in access
	// logs and Referer headers, so the header is always preferred.
	QueryParam = "csrf_token"
	// CookieName is the fixed name of the token cookie written by
	// SetCookie alongside the handshake response.
	CookieName = "csrf_token"

	DefaultMaxAge = 24 * time.Hour
)

// payload is the signed portion of the token. Field order is the canonical
// serialization order - changing it invalidates every outstanding token.
type payload struct {
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"iat"` // unix ms
	UserID    string `json:"uid,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

type envelope struct {
	payload
	Sig string `json:"sig"`
}

// Service issues and verifies tokens with a shared secret.
type Service struct {
	secret []byte
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

type Option func(*Service)

// WithMaxAge overrides the default 24h token lifetime.
func WithMaxAge(d time.Duration) Option {
	return func(s *Service) { s.maxAge = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSecureCookie marks the token cookie Secure. Set in production where
// the gateway terminates TLS.
func WithSecureCookie(secure bool) Option {
	return func(s *Service) { s.secure = secure }
}

func New(secret []byte, opts ...Option) *Service {
	s := &Service{
		secret: secret,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Issue creates a token bound to the given identities. Either or both may be
// empty for anonymous contexts.
func (s *Service) Issue(userID, sessionID string) (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", xerrors.Wrap(err, "csrf nonce")
	}

	p := payload{
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce[:]),
		IssuedAt:  s.now().UnixMilli(),
		UserID:    userID,
		SessionID: sessionID,
	}
	sig, err := s.sign(p)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(envelope{payload: p, Sig: sig})
	if err != nil {
		return "", xerrors.Wrap(err, "csrf encode")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verify checks the token's structure, age, identity bindings, and signature.
// Empty expected identities match tokens issued without identities, so the
// issuer and verifier stay symmetric for anonymous flows. The signature is
// compared in constant time.
func (s *Service) Verify(token, expectedUserID, expectedSessionID string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrMalformed
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ErrMalformed
	}
	if env.Nonce == "" || env.IssuedAt <= 0 || env.Sig == "" {
		return ErrMalformed
	}

	issued := time.UnixMilli(env.IssuedAt)
	if s.now().Sub(issued) > s.maxAge {
		return ErrExpired
	}

	if expectedUserID != "" && env.UserID != expectedUserID {
		return ErrUserMismatch
	}
	if expectedSessionID != "" && env.SessionID != expectedSessionID {
		return ErrSessionMismatch
	}

	want, err := s.sign(env.payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(env.Sig)) {
		return ErrBadSignature
	}
	return nil
}

// sign MACs the canonical JSON of the payload. json.Marshal emits struct
// fields in declaration order, which makes the serialization deterministic.
func (s *Service) sign(p payload) (string, error) {
	canonical, err := json.Marshal(p)
	if err != nil {
		return "", xerrors.Wrap(err, "csrf canonicalize")
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SetCookie mirrors an issued token into the fixed-name cookie, with the
// same attributes as the session cookie: httpOnly, sameSite=strict, Secure
// per posture.
func (s *Service) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Extract pulls a token from the request: header first, query fallback.
// Returns "" when neither is present.
func Extract(r *http.Request) string {
	if tok := r.Header.Get(HeaderName); tok != "" {
		return tok
	}
	return r.URL.Query().Get(QueryParam)
}
