package csrf

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testSecret = []byte("test-csrf-secret-0123456789abcdef")

func TestIssueVerify_RoundTrip(t *testing.T) {
	s := New(testSecret)

	cases := []struct {
		name           string
		userID, sessID string
	}{
		{"bound", "user-42", "sess-abc"},
		{"user only", "user-42", ""},
		{"session only", "", "sess-abc"},
		{"anonymous", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok, err := s.Issue(tc.userID, tc.sessID)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if err := s.Verify(tok, tc.userID, tc.sessID); err != nil {
				t.Fatalf("Verify: %v", err)
			}
		})
	}
}

func TestVerify_AnonymousVerifierAcceptsBoundToken(t *testing.T) {
	s := New(testSecret)
	tok, _ := s.Issue("user-42", "sess-abc")

	// empty expected identities mean "don't check", not "must be anonymous"
	if err := s.Verify(tok, "", ""); err != nil {
		t.Fatalf("Verify with empty identities: %v", err)
	}
}

func TestVerify_IdentityMismatch(t *testing.T) {
	s := New(testSecret)
	tok, _ := s.Issue("user-42", "sess-abc")

	if err := s.Verify(tok, "user-99", "sess-abc"); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("user mismatch: got %v", err)
	}
	if err := s.Verify(tok, "user-42", "sess-zzz"); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("session mismatch: got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	s := New(testSecret)

	cases := []string{
		"",
		"not base64!!",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"nonce":"","iat":0,"sig":""}`)),
	}
	for _, tok := range cases {
		if err := s.Verify(tok, "", ""); !errors.Is(err, ErrMalformed) {
			t.Errorf("Verify(%q) = %v, want ErrMalformed", tok, err)
		}
	}
}

func TestVerify_SignatureBitFlips(t *testing.T) {
	s := New(testSecret)
	tok, _ := s.Issue("user-42", "sess-abc")

	raw, _ := base64.RawURLEncoding.DecodeString(tok)
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	sig, _ := base64.RawURLEncoding.DecodeString(env.Sig)

	// flipping any single byte of the signature must fail verification
	for i := range sig {
		mutated := append([]byte(nil), sig...)
		mutated[i] ^= 0x01
		env2 := env
		env2.Sig = base64.RawURLEncoding.EncodeToString(mutated)
		reRaw, _ := json.Marshal(env2)
		reTok := base64.RawURLEncoding.EncodeToString(reRaw)

		if err := s.Verify(reTok, "user-42", "sess-abc"); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("byte %d flip: got %v, want ErrBadSignature", i, err)
		}
	}
}

func TestVerify_FieldTampering(t *testing.T) {
	s := New(testSecret)
	tok, _ := s.Issue("user-42", "")

	raw, _ := base64.RawURLEncoding.DecodeString(tok)
	var env envelope
	json.Unmarshal(raw, &env)
	env.UserID = "admin"
	reRaw, _ := json.Marshal(env)
	reTok := base64.RawURLEncoding.EncodeToString(reRaw)

	if err := s.Verify(reTok, "admin", ""); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered uid: got %v, want ErrBadSignature", err)
	}
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	const maxAge = time.Hour
	issued := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	current := issued

	s := New(testSecret, WithMaxAge(maxAge), WithClock(func() time.Time { return current }))
	tok, err := s.Issue("u", "s")
	if err != nil {
		t.Fatal(err)
	}

	current = issued.Add(maxAge - time.Millisecond)
	if err := s.Verify(tok, "u", "s"); err != nil {
		t.Fatalf("1ms before expiry: %v", err)
	}

	current = issued.Add(maxAge + time.Millisecond)
	if err := s.Verify(tok, "u", "s"); !errors.Is(err, ErrExpired) {
		t.Fatalf("1ms after expiry: got %v, want ErrExpired", err)
	}
}

func TestVerify_DifferentSecretsReject(t *testing.T) {
	a := New([]byte("secret-a"))
	b := New([]byte("secret-b"))

	tok, _ := a.Issue("u", "s")
	if err := b.Verify(tok, "u", "s"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("cross-secret verify: got %v", err)
	}
}

func TestExtract(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/reservations?csrf_token=from-query", nil)
	if got := Extract(r); got != "from-query" {
		t.Fatalf("query fallback: got %q", got)
	}

	r.Header.Set(HeaderName, "from-header")
	if got := Extract(r); got != "from-header" {
		t.Fatalf("header should win: got %q", got)
	}

	empty := httptest.NewRequest("POST", "/api/reservations", nil)
	if got := Extract(empty); got != "" {
		t.Fatalf("no token: got %q", got)
	}
}

func TestIssue_TokensAreUnique(t *testing.T) {
	s := New(testSecret)
	a, _ := s.Issue("u", "s")
	b, _ := s.Issue("u", "s")
	if a == b {
		t.Fatal("two issued tokens are identical; nonce not random")
	}
}

func TestSetCookie(t *testing.T) {
	s := New(testSecret, WithMaxAge(time.Hour), WithSecureCookie(true))
	tok, err := s.Issue("u1", "s1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	w := httptest.NewRecorder()
	s.SetCookie(w, tok)

	var c *http.Cookie
	for _, cc := range w.Result().Cookies() {
		if cc.Name == CookieName {
			c = cc
		}
	}
	if c == nil {
		t.Fatalf("no %s cookie written", CookieName)
	}
	if c.Value != tok {
		t.Fatal("cookie value is not the issued token")
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Fatalf("cookie attributes: httpOnly=%v secure=%v sameSite=%v", c.HttpOnly, c.Secure, c.SameSite)
	}
	if c.Path != "/" || c.MaxAge != int(time.Hour.Seconds()) {
		t.Fatalf("cookie path=%q maxAge=%d", c.Path, c.MaxAge)
	}
}

func TestSetCookie_DevelopmentNotSecure(t *testing.T) {
	s := New(testSecret)
	w := httptest.NewRecorder()
	s.SetCookie(w, "tok")
	cs := w.Result().Cookies()
	if len(cs) != 1 || cs[0].Secure {
		t.Fatalf("cookies = %+v, want one non-Secure cookie", cs)
	}
}
