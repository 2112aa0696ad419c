package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tavolohq/edgegate/internal/httpmw"
)

func newTestFloodGuard(t *testing.T, opts ...FloodOption) *FloodGuard {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	defaults := []FloodOption{
		WithFloodRate(1, 3),
		WithFloodTTL(100 * time.Millisecond),
	}
	return NewFloodGuard(ctx, append(defaults, opts...)...)
}

func TestFloodGuard_BurstThenReject(t *testing.T) {
	g := newTestFloodGuard(t)

	for i := 0; i < 3; i++ {
		if !g.Allow("10.0.0.1") {
			t.Fatalf("request %d should be within burst", i+1)
		}
	}
	if g.Allow("10.0.0.1") {
		t.Fatal("request 4 should be denied")
	}
	if !g.Allow("10.0.0.2") {
		t.Fatal("separate IP should have its own bucket")
	}
}

func TestFloodGuard_FirstDeniedFiresOnce(t *testing.T) {
	var first, every atomic.Int32
	g := newTestFloodGuard(t,
		WithFloodOnFirstDenied(func(string) { first.Add(1) }),
		WithFloodOnDenied(func(string) { every.Add(1) }),
	)

	for i := 0; i < 8; i++ {
		g.Allow("10.0.0.1")
	}

	if got := first.Load(); got != 1 {
		t.Fatalf("OnFirstDenied fired %d times, want 1", got)
	}
	if got := every.Load(); got != 5 {
		t.Fatalf("OnDenied fired %d times, want 5", got)
	}
}

func TestFloodGuard_Middleware(t *testing.T) {
	g := newTestFloodGuard(t, WithFloodRate(1, 1))

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/", nil)
		r = r.WithContext(httpmw.WithClientIP(r.Context(), "10.0.0.1"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 missing Retry-After")
	}
}
