package httpmw

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tavolohq/edgegate/internal/log"
)

func testJSONLogger(t *testing.T) (log.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := log.New(log.Options{App: "test", Level: slog.LevelDebug, JsonFormat: true, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	return l, &buf
}

func TestWithLogger_InjectsRequestFields(t *testing.T) {
	base, buf := testJSONLogger(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inside handler")
	})

	r := httptest.NewRequest("GET", "/api/reservations", nil)
	r = r.WithContext(WithClientIP(WithRequestID(r.Context(), "req-123"), "10.0.0.9"))
	WithLogger(base)(handler).ServeHTTP(httptest.NewRecorder(), r)

	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &m); err != nil {
		t.Fatalf("bad log output: %v", err)
	}
	if m["request_id"] != "req-123" || m["client.address"] != "10.0.0.9" || m["url.path"] != "/api/reservations" {
		t.Fatalf("log line missing request fields: %v", m)
	}
}

func TestAccessLog_EmitsOneLine(t *testing.T) {
	base, buf := testJSONLogger(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	r := httptest.NewRequest("GET", "/menu", nil)
	r = r.WithContext(log.WithContext(r.Context(), base))
	AccessLog()(handler).ServeHTTP(httptest.NewRecorder(), r)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("access log emitted %d lines", len(lines))
	}
	var m map[string]any
	json.Unmarshal([]byte(lines[0]), &m)
	if m["http.response.status_code"] != float64(http.StatusTeapot) {
		t.Fatalf("status = %v", m["http.response.status_code"])
	}
	if m["http.response.body.size"] != float64(len("short and stout")) {
		t.Fatalf("body size = %v", m["http.response.body.size"])
	}
}

func TestAccessLog_SkipsHealthProbes(t *testing.T) {
	base, buf := testJSONLogger(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest("GET", "/-/healthy", nil)
	r = r.WithContext(log.WithContext(r.Context(), base))
	AccessLog()(handler).ServeHTTP(httptest.NewRecorder(), r)

	if buf.Len() != 0 {
		t.Fatalf("health probe logged: %s", buf.String())
	}
}

func TestSchemeFromRequest(t *testing.T) {
	ctx := context.Background()
	_ = ctx

	r := httptest.NewRequest("GET", "/", nil)
	if got := schemeFromRequest(r); got != "http" {
		t.Fatalf("plain request scheme = %q", got)
	}

	r.Header.Set("X-Forwarded-Proto", "https, http")
	if got := schemeFromRequest(r); got != "https" {
		t.Fatalf("forwarded scheme = %q", got)
	}
}
