package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tavolohq/edgegate/internal/csrf"
	"github.com/tavolohq/edgegate/internal/health"
	"github.com/tavolohq/edgegate/internal/httpmw"
	"github.com/tavolohq/edgegate/internal/session"
	"github.com/tavolohq/edgegate/internal/xerrors"
)

// DefaultMaxBodyBytes caps proxied request bodies at 1 MB. The Tavolo API
// never takes larger payloads; uploads go through presigned URLs.
const DefaultMaxBodyBytes = 1 << 20

// NewHandler builds the public HTTP handler: local gateway routes plus the
// guard chain in front of the upstream proxy.
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	// chi router for the gateway's own routes
	r := chi.NewRouter()

	// Compress text responses. Upstream responses that arrive already
	// encoded keep their Content-Encoding and are passed through untouched.
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"application/javascript",
		"text/javascript",
		"application/json",
		"image/svg+xml",
	))

	// Annotate logger and tracer with http.route from chi route pattern if trace is recording
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}
	r.Use(httpmw.MaxBody(maxBody))

	// Register health routes at /-/healthy and /-/ready if probes provided
	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	if opts.CSRF != nil {
		r.Get("/api/security/csrf-token", csrfTokenHandler(opts.CSRF))
	}

	// Everything else belongs to the upstream
	if opts.Upstream != nil {
		r.NotFound(opts.Upstream.ServeHTTP)
		r.MethodNotAllowed(opts.Upstream.ServeHTTP)
	}

	// Middleware (outermost first in wrapping order)
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, etc)
	h = httpmw.WithLogger(opts.Logger)(h)

	// Metrics middleware for prometheus instrumentation
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	// add trace-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// Guard chain: every request that reaches the router or the proxy has
	// already cleared it
	if opts.Pipeline != nil {
		h = opts.Pipeline.Middleware()(h)
	}

	// Decide which requests get traced
	shouldTrace := func(p string) bool {
		// dont trace favicon/robots.txt
		if p == "/favicon.ico" || p == "/favicon.svg" || p == "/robots.txt" {
			return false
		}
		// dont trace health checks (may re-visit in the future to sample at a really low rate)
		if p == "/-/healthy" || p == "/-/ready" || p == "/api/health" {
			return false
		}

		// dont trace static asset extensions
		ext := strings.ToLower(path.Ext(p))
		switch ext {
		case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
			return false
		}

		return true
	}

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute will rename the span later to the final route pattern
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// Flood guard ahead of tracing and the pipeline so raw floods cost as
	// little as possible per request
	if opts.Flood != nil {
		h = opts.Flood.Middleware(h)
	}

	// Client IP resolution (must be before the flood guard and everything
	// that keys on IP)
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to log panics and serve 500 response
	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}

	return h
}

// csrfTokenHandler issues a token bound to the validated session the
// pipeline attached to the request context.
func csrfTokenHandler(svc *csrf.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := session.RecordFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if rec == nil {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "Unauthorized",
				"message": "authentication required",
			})
			return
		}

		token, err := svc.Issue(rec.UserID, rec.SessionID)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "Internal server error",
				"message": "could not issue token",
			})
			return
		}
		svc.SetCookie(w, token)
		json.NewEncoder(w).Encode(map[string]string{
			"csrfToken":  token,
			"headerName": csrf.HeaderName,
		})
	}
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)

	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
