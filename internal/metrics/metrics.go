package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tavolohq/edgegate/internal/version"
)

type ServerMetrics struct {
	reg      *prometheus.Registry
	handler  http.Handler
	inflight prometheus.Gauge

	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec

	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec
	errorsTotal    *prometheus.CounterVec

	threatsTotal         *prometheus.CounterVec
	guardDeniedTotal     *prometheus.CounterVec
	ratelimitDeniedTotal *prometheus.CounterVec
	floodDeniedTotal     prometheus.Counter
	csrfFailuresTotal    *prometheus.CounterVec
	sessionRejectedTotal *prometheus.CounterVec
	sessionsCreated      prometheus.Counter
	sessionsDestroyed    prometheus.Counter

	profilingActive prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		threatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_threats_detected_total",
			Help: "Total threat signature matches by category",
		}, []string{"category"}),
		guardDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_guard_denied_total",
			Help: "Total requests denied by a pipeline guard, by guard and reason",
		}, []string{"guard", "reason"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_rate_limited_total",
			Help: "Total requests rejected by a named rate limiter",
		}, []string{"limiter"}),
		floodDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_flood_denied_total",
			Help: "Total requests dropped by the coarse per-IP flood guard",
		}),
		csrfFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_csrf_failures_total",
			Help: "Total CSRF verification failures by reason",
		}, []string{"reason"}),
		sessionRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_session_rejected_total",
			Help: "Total session validation rejections by reason",
		}, []string{"reason"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_sessions_created_total",
			Help: "Total sessions created via the upstream login bridge",
		}),
		sessionsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_sessions_destroyed_total",
			Help: "Total sessions destroyed (logout, timeout, bad cookie)",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.threatsTotal,
		m.guardDeniedTotal,
		m.ratelimitDeniedTotal,
		m.floodDeniedTotal,
		m.csrfFailuresTotal,
		m.sessionRejectedTotal,
		m.sessionsCreated,
		m.sessionsDestroyed,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncThreat(category string) {
	m.threatsTotal.WithLabelValues(category).Inc()
}

func (m *ServerMetrics) IncGuardDenied(guard, reason string) {
	m.guardDeniedTotal.WithLabelValues(guard, reason).Inc()
}

func (m *ServerMetrics) IncRateLimited(limiter string) {
	m.ratelimitDeniedTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncFloodDenied() {
	m.floodDeniedTotal.Inc()
}

func (m *ServerMetrics) IncCSRFFailure(reason string) {
	m.csrfFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncSessionRejected(reason string) {
	m.sessionRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *ServerMetrics) IncSessionDestroyed() {
	m.sessionsDestroyed.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
