package httpserver

import (
	"net/http"

	"github.com/tavolohq/edgegate/internal/csrf"
	"github.com/tavolohq/edgegate/internal/health"
	"github.com/tavolohq/edgegate/internal/httpmw"
	"github.com/tavolohq/edgegate/internal/log"
	"github.com/tavolohq/edgegate/internal/pipeline"
	"github.com/tavolohq/edgegate/internal/ratelimit"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// Pipeline is the guard chain every proxied request passes through.
	Pipeline *pipeline.Pipeline
	// Flood is the coarse per-IP bucket in front of the pipeline.
	Flood *ratelimit.FloodGuard
	// CSRF issues tokens for the /api/security/csrf-token endpoint.
	CSRF *csrf.Service
	// Upstream handles everything the gateway doesn't serve itself.
	Upstream http.Handler

	ClientIPOpts httpmw.ClientIPOptions
	// MaxBodyBytes caps request bodies. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}
