package opshttp

import (
	"net/http"

	"github.com/tavolohq/edgegate/internal/health"
	"github.com/tavolohq/edgegate/internal/ratelimit"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// Limits enables the rate-limiter admin API when set.
	Limits       *ratelimit.Limiter
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to trigger alerts or increment prometheus counters, etc.
}
