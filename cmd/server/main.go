package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tavolohq/edgegate/internal/cfg"
	"github.com/tavolohq/edgegate/internal/csrf"
	"github.com/tavolohq/edgegate/internal/health"
	"github.com/tavolohq/edgegate/internal/httpmw"
	"github.com/tavolohq/edgegate/internal/httpserver"
	"github.com/tavolohq/edgegate/internal/log"
	"github.com/tavolohq/edgegate/internal/metrics"
	"github.com/tavolohq/edgegate/internal/opshttp"
	"github.com/tavolohq/edgegate/internal/otelx"
	"github.com/tavolohq/edgegate/internal/pipeline"
	"github.com/tavolohq/edgegate/internal/prof"
	"github.com/tavolohq/edgegate/internal/proxy"
	"github.com/tavolohq/edgegate/internal/ratelimit"
	"github.com/tavolohq/edgegate/internal/routeclass"
	"github.com/tavolohq/edgegate/internal/secheaders"
	"github.com/tavolohq/edgegate/internal/secrets"
	"github.com/tavolohq/edgegate/internal/session"
	v "github.com/tavolohq/edgegate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables (SESSION_SECRET, HTTP_PORT, ...)
	cfg.FillFromEnv(flag.CommandLine, "", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:        v.AppName,
		Level:      lvl,
		JsonFormat: conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "gateway")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing gateway",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"env", conf.Env,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"ip_whitelist_enabled", conf.IPWhitelistEnabled,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	// Resolve secrets: plain values pass through, ssm: values are fetched at
	// startup. Development tolerates missing secrets with ephemeral ones;
	// production was already rejected by Validate.
	resolver := secrets.NewResolver()
	sessionSecret, err := resolver.Resolve(ctx, conf.SessionSecret)
	if err != nil {
		L.Error(ctx, err, "failed to resolve session secret")
		os.Exit(1)
	}
	csrfSecret, err := resolver.Resolve(ctx, conf.CSRFSecret)
	if err != nil {
		L.Error(ctx, err, "failed to resolve CSRF secret")
		os.Exit(1)
	}
	if sessionSecret == "" {
		sessionSecret = secrets.Generate()
		L.Warn(ctx, "SESSION_SECRET not set, generated an ephemeral secret; sessions will not survive a restart")
	}
	if csrfSecret == "" {
		csrfSecret = secrets.Generate()
		L.Warn(ctx, "CSRF_SECRET not set, generated an ephemeral secret; tokens will not survive a restart")
	}

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "gateway",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Service:     v.AppName,
		Component:   "gateway",
		Version:     vi.Version,
		Environment: conf.Env,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "gateway", &vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// Session manager: sealed cookie, lifecycle timeouts from config
	sessions := session.NewManager([]byte(sessionSecret),
		session.WithTimeouts(
			time.Duration(conf.SessionIdleTimeoutMS)*time.Millisecond,
			time.Duration(conf.SessionAbsoluteTimeoutMS)*time.Millisecond,
		),
		session.WithCookie(session.CookieOptions{
			MaxAge: time.Duration(conf.SessionMaxAgeMS) * time.Millisecond,
			Secure: conf.Production(),
		}),
		session.WithOnDestroyed(func(userID, sessionID string) {
			m.IncSessionDestroyed()
		}),
	)

	csrfSvc := csrf.New([]byte(csrfSecret),
		csrf.WithMaxAge(time.Duration(conf.CSRFMaxAgeMS)*time.Millisecond),
		csrf.WithSecureCookie(conf.Production()),
	)

	// Windowed rate limiters over a shared in-memory store
	store := ratelimit.NewMemoryStore(ctx, time.Hour)
	limits := ratelimit.New(store,
		ratelimit.WithRule(ratelimit.Rule{
			Name: "api",
			Config: ratelimit.Config{
				MaxPoints: conf.RateLimitMaxRequests,
				Window:    time.Duration(conf.RateLimitWindowMS) * time.Millisecond,
			},
		}),
		ratelimit.WithRule(ratelimit.Rule{
			Name: "admin",
			Config: ratelimit.Config{
				MaxPoints: conf.RateLimitMaxRequests,
				Window:    time.Duration(conf.RateLimitWindowMS) * time.Millisecond,
			},
		}),
		ratelimit.WithRule(ratelimit.Rule{
			Name: "login",
			Config: ratelimit.Config{
				MaxPoints: conf.LoginMaxAttempts,
				Window:    15 * time.Minute,
				BlockFor:  time.Duration(conf.LoginBlockDurationMS) * time.Millisecond,
			},
			KeyFunc: ratelimit.LoginKey,
		}),
		ratelimit.WithOnBlocklisted(func(name, key string) {
			L.Warn(ctx, "blocklisted key denied", "ratelimit.name", name, "ratelimit.key", key)
		}),
	)

	// Coarse flood protection in front of the policy limiters
	flood := ratelimit.NewFloodGuard(ctx,
		ratelimit.WithFloodOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood guard triggered", "client.address", ip)
		}),
		ratelimit.WithFloodOnDenied(func(ip string) {
			m.IncFloodDenied()
		}),
	)

	headers := secheaders.NewComposer(secheaders.Sources{
		Script:  cfg.SplitList(conf.CSPScriptSrc),
		Style:   cfg.SplitList(conf.CSPStyleSrc),
		Img:     cfg.SplitList(conf.CSPImgSrc),
		Connect: cfg.SplitList(conf.CSPConnectSrc),
	}, secheaders.WithProduction(conf.Production()))

	pipe := pipeline.New(pipeline.Config{
		Classes:  routeclass.Default(),
		CSRF:     csrfSvc,
		Limits:   limits,
		Sessions: sessions,
		Headers:  headers,
		Logger:   L,
	},
		pipeline.WithAdminAllowlist(conf.IPWhitelistEnabled, cfg.SplitList(conf.AdminIPs)),
		pipeline.WithHooks(pipeline.Hooks{
			ThreatDetected:  m.IncThreat,
			GuardDenied:     m.IncGuardDenied,
			RateLimited:     m.IncRateLimited,
			CSRFFailure:     m.IncCSRFFailure,
			SessionRejected: m.IncSessionRejected,
			Panic:           m.IncHttpPanic,
		}),
	)

	// Reverse proxy with the session bridge
	upstream, err := proxy.New(conf.UpstreamURL, proxy.Options{
		Logger:           L,
		Sessions:         sessions,
		OnSessionCreated: m.IncSessionCreated,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy", "upstream_url", conf.UpstreamURL)
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness: shutdown gate plus upstream reachability
	upstreamProbe, err := health.Upstream(conf.UpstreamURL)
	if err != nil {
		L.Error(ctx, err, "failed to build upstream probe")
		os.Exit(1)
	}
	readiness := health.All(gate.Probe(), upstreamProbe)

	// start public gateway listener
	gatewayStop, err := httpserver.Start(ctx, &httpserver.Options{
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Logger:       L,
		Pipeline:     pipe,
		Flood:        flood,
		CSRF:         csrfSvc,
		Upstream:     upstream,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = gatewayStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and the rate-limit admin API
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic there
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Limits:       limits,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stopSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSig()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// allow in-flight requests to finish and the load balancer to notice the
	// failing readiness probe before closing listeners
	L.Info(context.Background(), "sleeping 30s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := gatewayStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "gateway http server shutdown")
	}

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
