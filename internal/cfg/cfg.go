package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/tavolohq/edgegate/internal/log"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type App struct {
	Env      string
	LogJSON  bool
	LogLevel string

	HTTPPort    int
	AdminPort   int
	UpstreamURL string
	TrustedHops int

	SessionSecret            string
	CSRFSecret               string
	SessionMaxAgeMS          int64
	SessionIdleTimeoutMS     int64
	SessionAbsoluteTimeoutMS int64
	CSRFMaxAgeMS             int64

	RateLimitWindowMS    int64
	RateLimitMaxRequests int
	LoginMaxAttempts     int
	LoginBlockDurationMS int64

	CSPScriptSrc  string
	CSPStyleSrc   string
	CSPImgSrc     string
	CSPConnectSrc string

	AdminIPs           string
	IPWhitelistEnabled bool

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.Env, "env", EnvDevelopment, "deployment posture (development|production)")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:3000", "URL of the protected application")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted proxy hops for X-Forwarded-For resolution (0..10)")

	fs.StringVar(&c.SessionSecret, "session-secret", "", "session cookie sealing secret (or ssm:<parameter-name>)")
	fs.StringVar(&c.CSRFSecret, "csrf-secret", "", "CSRF token signing secret (or ssm:<parameter-name>)")
	fs.Int64Var(&c.SessionMaxAgeMS, "session-max-age-ms", 86_400_000, "session cookie max age in ms")
	fs.Int64Var(&c.SessionIdleTimeoutMS, "session-idle-timeout-ms", 1_800_000, "idle timeout in ms (30m default)")
	fs.Int64Var(&c.SessionAbsoluteTimeoutMS, "session-absolute-timeout-ms", 86_400_000, "absolute session lifetime in ms (24h default)")
	fs.Int64Var(&c.CSRFMaxAgeMS, "csrf-max-age-ms", 86_400_000, "CSRF token lifetime in ms (24h default)")

	fs.Int64Var(&c.RateLimitWindowMS, "rate-limit-window-ms", 60_000, "api rate limit window in ms")
	fs.IntVar(&c.RateLimitMaxRequests, "rate-limit-max-requests", 100, "max api requests per window")
	fs.IntVar(&c.LoginMaxAttempts, "login-max-attempts", 5, "max login attempts per 15m window per IP+email")
	fs.Int64Var(&c.LoginBlockDurationMS, "login-block-duration-ms", 1_800_000, "block duration after exhausted login attempts, in ms")

	fs.StringVar(&c.CSPScriptSrc, "csp-script-src", "", "extra script-src CSP sources (comma-separated)")
	fs.StringVar(&c.CSPStyleSrc, "csp-style-src", "", "extra style-src CSP sources (comma-separated)")
	fs.StringVar(&c.CSPImgSrc, "csp-img-src", "", "extra img-src CSP sources (comma-separated)")
	fs.StringVar(&c.CSPConnectSrc, "csp-connect-src", "", "extra connect-src CSP sources (comma-separated)")

	fs.StringVar(&c.AdminIPs, "admin-ips", "", "admin route allowlist: IPs and CIDR ranges (comma-separated)")
	fs.BoolVar(&c.IPWhitelistEnabled, "ip-whitelist-enabled", false, "enforce the admin IP allowlist")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// SplitList parses a comma-separated flag value into trimmed, non-empty
// entries (CSP source lists, the admin IP allowlist).
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Production reports whether the config runs in the production posture.
func (c App) Production() bool { return c.Env == EnvProduction }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		errs = append(errs, fmt.Errorf("invalid ENV %q (must be development or production)", c.Env))
	}

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log level
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}

	// Upstream
	if c.UpstreamURL == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL is required"))
	} else if u, err := url.Parse(c.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be a URL (got %q)", c.UpstreamURL))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}

	// Session/CSRF lifetimes
	if c.SessionIdleTimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TIMEOUT_MS must be positive (got %d)", c.SessionIdleTimeoutMS))
	}
	if c.SessionAbsoluteTimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("SESSION_ABSOLUTE_TIMEOUT_MS must be positive (got %d)", c.SessionAbsoluteTimeoutMS))
	}
	if c.SessionIdleTimeoutMS > c.SessionAbsoluteTimeoutMS {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TIMEOUT_MS (%d) exceeds SESSION_ABSOLUTE_TIMEOUT_MS (%d)", c.SessionIdleTimeoutMS, c.SessionAbsoluteTimeoutMS))
	}
	if c.CSRFMaxAgeMS < 1 {
		errs = append(errs, fmt.Errorf("CSRF_MAX_AGE_MS must be positive (got %d)", c.CSRFMaxAgeMS))
	}

	// Rate limits
	if c.RateLimitWindowMS < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW_MS must be positive (got %d)", c.RateLimitWindowMS))
	}
	if c.RateLimitMaxRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive (got %d)", c.RateLimitMaxRequests))
	}
	if c.LoginMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("LOGIN_MAX_ATTEMPTS must be positive (got %d)", c.LoginMaxAttempts))
	}
	if c.LoginBlockDurationMS < 1 {
		errs = append(errs, fmt.Errorf("LOGIN_BLOCK_DURATION_MS must be positive (got %d)", c.LoginBlockDurationMS))
	}

	// Admin allowlist must be non-empty when enforced
	if c.IPWhitelistEnabled && len(SplitList(c.AdminIPs)) == 0 {
		errs = append(errs, fmt.Errorf("ADMIN_IPS required when IP_WHITELIST_ENABLED=true"))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Fail-closed: production never runs on generated secrets. Development
	// generates ephemeral ones at startup and warns.
	if c.Production() {
		if c.SessionSecret == "" {
			errs = append(errs, fmt.Errorf("SESSION_SECRET is required in production"))
		}
		if c.CSRFSecret == "" {
			errs = append(errs, fmt.Errorf("CSRF_SECRET is required in production"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
