package cfg

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if c.Env != EnvDevelopment {
		t.Errorf("Env: want %q, got %q", EnvDevelopment, c.Env)
	}
	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000, got %d", c.AdminPort)
	}
	if c.UpstreamURL != "http://127.0.0.1:3000" {
		t.Errorf("UpstreamURL: got %q", c.UpstreamURL)
	}
	if c.TrustedHops != 0 {
		t.Errorf("TrustedHops: want 0, got %d", c.TrustedHops)
	}
	if c.SessionIdleTimeoutMS != 1_800_000 {
		t.Errorf("SessionIdleTimeoutMS: want 1800000, got %d", c.SessionIdleTimeoutMS)
	}
	if c.SessionAbsoluteTimeoutMS != 86_400_000 {
		t.Errorf("SessionAbsoluteTimeoutMS: want 86400000, got %d", c.SessionAbsoluteTimeoutMS)
	}
	if c.CSRFMaxAgeMS != 86_400_000 {
		t.Errorf("CSRFMaxAgeMS: want 86400000, got %d", c.CSRFMaxAgeMS)
	}
	if c.RateLimitMaxRequests != 100 {
		t.Errorf("RateLimitMaxRequests: want 100, got %d", c.RateLimitMaxRequests)
	}
	if c.LoginMaxAttempts != 5 {
		t.Errorf("LoginMaxAttempts: want 5, got %d", c.LoginMaxAttempts)
	}
	if c.IPWhitelistEnabled {
		t.Error("IPWhitelistEnabled: want false")
	}
	if !c.EnablePprof {
		t.Error("EnablePprof: want true")
	}
	if c.EnableTracing {
		t.Error("EnableTracing: want false")
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-env=production",
		"-log-json=false",
		"-log-level=debug",
		"-http-port=9090",
		"-admin-port=9100",
		"-upstream-url=http://app:3000",
		"-trusted-hops=2",
		"-session-secret=s3cret",
		"-csrf-secret=t0ken",
		"-session-idle-timeout-ms=600000",
		"-rate-limit-max-requests=50",
		"-login-max-attempts=3",
		"-csp-script-src=https://cdn.tavolo.example",
		"-admin-ips=10.0.0.0/8",
		"-ip-whitelist-enabled=true",
		"-trace-sample=0.5",
	})

	if c.Env != EnvProduction {
		t.Errorf("Env: want production, got %q", c.Env)
	}
	if c.LogJSON {
		t.Error("LogJSON: want false")
	}
	if c.HTTPPort != 9090 || c.AdminPort != 9100 {
		t.Errorf("ports: got %d/%d", c.HTTPPort, c.AdminPort)
	}
	if c.UpstreamURL != "http://app:3000" {
		t.Errorf("UpstreamURL: got %q", c.UpstreamURL)
	}
	if c.TrustedHops != 2 {
		t.Errorf("TrustedHops: want 2, got %d", c.TrustedHops)
	}
	if c.SessionSecret != "s3cret" || c.CSRFSecret != "t0ken" {
		t.Error("secrets not bound")
	}
	if c.SessionIdleTimeoutMS != 600000 {
		t.Errorf("SessionIdleTimeoutMS: got %d", c.SessionIdleTimeoutMS)
	}
	if c.RateLimitMaxRequests != 50 {
		t.Errorf("RateLimitMaxRequests: got %d", c.RateLimitMaxRequests)
	}
	if c.LoginMaxAttempts != 3 {
		t.Errorf("LoginMaxAttempts: got %d", c.LoginMaxAttempts)
	}
	if c.CSPScriptSrc != "https://cdn.tavolo.example" {
		t.Errorf("CSPScriptSrc: got %q", c.CSPScriptSrc)
	}
	if !c.IPWhitelistEnabled || c.AdminIPs != "10.0.0.0/8" {
		t.Error("admin allowlist flags not bound")
	}
	if c.TraceSample != 0.5 {
		t.Errorf("TraceSample: got %f", c.TraceSample)
	}
}

func TestFillFromEnv(t *testing.T) {
	// empty prefix: flag session-secret maps straight to SESSION_SECRET
	t.Setenv("SESSION_SECRET", "from-env-session")
	t.Setenv("CSRF_SECRET", "from-env-csrf")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "42")
	t.Setenv("LOGIN_BLOCK_DURATION_MS", "900000")
	t.Setenv("IP_WHITELIST_ENABLED", "true")
	t.Setenv("ADMIN_IPS", "192.0.2.0/24")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, "", nil)

	if c.SessionSecret != "from-env-session" {
		t.Errorf("SessionSecret: got %q", c.SessionSecret)
	}
	if c.CSRFSecret != "from-env-csrf" {
		t.Errorf("CSRFSecret: got %q", c.CSRFSecret)
	}
	if c.RateLimitMaxRequests != 42 {
		t.Errorf("RateLimitMaxRequests: want 42, got %d", c.RateLimitMaxRequests)
	}
	if c.LoginBlockDurationMS != 900000 {
		t.Errorf("LoginBlockDurationMS: got %d", c.LoginBlockDurationMS)
	}
	if !c.IPWhitelistEnabled || c.AdminIPs != "192.0.2.0/24" {
		t.Error("allowlist env values not applied")
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"SESSION_SECRET", "env-secret")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-log-level=debug", "-session-secret=cli-secret"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var overrideMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		overrideMessages = append(overrideMessages, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090 (cli), got %d", c.HTTPPort)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q (cli), got %q", "debug", c.LogLevel)
	}
	if c.SessionSecret != "cli-secret" {
		t.Errorf("SessionSecret: want cli value, got %q", c.SessionSecret)
	}

	if len(overrideMessages) != 3 {
		t.Errorf("expected 3 override messages, got %d: %v", len(overrideMessages), overrideMessages)
	}
	for _, msg := range overrideMessages {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message format: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"HTTP_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var logMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		logMessages = append(logMessages, fmt.Sprintf(format, args...))
	})

	// Should keep default, not crash
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080 (default), got %d", c.HTTPPort)
	}
	if len(logMessages) != 1 {
		t.Fatalf("expected 1 log message, got %d: %v", len(logMessages), logMessages)
	}
	if !strings.Contains(logMessages[0], "ignoring invalid env") {
		t.Errorf("unexpected log message: %s", logMessages[0])
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{" a , b ,, c ", []string{"a", "b", "c"}},
		{",,", nil},
	}
	for _, tt := range tests {
		if got := SplitList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-env=staging",
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-upstream-url=not-a-url",
		"-trusted-hops=99",
		"-trace-sample=2.0",
		"-session-idle-timeout-ms=0",
		"-rate-limit-max-requests=0",
		"-login-max-attempts=0",
		"-ip-whitelist-enabled=true",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid ENV")
	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "UPSTREAM_URL must be a URL")
	wantErrContains(t, err, "TRUSTED_HOPS must be 0..10")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "SESSION_IDLE_TIMEOUT_MS must be positive")
	wantErrContains(t, err, "RATE_LIMIT_MAX_REQUESTS must be positive")
	wantErrContains(t, err, "LOGIN_MAX_ATTEMPTS must be positive")
	wantErrContains(t, err, "ADMIN_IPS required")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
}

func TestValidate_IdleExceedsAbsolute(t *testing.T) {
	c := newTestConfig(t, []string{
		"-session-idle-timeout-ms=100000",
		"-session-absolute-timeout-ms=50000",
	})
	wantErrContains(t, Validate(c), "exceeds SESSION_ABSOLUTE_TIMEOUT_MS")
}

func TestValidate_ProductionRequiresSecrets(t *testing.T) {
	c := newTestConfig(t, []string{"-env=production"})
	err := Validate(c)
	wantErrContains(t, err, "SESSION_SECRET is required in production")
	wantErrContains(t, err, "CSRF_SECRET is required in production")

	c = newTestConfig(t, []string{
		"-env=production",
		"-session-secret=a-long-enough-session-secret",
		"-csrf-secret=a-long-enough-csrf-secret",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_DevelopmentAllowsMissingSecrets(t *testing.T) {
	c := newTestConfig(t, nil)
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
