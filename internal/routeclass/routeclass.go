// Package routeclass maps request paths to their security treatment: which
// header profile applies, which rate limiter, whether CSRF and sessions are
// required, and whether the path bypasses the pipeline entirely. The table
// is built once at startup and read-only afterwards.
package routeclass

import (
	"path"
	"strings"
)

// Class is the security treatment for a group of paths.
type Class struct {
	// Name identifies the class in logs.
	Name string
	// Prefixes are the path prefixes the class covers. Longest prefix wins.
	Prefixes []string
	// Public paths never require a session.
	Public bool
	// Admin paths require the admin role (and the admin IP allowlist when
	// enabled).
	Admin bool
	// CSRF marks paths whose state-changing methods require a token.
	CSRF bool
	// Limiter names the rate limiter rule, empty for unlimited paths.
	Limiter string
	// HeaderProfile names the secheaders route class.
	HeaderProfile string
}

// Classifier resolves paths against the class table.
type Classifier struct {
	classes    []Class
	fallback   Class
	bypass     []string
	bypassSet  map[string]struct{}
	staticExts map[string]struct{}
}

// Config declares the table. Zero-value fields fall back to defaults.
type Config struct {
	Classes []Class
	// Fallback applies to unmatched paths.
	Fallback Class
	// BypassPaths skip the pipeline entirely (health checks, webhooks).
	BypassPaths []string
}

// staticAssetExts are served without any guard; they carry no state and no
// authority.
var staticAssetExts = []string{
	".css", ".js", ".map", ".png", ".jpg", ".jpeg", ".webp", ".gif",
	".svg", ".ico", ".woff", ".woff2", ".ttf", ".txt",
}

func New(cfg Config) *Classifier {
	c := &Classifier{
		classes:    cfg.Classes,
		fallback:   cfg.Fallback,
		bypass:     cfg.BypassPaths,
		bypassSet:  make(map[string]struct{}, len(cfg.BypassPaths)),
		staticExts: make(map[string]struct{}, len(staticAssetExts)),
	}
	if c.fallback.Name == "" {
		c.fallback = Class{Name: "default", Public: true, HeaderProfile: "base"}
	}
	for _, p := range cfg.BypassPaths {
		c.bypassSet[p] = struct{}{}
	}
	for _, ext := range staticAssetExts {
		c.staticExts[ext] = struct{}{}
	}
	return c
}

// Default returns the table for the Tavolo deployment.
func Default() *Classifier {
	return New(Config{
		BypassPaths: []string{
			"/api/health",
			"/-/healthy",
			"/-/ready",
			"/favicon.ico",
			"/robots.txt",
			"/api/webhooks/payments",
			"/api/auth/callback",
		},
		Classes: []Class{
			{Name: "admin", Prefixes: []string{"/admin"}, Admin: true, CSRF: true, Limiter: "admin", HeaderProfile: "admin"},
			{Name: "admin-api", Prefixes: []string{"/api/admin"}, Admin: true, CSRF: true, Limiter: "admin", HeaderProfile: "api"},
			{Name: "login", Prefixes: []string{"/api/auth/login"}, Public: true, Limiter: "login", HeaderProfile: "api"},
			{Name: "auth", Prefixes: []string{"/api/auth", "/login", "/logout"}, Public: true, CSRF: true, Limiter: "api", HeaderProfile: "auth"},
			{Name: "upload", Prefixes: []string{"/api/uploads"}, CSRF: true, Limiter: "api", HeaderProfile: "upload"},
			{Name: "api", Prefixes: []string{"/api"}, CSRF: true, Limiter: "api", HeaderProfile: "api"},
			{Name: "account", Prefixes: []string{"/account", "/reservations/manage"}, CSRF: true, HeaderProfile: "auth"},
		},
		Fallback: Class{Name: "site", Public: true, HeaderProfile: "base"},
	})
}

// Classify resolves the path to its class. Longest matching prefix wins so
// /api/admin beats /api.
func (c *Classifier) Classify(p string) Class {
	best := c.fallback
	bestLen := -1
	for _, cl := range c.classes {
		for _, prefix := range cl.Prefixes {
			if len(prefix) > bestLen && matchPrefix(p, prefix) {
				best = cl
				bestLen = len(prefix)
			}
		}
	}
	return best
}

// Bypassed reports whether the path skips the pipeline: declared bypass
// paths and static asset extensions. Non-canonical paths never bypass, so
// a traversal sequence cannot ride a whitelisted extension past the guards.
func (c *Classifier) Bypassed(p string) bool {
	if p != path.Clean(p) {
		return false
	}
	if _, ok := c.bypassSet[p]; ok {
		return true
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" {
		if _, ok := c.staticExts[ext]; ok {
			return true
		}
	}
	return false
}

// matchPrefix matches on path segment boundaries: /api matches /api and
// /api/x but not /apifoo.
func matchPrefix(p, prefix string) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}
