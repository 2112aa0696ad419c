package secheaders

import "net/http"

// Route classes. Each maps to a CSP profile and, for the authenticated
// classes, stricter caching.
const (
	ClassBase   = "base"
	ClassAPI    = "api"
	ClassAuth   = "auth"
	ClassAdmin  = "admin"
	ClassUpload = "upload"
)

// Sources are the environment-supplied additions to the base CSP source
// lists (CSP_SCRIPT_SRC and friends).
type Sources struct {
	Script  []string
	Style   []string
	Img     []string
	Connect []string
}

// Composer builds the full response header set for a route class. Construct
// once at startup; Compose is safe for concurrent use.
type Composer struct {
	production bool
	profiles   map[string]*Policy
}

type Option func(*Composer)

// WithProduction enables HSTS and drops the development-only 'unsafe-eval'
// allowance.
func WithProduction(on bool) Option {
	return func(c *Composer) { c.production = on }
}

func NewComposer(src Sources, opts ...Option) *Composer {
	c := &Composer{profiles: make(map[string]*Policy)}
	for _, o := range opts {
		o(c)
	}

	base := NewPolicy().
		Add("default-src", "'self'").
		Add("script-src", append([]string{"'self'"}, src.Script...)...).
		Add("style-src", append([]string{"'self'", "'unsafe-inline'"}, src.Style...)...).
		Add("img-src", append([]string{"'self'", "data:"}, src.Img...)...).
		Add("font-src", "'self'").
		Add("connect-src", append([]string{"'self'"}, src.Connect...)...).
		Add("base-uri", "'self'").
		Add("form-action", "'self'").
		Add("object-src", "'none'")

	if c.production {
		base.Add("upgrade-insecure-requests")
	} else {
		// dev tooling (source maps, hot reload) needs eval; never in prod
		base.Add("script-src", "'unsafe-eval'")
	}

	c.profiles[ClassBase] = base

	// API responses are data, not documents; clamp everything
	c.profiles[ClassAPI] = NewPolicy().
		Add("default-src", "'none'").
		Add("frame-ancestors", "'none'")

	c.profiles[ClassAuth] = base.Clone().
		Add("frame-ancestors", "'none'")

	c.profiles[ClassAdmin] = base.Clone().
		Add("frame-ancestors", "'none'")

	// user-supplied content must never execute
	c.profiles[ClassUpload] = base.Clone().
		Set("script-src", "'none'").
		Set("object-src", "'none'").
		Add("frame-ancestors", "'none'")

	return c
}

// Compose returns the full header set for a route class. Unknown classes get
// the base profile.
func (c *Composer) Compose(class string) http.Header {
	return c.compose(class, "")
}

// ComposeWithNonce is the nonce-augmented variant for pages that require
// inline scripts: script-src gains 'nonce-<v>'.
func (c *Composer) ComposeWithNonce(class, nonce string) http.Header {
	return c.compose(class, nonce)
}

func (c *Composer) compose(class, nonce string) http.Header {
	h := http.Header{}

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")
	h.Set("X-Permitted-Cross-Domain-Policies", "none")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")

	if c.production {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}

	// authenticated pages must never land in shared caches
	switch class {
	case ClassAuth, ClassAdmin:
		h.Set("Cache-Control", "no-store")
	}

	p, ok := c.profiles[class]
	if !ok {
		p = c.profiles[ClassBase]
	}
	if nonce != "" {
		p = p.Clone().Add("script-src", "'nonce-"+nonce+"'")
	}
	h.Set("Content-Security-Policy", p.String())

	return h
}

// Apply copies the composed header set onto a response writer.
func Apply(dst http.Header, composed http.Header) {
	for k, vals := range composed {
		dst[k] = vals
	}
}
