// Package proxy forwards pipeline-approved requests to the protected
// application and implements the session bridge: the upstream signals
// login/logout through trusted response headers, which the gateway converts
// into session cookie writes before the response leaves. The headers
// themselves are stripped so they never reach a browser.
package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/tavolohq/edgegate/internal/log"
	"github.com/tavolohq/edgegate/internal/session"
	"github.com/tavolohq/edgegate/internal/xerrors"
)

const (
	// LoginHeader carries a JSON session profile from the upstream after a
	// successful authentication.
	LoginHeader = "X-Auth-Session-Login"
	// LogoutHeader, any non-empty value, asks the gateway to destroy the
	// current session.
	LogoutHeader = "X-Auth-Session-Logout"
)

type Options struct {
	Logger   log.Logger
	Sessions *session.Manager
	// OnSessionCreated/OnSessionDestroyed feed the session lifecycle
	// counters.
	OnSessionCreated   func()
	OnSessionDestroyed func()
}

// Handler proxies to the upstream URL. The zero value is not usable;
// construct with New.
type Handler struct {
	rp       *httputil.ReverseProxy
	sessions *session.Manager
	log      log.Logger

	onCreated   func()
	onDestroyed func()
}

func New(upstream string, opts Options) (*Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream url %q", upstream)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, xerrors.Newf("upstream url %q missing scheme or host", upstream)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	h := &Handler{
		sessions:    opts.Sessions,
		log:         opts.Logger,
		onCreated:   opts.OnSessionCreated,
		onDestroyed: opts.OnSessionDestroyed,
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// the gateway terminates cookies; the upstream authenticates
			// via the identity headers the pipeline set
			pr.Out.Header.Del("Cookie")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			opts.Logger.Error(r.Context(), err, "upstream request failed",
				"url.path", r.URL.Path,
				"http.request.method", r.Method,
			)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "Bad gateway",
				"message": "upstream unavailable",
			})
		},
	}
	h.rp = rp
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bw := &bridgeWriter{ResponseWriter: w, h: h, r: r}
	h.rp.ServeHTTP(bw, r)
}

// bridgeWriter intercepts the upstream's response headers right before they
// are flushed, so session cookies are written in the same response that
// carries the upstream's body.
type bridgeWriter struct {
	http.ResponseWriter
	h       *Handler
	r       *http.Request
	bridged bool
}

func (bw *bridgeWriter) WriteHeader(code int) {
	bw.bridge()
	bw.ResponseWriter.WriteHeader(code)
}

func (bw *bridgeWriter) Write(p []byte) (int, error) {
	bw.bridge()
	return bw.ResponseWriter.Write(p)
}

func (bw *bridgeWriter) Flush() {
	bw.bridge()
	if f, ok := bw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (bw *bridgeWriter) bridge() {
	if bw.bridged {
		return
	}
	bw.bridged = true

	hdr := bw.Header()
	ctx := bw.r.Context()

	if raw := hdr.Get(LoginHeader); raw != "" {
		hdr.Del(LoginHeader)

		var p session.Profile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			bw.h.log.Error(ctx, err, "upstream sent malformed session login header")
		} else if strings.TrimSpace(p.UserID) == "" {
			bw.h.log.Warn(ctx, "upstream session login header missing userId")
		} else if rec, err := bw.h.sessions.Create(bw.ResponseWriter, bw.r, p); err != nil {
			bw.h.log.Error(ctx, err, "session create from upstream login failed")
		} else {
			bw.h.log.Info(ctx, "session created",
				"user.id", rec.UserID,
				"session.id", rec.SessionID,
			)
			if bw.h.onCreated != nil {
				bw.h.onCreated()
			}
		}
	}

	if hdr.Get(LogoutHeader) != "" {
		hdr.Del(LogoutHeader)

		rec := session.RecordFromContext(ctx)
		bw.h.sessions.Destroy(bw.ResponseWriter, rec)
		if bw.h.onDestroyed != nil {
			bw.h.onDestroyed()
		}
	}
}
