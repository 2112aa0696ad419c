package opshttp

import (
	"net/http"
	"net/http/pprof"
)

// RegisterPprof mounts the standard pprof handlers on mux. Registered
// explicitly instead of importing net/http/pprof for its DefaultServeMux side
// effect, which would leak the handlers onto any default-mux server.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
