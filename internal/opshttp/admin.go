package opshttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tavolohq/edgegate/internal/log"
	"github.com/tavolohq/edgegate/internal/ratelimit"
)

// rateLimitStatus is the admin view of one (limiter, key) window.
type rateLimitStatus struct {
	Limiter   string `json:"limiter"`
	Key       string `json:"key"`
	Allowed   bool   `json:"allowed"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"resetAt,omitempty"`
}

// registerRateLimitAdmin mounts the rate-limiter admin API:
//
//	GET    /ratelimit/{name}?key=<key>  window status, read-only
//	DELETE /ratelimit/{name}?key=<key>  clear the window for the key
//
// Only reachable through the admin listener, which already refuses public
// source addresses.
func registerRateLimitAdmin(mux *http.ServeMux, L log.Logger, limits *ratelimit.Limiter) {
	mux.HandleFunc("GET /ratelimit/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key parameter", http.StatusBadRequest)
			return
		}

		d, err := limits.Status(r.Context(), name, key)
		if err != nil {
			writeAdminError(w, err)
			return
		}

		rule, _ := limits.Rule(name)
		st := rateLimitStatus{
			Limiter:   name,
			Key:       key,
			Allowed:   d.Allowed,
			Limit:     rule.Config.MaxPoints,
			Remaining: d.Remaining,
		}
		if !d.ResetAt.IsZero() {
			st.ResetAt = d.ResetAt.UTC().Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(st)
	})

	mux.HandleFunc("DELETE /ratelimit/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key parameter", http.StatusBadRequest)
			return
		}

		if err := limits.Reset(r.Context(), name, key); err != nil {
			writeAdminError(w, err)
			return
		}
		L.Info(r.Context(), "rate limit window reset",
			"ratelimit.name", name,
			"ratelimit.key", key,
		)
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeAdminError(w http.ResponseWriter, err error) {
	if errors.Is(err, ratelimit.ErrUnknownLimiter) {
		http.Error(w, "unknown limiter", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
