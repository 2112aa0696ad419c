package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/tavolohq/edgegate/internal/httpmw"
)

// maxLoginBodyBytes caps how much of the login body the key function will
// buffer. Key extraction runs before the router's own body limit, so the
// cap has to be enforced here too or an oversized body lands in memory
// whole.
const maxLoginBodyBytes = 1 << 20

// LoginKey keys the login limiter by client IP plus the attempted email, so
// a distributed guessing run against one account is throttled even when it
// rotates addresses, and one noisy address cannot burn another user's
// attempts. The body is re-buffered so the request can still be forwarded
// upstream.
func LoginKey(r *http.Request) string {
	ip := httpmw.ClientIPFromContext(r.Context())

	if r.Body == nil || r.Body == http.NoBody {
		return ip
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBodyBytes+1))
	if len(body) > maxLoginBodyBytes {
		// Oversized body: key on IP alone and stitch the unread remainder
		// back on, so the downstream body limit sees the full stream and
		// rejects it.
		r.Body = rewoundBody{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
		return ip
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ip
	}

	var creds struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(body, &creds) != nil || creds.Email == "" {
		return ip
	}
	return ip + "|" + strings.ToLower(strings.TrimSpace(creds.Email))
}

type rewoundBody struct {
	io.Reader
	io.Closer
}
