// Package httpmw provides the transport-level HTTP middleware that wraps
// the security pipeline: request IDs, client IP resolution, request-scoped
// logging, access logs, body limits, trace headers, and panic recovery.
//
// Middleware is composed outermost-first in httpserver.NewHandler. Each
// middleware is an independent function that can be tested, reordered, or
// removed individually. User-supplied data (query params, user-agent,
// headers) is intentionally excluded from access logs to prevent PII leaks
// and log injection; the security event log makes its own sanitization
// decisions.
package httpmw
