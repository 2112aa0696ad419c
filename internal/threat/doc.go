// Package threat is a stateless signature scanner for request-borne attack
// patterns: SQL injection, XSS, path traversal, suspicious user agents, and
// suspicious file extensions.
//
// Scan is a pure function over a fixed signature table; it never blocks a
// request itself. The pipeline decides which categories are fatal. Sanitize
// is advisory cleanup for values that are logged or echoed downstream - it is
// never a substitute for rejecting a clearly malicious request.
package threat
