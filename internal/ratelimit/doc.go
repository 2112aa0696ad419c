// Package ratelimit implements named sliding-window rate limiters with a
// block duration, behind a pluggable Store.
//
// The default MemoryStore is a single-instance, in-memory approximation:
// with N replicas and no shared store, the effective allowed rate is N times
// the configured limit. That is acceptable for single-instance and dev
// deployments; multi-instance deployments should plug in a centralized Store
// (a remote key-value store with atomic increment+expire). Calling code only
// ever sees the Store interface.
//
// The package also carries a coarse per-IP token-bucket flood guard
// (FloodGuard) that sits in front of the policy limiters and protects the
// process itself from connection/goroutine exhaustion.
package ratelimit
