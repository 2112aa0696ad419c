package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config is the window policy for one named limiter.
type Config struct {
	// MaxPoints is the number of requests allowed per window. The
	// (MaxPoints+1)th consumption within a window trips the block.
	MaxPoints int
	// Window is the rolling window duration.
	Window time.Duration
	// BlockFor is how long a key stays blocked after exceeding MaxPoints.
	BlockFor time.Duration
}

// Decision reports the outcome of a consume or peek.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store tracks consumption per (limiterName, key). Implementations must make
// Consume atomic per key: two concurrent consumptions for the same key must
// not both observe the same point count, or a racing client could exceed the
// limit.
type Store interface {
	// Consume records one consumption attempt and returns the decision.
	Consume(ctx context.Context, name, key string, cfg Config, now time.Time) (Decision, error)
	// Peek returns the current decision without mutating any state.
	Peek(ctx context.Context, name, key string, cfg Config, now time.Time) (Decision, error)
	// Reset clears the entry for the key.
	Reset(ctx context.Context, name, key string) error
}

// entry is one key's window state. Zero blockedUntil means not blocked.
type entry struct {
	points       int
	windowStart  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// MemoryStore is the in-process Store: a mutex-guarded map with background
// eviction of idle entries.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
}

// NewMemoryStore creates the store and starts the eviction goroutine, which
// stops when ctx is cancelled. ttl bounds how long an idle key stays in the
// map; entries are never required to be durable.
func NewMemoryStore(ctx context.Context, ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &MemoryStore{
		entries: make(map[string]*entry),
		ttl:     ttl,
	}
	go s.sweep(ctx)
	return s
}

func storeKey(name, key string) string { return name + "\x00" + key }

func (s *MemoryStore) Consume(_ context.Context, name, key string, cfg Config, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := storeKey(name, key)
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
		s.entries[k] = e
	}
	e.lastSeen = now

	// Blocked and not yet released: deny without growing the counter.
	if !e.blockedUntil.IsZero() && now.Before(e.blockedUntil) {
		return Decision{Allowed: false, Remaining: 0, ResetAt: e.blockedUntil}, nil
	}

	// Fresh entry, elapsed block, or elapsed window: start a new window.
	if e.windowStart.IsZero() || !e.blockedUntil.IsZero() || now.Sub(e.windowStart) >= cfg.Window {
		e.points = 1
		e.windowStart = now
		e.blockedUntil = time.Time{}
		return Decision{Allowed: true, Remaining: cfg.MaxPoints - 1, ResetAt: now.Add(cfg.Window)}, nil
	}

	e.points++
	if e.points > cfg.MaxPoints {
		e.blockedUntil = now.Add(cfg.BlockFor)
		return Decision{Allowed: false, Remaining: 0, ResetAt: e.blockedUntil}, nil
	}
	return Decision{Allowed: true, Remaining: cfg.MaxPoints - e.points, ResetAt: e.windowStart.Add(cfg.Window)}, nil
}

func (s *MemoryStore) Peek(_ context.Context, name, key string, cfg Config, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[storeKey(name, key)]
	if !ok {
		return Decision{Allowed: true, Remaining: cfg.MaxPoints, ResetAt: now.Add(cfg.Window)}, nil
	}
	if !e.blockedUntil.IsZero() && now.Before(e.blockedUntil) {
		return Decision{Allowed: false, Remaining: 0, ResetAt: e.blockedUntil}, nil
	}
	if e.windowStart.IsZero() || !e.blockedUntil.IsZero() || now.Sub(e.windowStart) >= cfg.Window {
		return Decision{Allowed: true, Remaining: cfg.MaxPoints, ResetAt: now.Add(cfg.Window)}, nil
	}
	remaining := cfg.MaxPoints - e.points
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: remaining > 0, Remaining: remaining, ResetAt: e.windowStart.Add(cfg.Window)}, nil
}

func (s *MemoryStore) Reset(_ context.Context, name, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, storeKey(name, key))
	return nil
}

// sweep periodically evicts entries idle past the TTL. Runs at TTL/2 so
// stale keys don't linger much longer than intended.
func (s *MemoryStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for k, e := range s.entries {
				if now.Sub(e.lastSeen) > s.ttl && now.After(e.blockedUntil) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
