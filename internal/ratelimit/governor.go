package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultWindow and DefaultMax admit 10 requests per client per hour.
	DefaultWindow = time.Hour
	DefaultMax    = 10

	// minSweepInterval bounds how often expired records are reclaimed.
	minSweepInterval = 10 * time.Minute
)

// Governor is a per-client sliding-window admission controller. The window
// of a client starts at its first admitted request and resets a fixed
// duration later.
type Governor struct {
	mu        sync.Mutex
	store     Store
	window    time.Duration
	limit     int
	now       func() time.Time
	lastSweep time.Time
}

// NewGovernor returns a Governor backed by store. Non-positive window or limit
// fall back to DefaultWindow and DefaultMax.
func NewGovernor(store Store, window time.Duration, limit int) *Governor {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultMax
	}
	return &Governor{
		store:     store,
		window:    window,
		limit:     limit,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

// Allow runs one admission check for key. Reading the record and writing the
// updated count happen under one lock, so two checks for the same key never
// interleave.
func (g *Governor) Allow(key string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweepLocked(now)

	rec, ok := g.store.Get(key)
	if !ok || rec.expired(now) {
		g.store.Set(key, Record{Count: 1, ResetAt: now.Add(g.window)})
		return Decision{Allowed: true, Remaining: g.limit - 1}
	}

	if rec.Count >= g.limit {
		return Decision{Allowed: false, RetryAfter: rec.ResetAt.Sub(now)}
	}

	rec.Count++
	g.store.Set(key, rec)
	return Decision{Allowed: true, Remaining: g.limit - rec.Count}
}

// Max returns the per-window ceiling.
func (g *Governor) Max() int {
	return g.limit
}

// Len returns the number of client records currently held. Used for metrics.
func (g *Governor) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Len()
}

// RejectionMessage renders a human readable explanation for a rejected Decision.
func (g *Governor) RejectionMessage(d Decision) string {
	minutes := int(math.Ceil(d.RetryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("too many requests, retry in %d minute(s) (at most %d per %s)", minutes, g.limit, g.window)
}

// sweepLocked drops expired records, at most once per minSweepInterval.
// Caller must hold g.mu.
func (g *Governor) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < minSweepInterval {
		return
	}
	g.lastSweep = now

	for _, key := range g.store.Keys() {
		if rec, ok := g.store.Get(key); ok && rec.expired(now) {
			g.store.Delete(key)
		}
	}
}
