// Package ratelimit implements the per-client write gate: a sliding-window
// counter keyed by client address. It is process-local state sized for the
// low write volume of a crowd-sourced tracker; it is not a distributed rate
// limiter and does not survive restarts.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultWindow is the sliding window applied to write requests.
	DefaultWindow = time.Minute
	// DefaultLimit is the number of writes allowed per key per window.
	DefaultLimit = 20
)

// Gate tracks write counts per key. One instance is constructed per process
// and injected into the HTTP layer so tests can substitute a fake clock.
type Gate struct {
	window time.Duration
	limit  int
	clock  clockwork.Clock

	mu      sync.Mutex
	entries map[string]*windowEntry
}

type windowEntry struct {
	count int
	start time.Time
}

// New creates a Gate with the given window and per-window limit. Zero or
// negative values fall back to the defaults.
func New(window time.Duration, limit int) *Gate {
	return NewWithClock(window, limit, clockwork.NewRealClock())
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(window time.Duration, limit int, clock clockwork.Clock) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{
		window:  window,
		limit:   limit,
		clock:   clock,
		entries: make(map[string]*windowEntry),
	}
}

// Allow records one write attempt for key. It returns whether the attempt is
// admitted and, when rejected, how long the client should wait before
// retrying (the remainder of the current window).
//
// Every call first purges entries whose window has fully elapsed, so the map
// is bounded by the number of distinct clients seen per window.
func (g *Gate) Allow(key string) (bool, time.Duration) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, e := range g.entries {
		if now.Sub(e.start) > g.window {
			delete(g.entries, k)
		}
	}

	e, ok := g.entries[key]
	if !ok || now.Sub(e.start) > g.window {
		g.entries[key] = &windowEntry{count: 1, start: now}
		return true, 0
	}
	if e.count < g.limit {
		e.count++
		return true, 0
	}
	return false, g.window - now.Sub(e.start)
}

// Limit returns the per-window cap.
func (g *Gate) Limit() int { return g.limit }

// Window returns the sliding window length.
func (g *Gate) Window() time.Duration { return g.window }
