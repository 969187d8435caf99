// Package dedup keeps a short-lived set of message ids this process just sent,
// so the next poll does not treat them as new inbound mail before the store catches up.
package dedup

import (
	"sync"
	"time"
)

// DefaultTTL is how long a marked id stays in the guard.
const DefaultTTL = 60 * time.Second

// Guard is a set of ids whose members expire after a fixed TTL.
type Guard struct {
	mu     sync.Mutex
	ttl    time.Duration
	timers map[string]*time.Timer
}

// NewGuard creates a Guard. A non-positive ttl falls back to DefaultTTL.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		ttl:    ttl,
		timers: make(map[string]*time.Timer),
	}
}

// Mark adds id and schedules its removal after the TTL. Marking an id
// that is already present restarts its TTL.
func (g *Guard) Mark(id string) {
	if id == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.timers[id]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(g.ttl, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		// Only the timer that is still current may remove the id.
		if g.timers[id] == t {
			delete(g.timers, id)
		}
	})
	g.timers[id] = t
}

// IsMarked reports whether id was marked within the last TTL.
func (g *Guard) IsMarked(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.timers[id]
	return ok
}

// Len returns the number of ids currently held.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.timers)
}

// Stop cancels pending expirations and empties the guard.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
