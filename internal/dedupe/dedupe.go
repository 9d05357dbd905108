// Package dedupe guards against concurrent processing of the same upload when
// the storage webhook delivers an event more than once.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Guard hands out short-lived in-flight locks keyed by delivery identity.
type Guard interface {
	// Acquire returns false when another delivery for key is still running.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// MemoryGuard is the in-process Guard used when no Redis is configured.
type MemoryGuard struct {
	mu    sync.Mutex
	ttl   time.Duration
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{ttl: ttl, held: map[string]time.Time{}, clock: time.Now}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if exp, ok := g.held[key]; ok && now.Before(exp) {
		return func() {}, false, nil
	}
	expires := now.Add(g.ttl)
	g.held[key] = expires

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.held[key] == expires {
				delete(g.held, key)
			}
		})
	}, true, nil
}
