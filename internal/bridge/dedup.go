package bridge

import (
	"context"
	"sync"
	"time"
)

// Direction tags a dedup key so push and pull identifier spaces never
// collide, even when a local ID and a remote ID happen to coincide.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// DedupKey builds the composite guard key for a sync direction and record ID.
func DedupKey(dir Direction, id string) string {
	return string(dir) + ":" + id
}

const sweepInterval = 60 * time.Second

// Guard is the time-windowed duplicate suppressor sitting between the push
// and pull paths. A key marked on a successful sync suppresses the echo sync
// of the same record in the opposite direction until the window elapses.
// Entries are evicted lazily on lookup and by a background sweep, so the
// guard stays bounded even for keys that are never queried again.
type Guard struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGuard creates a guard with the given suppression window.
func NewGuard(window time.Duration) *Guard {
	return &Guard{
		entries: make(map[string]time.Time),
		window:  window,
		now:     time.Now,
	}
}

// Mark records the key at the current time, refreshing any existing entry.
func (g *Guard) Mark(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = g.now()
}

// WasRecent reports whether the key was marked within the window. Expired
// entries are evicted on the spot.
func (g *Guard) WasRecent(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.entries[key]
	if !ok {
		return false
	}
	if g.now().Sub(at) > g.window {
		delete(g.entries, key)
		return false
	}
	return true
}

// Len returns the number of live entries, including any not yet swept.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Start launches the background sweep. Stop or context cancellation ends it.
func (g *Guard) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

// Stop ends the background sweep and waits for it to exit.
func (g *Guard) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.window)
	for key, at := range g.entries {
		if at.Before(cutoff) {
			delete(g.entries, key)
		}
	}
}
