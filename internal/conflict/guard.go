package conflict

import (
	"sync"
	"time"
)

// SnapshotGuard suppresses background snapshot writes of a record for a
// short window after a manual save.
type SnapshotGuard struct {
	window time.Duration

	mu     sync.Mutex
	next   uint64
	leases map[string]map[uint64]time.Time
}

// Lease is held by a manual save. Background writers of the same key are
// refused until it expires or is released.
type Lease struct {
	guard   *SnapshotGuard
	key     string
	id      uint64
	Expires time.Time
}

// NewSnapshotGuard creates a guard whose leases last window.
func NewSnapshotGuard(window time.Duration) *SnapshotGuard {
	return &SnapshotGuard{
		window: window,
		leases: make(map[string]map[uint64]time.Time),
	}
}

// Acquire takes a lease on key starting at now.
func (g *SnapshotGuard) Acquire(key string, now time.Time) *Lease {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.next++
	expires := now.Add(g.window)
	if g.leases[key] == nil {
		g.leases[key] = make(map[uint64]time.Time)
	}
	g.leases[key][g.next] = expires
	return &Lease{guard: g, key: key, id: g.next, Expires: expires}
}

// Allow reports whether a background write of key may run at now.
func (g *SnapshotGuard) Allow(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, expires := range g.leases[key] {
		if now.Before(expires) {
			return false
		}
		delete(g.leases[key], id)
	}
	delete(g.leases, key)
	return true
}

// Release ends the lease early. It is safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	g := l.guard
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.leases[l.key], l.id)
	if len(g.leases[l.key]) == 0 {
		delete(g.leases, l.key)
	}
}
