// Package registry tracks the participants of a relay and when each was
// last heard from.
package registry

import (
	"sync"
	"time"
)

// Janitor timing for connectionless relays.
const (
	EvictionInterval = 10 * time.Second // how often stale participants are looked for
	ParticipantTTL   = 30 * time.Second // silence after which a participant is evicted
)

// Registry maps participant keys to their last-seen time. A single mutex
// guards the map; it is never held while sending.
type Registry[K comparable] struct {
	mu       sync.Mutex
	lastSeen map[K]time.Time
	now      func() time.Time
}

// New creates an empty registry.
func New[K comparable]() *Registry[K] {
	return &Registry[K]{
		lastSeen: make(map[K]time.Time),
		now:      time.Now,
	}
}

// Touch records activity from k and reports whether k was not registered
// before.
func (r *Registry[K]) Touch(k K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.lastSeen[k]
	r.lastSeen[k] = r.now()
	return !known
}

// Remove forgets k. It reports whether k was registered.
func (r *Registry[K]) Remove(k K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.lastSeen[k]
	delete(r.lastSeen, k)
	return ok
}

// Has reports whether k is registered.
func (r *Registry[K]) Has(k K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.lastSeen[k]
	return ok
}

// All returns a snapshot of the registered keys. Callers iterate the copy
// so registration can proceed while they send.
func (r *Registry[K]) All() []K {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]K, 0, len(r.lastSeen))
	for k := range r.lastSeen {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of registered participants.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lastSeen)
}

// EvictOlderThan removes every participant not heard from within maxAge
// and returns the evicted keys.
func (r *Registry[K]) EvictOlderThan(maxAge time.Duration) []K {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var evicted []K
	for k, seen := range r.lastSeen {
		if seen.Before(cutoff) {
			delete(r.lastSeen, k)
			evicted = append(evicted, k)
		}
	}
	return evicted
}

// RunJanitor evicts participants older than maxAge every interval until quit
// is closed. onEvict, if not nil, is called for each evicted key outside the
// lock.
func (r *Registry[K]) RunJanitor(quit <-chan struct{}, interval, maxAge time.Duration, onEvict func(K)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, k := range r.EvictOlderThan(maxAge) {
				if onEvict != nil {
					onEvict(k)
				}
			}
		case <-quit:
			return
		}
	}
}
