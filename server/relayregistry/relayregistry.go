// Package relayregistry tracks peers that have offered themselves as
// WebRTC relays: their advertised capacity, current load, and
// registration time. Grounded on bootstrap/main.go's TokenRegistry
// shape — a mutex-guarded map with one method per operation — reused
// here for relay bookkeeping instead of transfer tokens.
package relayregistry

import (
	"math/rand"
	"sync"
	"time"
)

// Entry is one registered relay's tracked state.
type Entry struct {
	PeerId         string
	PublicKey      string
	MaxConnections int
	ConnectedCount int
	RegisteredAt   time.Time
	LastUpdate     time.Time
}

// Registry is the in-memory relay directory. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds or replaces peerId's relay entry with zeroed load.
func (r *Registry) Register(peerId, publicKey string, maxConnections int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.entries[peerId] = &Entry{
		PeerId:         peerId,
		PublicKey:      publicKey,
		MaxConnections: maxConnections,
		ConnectedCount: 0,
		RegisteredAt:   now,
		LastUpdate:     now,
	}
}

// UpdateLoad records peerId's current connected-peer count. A peer that
// hasn't registered is a no-op: load reports can race a disconnect.
func (r *Registry) UpdateLoad(peerId string, connectedCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peerId]
	if !ok {
		return
	}
	e.ConnectedCount = connectedCount
	e.LastUpdate = time.Now()
}

// Remove drops peerId's relay entry, typically on disconnect.
func (r *Registry) Remove(peerId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, peerId)
}

// AvailableRelays returns up to n relays, excluding excludePeerId, whose
// load is below 50% of advertised capacity, shuffled per call for load
// distribution across requesters.
func (r *Registry) AvailableRelays(excludePeerId string, n int) []Entry {
	r.mu.RLock()
	var candidates []Entry
	for peerId, e := range r.entries {
		if peerId == excludePeerId {
			continue
		}
		if e.MaxConnections <= 0 {
			continue
		}
		if float64(e.ConnectedCount)/float64(e.MaxConnections) >= 0.5 {
			continue
		}
		candidates = append(candidates, *e)
	}
	r.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if n >= 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Count returns the number of registered relays.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
