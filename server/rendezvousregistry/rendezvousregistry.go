// Package rendezvousregistry is the server side of meeting-point
// rendezvous: two keyed-by-token maps (daily meeting points, hourly
// tokens) that let two peers who both register under the same token find
// each other's dead drop, or — for the shorter-lived hourly tokens — get
// pushed a live rendezvous_match immediately.
//
// Grounded on bootstrap/main.go's TokenRegistry shape, reused here for
// token-keyed peer bookkeeping instead of transfer tokens, the same way
// server/relayregistry reused it for relay bookkeeping.
package rendezvousregistry

import (
	"sync"
	"time"
)

const (
	dailyTTL  = 48 * time.Hour
	hourlyTTL = 3 * time.Hour
)

// Entry is one peer's registration at a single token.
type Entry struct {
	PeerId       string
	DeadDrop     []byte
	RelayId      string
	RegisteredAt time.Time
}

func (e Entry) expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.RegisteredAt) >= ttl
}

// Match is what onMatch delivers: the peer that just registered the other
// half of a shared hourly token, pushed to the peer found already there.
type Match struct {
	SelfPeerId string
	RelayId    string
}

// Registry holds the daily and hourly token maps. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	daily   map[string][]Entry
	hourly  map[string][]Entry
	onMatch func(otherPeerId string, match Match)
}

// New constructs a Registry. onMatch is invoked once per hourly-token
// match found, addressed to the peer that was already registered; pass
// nil to discard (tests typically do).
func New(onMatch func(otherPeerId string, match Match)) *Registry {
	if onMatch == nil {
		onMatch = func(string, Match) {}
	}
	return &Registry{
		daily:   make(map[string][]Entry),
		hourly:  make(map[string][]Entry),
		onMatch: onMatch,
	}
}

// RegisterDailyPoints registers peerId's entry at each of tokens,
// replacing any prior entry this peer held at the same token, and
// returns the dead drops of every other non-expired peer already
// registered at any of those tokens. A peer never sees its own dead drop.
func (r *Registry) RegisterDailyPoints(peerId string, tokens []string, deadDrop []byte, relayId string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var deadDrops [][]byte
	for _, token := range tokens {
		existing := r.daily[token]
		var kept []Entry
		for _, e := range existing {
			if e.expired(dailyTTL, now) {
				continue
			}
			if e.PeerId == peerId {
				continue // dropped here; replaced below
			}
			deadDrops = append(deadDrops, e.DeadDrop)
			kept = append(kept, e)
		}
		kept = append(kept, Entry{PeerId: peerId, DeadDrop: deadDrop, RelayId: relayId, RegisteredAt: now})
		r.daily[token] = kept
	}
	return deadDrops
}

// RegisterHourlyTokens registers peerId's entry at each of tokens like
// RegisterDailyPoints, additionally invoking onMatch for every other
// live peer found at a shared token so both sides learn of the match.
func (r *Registry) RegisterHourlyTokens(peerId string, tokens []string, deadDrop []byte, relayId string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var deadDrops [][]byte
	var matched []string
	for _, token := range tokens {
		existing := r.hourly[token]
		var kept []Entry
		for _, e := range existing {
			if e.expired(hourlyTTL, now) {
				continue
			}
			if e.PeerId == peerId {
				continue
			}
			deadDrops = append(deadDrops, e.DeadDrop)
			kept = append(kept, e)
			matched = append(matched, e.PeerId)
		}
		kept = append(kept, Entry{PeerId: peerId, DeadDrop: deadDrop, RelayId: relayId, RegisteredAt: now})
		r.hourly[token] = kept
	}

	for _, other := range matched {
		r.onMatch(other, Match{SelfPeerId: peerId, RelayId: relayId})
	}
	return deadDrops
}

// Remove drops every entry belonging to peerId from both maps, e.g. on
// disconnect.
func (r *Registry) Remove(peerId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removeFrom(r.daily, peerId)
	removeFrom(r.hourly, peerId)
}

func removeFrom(m map[string][]Entry, peerId string) {
	for token, entries := range m {
		var kept []Entry
		for _, e := range entries {
			if e.PeerId != peerId {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m, token)
		} else {
			m[token] = kept
		}
	}
}

// Cleanup removes expired entries from both maps. Intended to run on a
// periodic ticker.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cleanupExpired(r.daily, dailyTTL, now)
	cleanupExpired(r.hourly, hourlyTTL, now)
}

func cleanupExpired(m map[string][]Entry, ttl time.Duration, now time.Time) {
	for token, entries := range m {
		var kept []Entry
		for _, e := range entries {
			if !e.expired(ttl, now) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m, token)
		} else {
			m[token] = kept
		}
	}
}

// Size returns the total number of entries across both maps, used for
// health/metrics reporting. Expired entries count until Cleanup removes
// them.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entries := range r.daily {
		n += len(entries)
	}
	for _, entries := range r.hourly {
		n += len(entries)
	}
	return n
}
