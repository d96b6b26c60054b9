// Package chunkrelay implements the server side of chunk distribution: a
// BoltDB-backed chunk_cache and chunk_sources, an in-memory
// pendingRequests table for multicast fan-out, TTL+LRU eviction, and
// at-most-one-concurrent-pull-per-chunkId admission.
//
// Grounded on daemon/manager/cas_bolt.go's bolt-open-with-timeout,
// single-bucket, cursor-walk-GC idiom, generalized from one
// content-addressed bucket to the cache+sources+pending-requests model
// this distribution scheme needs.
package chunkrelay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/zajel/zajel/internal/chunkengine"
	"github.com/zajel/zajel/internal/observability"
	"github.com/zajel/zajel/internal/signaling"
)

var (
	bucketCache   = []byte("chunk_cache")
	bucketSources = []byte("chunk_sources")
)

const sourceKeySep = "\x00"

// Config controls cache retention. Both fields are operator-tunable
// rather than constants so a deployment can trade memory for hit rate.
type Config struct {
	// DefaultTTL is how long a cached chunk survives without being
	// accessed. It applies to every channel; there is no per-channel
	// override. Spec range: 15 min to 1 h.
	DefaultTTL time.Duration
	// MaxCacheBytes is the total cache budget; once exceeded, the
	// least-recently-accessed entries are evicted first.
	MaxCacheBytes int64
}

// DefaultConfig returns the baseline retention policy.
func DefaultConfig() Config {
	return Config{DefaultTTL: 30 * time.Minute, MaxCacheBytes: 512 * 1024 * 1024}
}

// PeerSender is the seam into the dispatcher's live connection set: the
// relay uses it to push chunk_pull/chunk_data/chunk_not_found/
// chunk_available to specific peers and to ask whether a candidate
// source is still online.
type PeerSender interface {
	SendChunkPull(peerId string, msg signaling.ChunkPullMsg) error
	SendChunkData(peerId string, msg signaling.ChunkDataMsg) error
	SendChunkNotFound(peerId string, msg signaling.ChunkNotFoundMsg) error
	SendChunkAvailable(peerId string, msg signaling.ChunkAvailableMsg) error
	PeerOnline(peerId string) bool
}

type cacheEntry struct {
	ChannelId    string `json:"channelId"`
	Data         []byte `json:"data"`
	CachedAt     int64  `json:"cachedAt"`
	LastAccessed int64  `json:"lastAccessed"`
	AccessCount  int64  `json:"accessCount"`
}

// Relay is the server-side chunk distribution actor. One per signaling
// server process.
type Relay struct {
	db  *bolt.DB
	cfg Config
	log *observability.Logger

	mu      sync.Mutex
	pending map[string][]string // chunkId -> requester peerIds, in arrival order
	pulling map[string]bool     // chunkId -> a chunk_pull is already in flight
}

// Open opens (creating if necessary) the BoltDB file at path and ensures
// its buckets exist.
func Open(path string, cfg Config, log *observability.Logger) (*Relay, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("chunkrelay: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCache); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSources)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chunkrelay: create buckets: %w", err)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.MaxCacheBytes <= 0 {
		cfg.MaxCacheBytes = DefaultConfig().MaxCacheBytes
	}
	return &Relay{db: db, cfg: cfg, log: log, pending: make(map[string][]string), pulling: make(map[string]bool)}, nil
}

// Close closes the underlying database.
func (r *Relay) Close() error { return r.db.Close() }

func (r *Relay) warnf(format string, args ...interface{}) {
	if r.log != nil {
		r.log.Warn(fmt.Sprintf(format, args...))
	}
}

func sourceKey(chunkId, peerId string) []byte {
	return []byte(chunkId + sourceKeySep + peerId)
}

// HandleAnnounce registers peerId as a source for every chunk in msg and
// notifies any requesters still waiting on a not-found chunk that it is
// now available.
func (r *Relay) HandleAnnounce(peerId string, msg signaling.ChunkAnnounceMsg, sender PeerSender) error {
	now := time.Now().Unix()
	err := r.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSources)
		for _, c := range msg.Chunks {
			buf := make([]byte, 8)
			putInt64(buf, now)
			if err := bk.Put(sourceKey(c.ChunkId, peerId), buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("chunkrelay: record announce from %s: %w", peerId, err)
	}

	for _, c := range msg.Chunks {
		r.mu.Lock()
		waiters := r.pending[c.ChunkId]
		delete(r.pending, c.ChunkId)
		r.mu.Unlock()
		for _, requester := range waiters {
			if err := sender.SendChunkAvailable(requester, signaling.ChunkAvailableMsg{ChunkId: c.ChunkId}); err != nil {
				r.warnf("chunkrelay: notify %s of chunk_available for %s: %v", requester, c.ChunkId, err)
			}
		}
	}
	return nil
}

// RequestChunk handles a chunk_request: a cache hit is served directly;
// otherwise, if a source is online, the requester is queued and a
// chunk_pull is sent unless one is already in flight (HandlePush fans the
// chunk out); otherwise chunk_not_found is sent and the requester stays
// pending for a later chunk_available.
func (r *Relay) RequestChunk(requesterPeerId string, msg signaling.ChunkRequestMsg, sender PeerSender) error {
	hit, err := r.serveFromCache(requesterPeerId, msg.ChunkId, sender)
	if err != nil {
		return err
	}
	if hit {
		return nil
	}

	sourcePeerId, ok := r.onlineSource(msg.ChunkId, sender)
	if ok {
		r.mu.Lock()
		r.pending[msg.ChunkId] = append(r.pending[msg.ChunkId], requesterPeerId)
		alreadyPulling := r.pulling[msg.ChunkId]
		r.pulling[msg.ChunkId] = true
		r.mu.Unlock()
		if !alreadyPulling {
			if err := sender.SendChunkPull(sourcePeerId, signaling.ChunkPullMsg{ChunkId: msg.ChunkId}); err != nil {
				return fmt.Errorf("chunkrelay: send chunk_pull to %s for %s: %w", sourcePeerId, msg.ChunkId, err)
			}
		}
		return nil
	}

	r.mu.Lock()
	r.pending[msg.ChunkId] = append(r.pending[msg.ChunkId], requesterPeerId)
	r.mu.Unlock()
	if err := sender.SendChunkNotFound(requesterPeerId, signaling.ChunkNotFoundMsg{ChunkId: msg.ChunkId}); err != nil {
		return fmt.Errorf("chunkrelay: send chunk_not_found to %s for %s: %w", requesterPeerId, msg.ChunkId, err)
	}
	return nil
}

func (r *Relay) serveFromCache(requesterPeerId, chunkId string, sender PeerSender) (bool, error) {
	var entry cacheEntry
	found := false
	now := time.Now().Unix()
	err := r.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCache)
		raw := bk.Get([]byte(chunkId))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decode cache entry for %s: %w", chunkId, err)
		}
		found = true
		entry.LastAccessed = now
		entry.AccessCount++
		updated, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bk.Put([]byte(chunkId), updated)
	})
	if err != nil {
		return false, fmt.Errorf("chunkrelay: serve %s from cache: %w", chunkId, err)
	}
	if !found {
		return false, nil
	}
	if err := sender.SendChunkData(requesterPeerId, signaling.ChunkDataMsg{ChunkId: chunkId, ChannelId: entry.ChannelId, Data: json.RawMessage(entry.Data)}); err != nil {
		return true, fmt.Errorf("chunkrelay: send cached chunk %s to %s: %w", chunkId, requesterPeerId, err)
	}
	return true, nil
}

// onlineSource returns a source peer for chunkId that sender reports as
// currently connected, or ok=false if none is.
func (r *Relay) onlineSource(chunkId string, sender PeerSender) (peerId string, ok bool) {
	prefix := []byte(chunkId + sourceKeySep)
	var candidates []string
	_ = r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSources).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			candidates = append(candidates, string(k[len(prefix):]))
		}
		return nil
	})
	for _, candidate := range candidates {
		if sender.PeerOnline(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// HandlePush stores a pushed chunk in the cache and fans it out to every
// queued requester, clearing the in-flight pull marker for chunkId.
func (r *Relay) HandlePush(msg signaling.ChunkPushMsg, sender PeerSender) error {
	var c chunkengine.Chunk
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		return fmt.Errorf("chunkrelay: decode pushed chunk %s: %w", msg.ChunkId, err)
	}
	if len(c.EncryptedPayload) > chunkengine.MaxPieceSize {
		return fmt.Errorf("chunkrelay: pushed chunk %s exceeds %d bytes", msg.ChunkId, chunkengine.MaxPieceSize)
	}

	now := time.Now().Unix()
	entry := cacheEntry{ChannelId: msg.ChannelId, Data: []byte(msg.Data), CachedAt: now, LastAccessed: now, AccessCount: 0}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("chunkrelay: marshal cache entry for %s: %w", msg.ChunkId, err)
	}
	if err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(msg.ChunkId), raw)
	}); err != nil {
		return fmt.Errorf("chunkrelay: store chunk %s: %w", msg.ChunkId, err)
	}

	r.mu.Lock()
	waiters := r.pending[msg.ChunkId]
	delete(r.pending, msg.ChunkId)
	r.pulling[msg.ChunkId] = false
	r.mu.Unlock()

	// Route every waiter through serveFromCache so each delivery bumps
	// AccessCount/LastAccessed the same way a cache hit on a fresh
	// chunk_request would, instead of fanning out directly and leaving
	// the cache entry looking unaccessed.
	for _, requester := range waiters {
		if _, err := r.serveFromCache(requester, msg.ChunkId, sender); err != nil {
			r.warnf("chunkrelay: fan out chunk %s to %s: %v", msg.ChunkId, requester, err)
		}
	}
	return nil
}

// HandlePeerDisconnect removes every chunk_sources entry for peerId.
// Cache entries are untouched: sources outlive cache entries so content
// can be re-fetched from a peer that reconnects later.
func (r *Relay) HandlePeerDisconnect(peerId string) error {
	suffix := sourceKeySep + peerId
	var toDelete [][]byte
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSources).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if strings.HasSuffix(string(k), suffix) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("chunkrelay: scan sources for disconnect of %s: %w", peerId, err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketSources)
		for _, k := range toDelete {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

type evictionCandidate struct {
	key          []byte
	size         int
	lastAccessed int64
	cachedAt     int64
}

// Evict runs TTL expiry followed by LRU eviction down to MaxCacheBytes.
// cmd/zajel-signal runs it on a five-minute ticker.
func (r *Relay) Evict(now time.Time) (removed int, err error) {
	// LastAccessed is stored in whole seconds; the cutoff is taken in
	// milliseconds so a sub-second TTL still expires.
	cutoff := now.Add(-r.cfg.DefaultTTL).UnixMilli()
	var candidates []evictionCandidate
	var totalBytes int64

	err = r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCache).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry cacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			totalBytes += int64(len(v))
			candidates = append(candidates, evictionCandidate{
				key: append([]byte{}, k...), size: len(v),
				lastAccessed: entry.LastAccessed, cachedAt: entry.CachedAt,
			})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chunkrelay: scan cache for eviction: %w", err)
	}

	var expired [][]byte
	var kept []evictionCandidate
	for _, cand := range candidates {
		if cand.lastAccessed*1000 < cutoff {
			expired = append(expired, cand.key)
		} else {
			kept = append(kept, cand)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].lastAccessed < kept[j].lastAccessed })
	var budgetUsed int64
	for _, cand := range kept {
		budgetUsed += int64(cand.size)
	}
	var overBudget [][]byte
	for _, cand := range kept {
		if budgetUsed <= r.cfg.MaxCacheBytes {
			break
		}
		overBudget = append(overBudget, cand.key)
		budgetUsed -= int64(cand.size)
	}

	toDelete := append(expired, overBudget...)
	if len(toDelete) == 0 {
		return 0, nil
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketCache)
		for _, k := range toDelete {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chunkrelay: evict: %w", err)
	}
	return len(toDelete), nil
}

func putInt64(buf []byte, v int64) {
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}
