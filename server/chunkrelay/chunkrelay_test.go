package chunkrelay

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/boltdb/bolt"

	"github.com/zajel/zajel/internal/chunkengine"
	"github.com/zajel/zajel/internal/signaling"
)

type fakeSender struct {
	mu         sync.Mutex
	online     map[string]bool
	pulls      []string
	dataSent   []signaling.ChunkDataMsg
	notFound   []string
	available  []signaling.ChunkAvailableMsg
	pullTarget []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{online: make(map[string]bool)}
}

func (f *fakeSender) SendChunkPull(peerId string, msg signaling.ChunkPullMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, msg.ChunkId)
	f.pullTarget = append(f.pullTarget, peerId)
	return nil
}

func (f *fakeSender) SendChunkData(peerId string, msg signaling.ChunkDataMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataSent = append(f.dataSent, msg)
	return nil
}

func (f *fakeSender) SendChunkNotFound(peerId string, msg signaling.ChunkNotFoundMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notFound = append(f.notFound, peerId)
	return nil
}

func (f *fakeSender) SendChunkAvailable(peerId string, msg signaling.ChunkAvailableMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = append(f.available, msg)
	return nil
}

func (f *fakeSender) PeerOnline(peerId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[peerId]
}

func cacheAccessCount(t *testing.T, r *Relay, chunkId string) int64 {
	t.Helper()
	var entry cacheEntry
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCache).Get([]byte(chunkId))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		t.Fatalf("cacheAccessCount: %v", err)
	}
	return entry.AccessCount
}

func openTestRelay(t *testing.T) *Relay {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	r, err := Open(path, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRequestChunkNotFoundKeepsRequesterPending(t *testing.T) {
	r := openTestRelay(t)
	sender := newFakeSender()

	if err := r.RequestChunk("requester1", signaling.ChunkRequestMsg{ChunkId: "c1"}, sender); err != nil {
		t.Fatalf("RequestChunk: %v", err)
	}
	if len(sender.notFound) != 1 || sender.notFound[0] != "requester1" {
		t.Fatalf("expected chunk_not_found to requester1, got %v", sender.notFound)
	}

	r.mu.Lock()
	waiting := len(r.pending["c1"])
	r.mu.Unlock()
	if waiting != 1 {
		t.Fatalf("expected requester to remain pending, got %d", waiting)
	}
}

func TestAnnounceNotifiesWaitingRequester(t *testing.T) {
	r := openTestRelay(t)
	sender := newFakeSender()

	if err := r.RequestChunk("requester1", signaling.ChunkRequestMsg{ChunkId: "c1"}, sender); err != nil {
		t.Fatalf("RequestChunk: %v", err)
	}

	if err := r.HandleAnnounce("source1", signaling.ChunkAnnounceMsg{
		PeerId: "source1", ChannelId: "chanA",
		Chunks: []signaling.ChunkDescriptor{{ChunkId: "c1", RoutingHash: "rh"}},
	}, sender); err != nil {
		t.Fatalf("HandleAnnounce: %v", err)
	}

	if len(sender.available) != 1 || sender.available[0].ChunkId != "c1" {
		t.Fatalf("expected chunk_available for c1, got %+v", sender.available)
	}
}

func TestRequestChunkPullsFromOnlineSource(t *testing.T) {
	r := openTestRelay(t)
	sender := newFakeSender()
	sender.online["source1"] = true

	if err := r.HandleAnnounce("source1", signaling.ChunkAnnounceMsg{
		PeerId: "source1", ChannelId: "chanA",
		Chunks: []signaling.ChunkDescriptor{{ChunkId: "c1", RoutingHash: "rh"}},
	}, sender); err != nil {
		t.Fatalf("HandleAnnounce: %v", err)
	}

	if err := r.RequestChunk("requester1", signaling.ChunkRequestMsg{ChunkId: "c1"}, sender); err != nil {
		t.Fatalf("RequestChunk: %v", err)
	}

	if len(sender.pulls) != 1 || sender.pulls[0] != "c1" || sender.pullTarget[0] != "source1" {
		t.Fatalf("expected one chunk_pull to source1 for c1, got pulls=%v targets=%v", sender.pulls, sender.pullTarget)
	}
}

func TestRequestChunkDoesNotDoubleDispatchPull(t *testing.T) {
	r := openTestRelay(t)
	sender := newFakeSender()
	sender.online["source1"] = true
	if err := r.HandleAnnounce("source1", signaling.ChunkAnnounceMsg{
		Chunks: []signaling.ChunkDescriptor{{ChunkId: "c1"}},
	}, sender); err != nil {
		t.Fatalf("HandleAnnounce: %v", err)
	}

	if err := r.RequestChunk("requester1", signaling.ChunkRequestMsg{ChunkId: "c1"}, sender); err != nil {
		t.Fatalf("RequestChunk 1: %v", err)
	}
	if err := r.RequestChunk("requester2", signaling.ChunkRequestMsg{ChunkId: "c1"}, sender); err != nil {
		t.Fatalf("RequestChunk 2: %v", err)
	}

	if len(sender.pulls) != 1 {
		t.Fatalf("expected at most one concurrent pull per chunkId, got %d", len(sender.pulls))
	}
	r.mu.Lock()
	waiting := len(r.pending["c1"])
	r.mu.Unlock()
	if waiting != 2 {
		t.Fatalf("expected both requesters queued, got %d", waiting)
	}
}

func TestHandlePushFansOutAndCaches(t *testing.T) {
	r := openTestRelay(t)
	sender := newFakeSender()
	sender.online["source1"] = true
	if err := r.HandleAnnounce("source1", signaling.ChunkAnnounceMsg{
		Chunks: []signaling.ChunkDescriptor{{ChunkId: "c1"}},
	}, sender); err != nil {
		t.Fatalf("HandleAnnounce: %v", err)
	}
	if err := r.RequestChunk("requester1", signaling.ChunkRequestMsg{ChunkId: "c1"}, sender); err != nil {
		t.Fatalf("RequestChunk: %v", err)
	}

	chunk := chunkengine.Chunk{ChunkId: "c1", ChannelId: "chanA", EncryptedPayload: []byte{1, 2, 3}}
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	if err := r.HandlePush(signaling.ChunkPushMsg{PeerId: "source1", ChunkId: "c1", ChannelId: "chanA", Data: data}, sender); err != nil {
		t.Fatalf("HandlePush: %v", err)
	}

	if len(sender.dataSent) != 1 || sender.dataSent[0].ChunkId != "c1" {
		t.Fatalf("expected fan-out chunk_data to requester1, got %+v", sender.dataSent)
	}

	// A fresh request should now hit the cache without another pull.
	sender2 := newFakeSender()
	if err := r.RequestChunk("requester2", signaling.ChunkRequestMsg{ChunkId: "c1"}, sender2); err != nil {
		t.Fatalf("RequestChunk after cache: %v", err)
	}
	if len(sender2.dataSent) != 1 {
		t.Fatalf("expected cache hit to serve requester2 directly, got %+v", sender2.dataSent)
	}
	if len(sender2.pulls) != 0 {
		t.Fatalf("expected no chunk_pull on a cache hit, got %v", sender2.pulls)
	}
}

// TestHandlePushFanOutIncrementsAccessCountPerWaiter covers spec.md §8
// scenario 3: three concurrent chunk_requests satisfied by one push must
// leave the cache entry's access_count at 3, not 0.
func TestHandlePushFanOutIncrementsAccessCountPerWaiter(t *testing.T) {
	r := openTestRelay(t)
	sender := newFakeSender()
	sender.online["source1"] = true
	if err := r.HandleAnnounce("source1", signaling.ChunkAnnounceMsg{
		Chunks: []signaling.ChunkDescriptor{{ChunkId: "c1"}},
	}, sender); err != nil {
		t.Fatalf("HandleAnnounce: %v", err)
	}

	for _, requester := range []string{"requester1", "requester2", "requester3"} {
		if err := r.RequestChunk(requester, signaling.ChunkRequestMsg{ChunkId: "c1"}, sender); err != nil {
			t.Fatalf("RequestChunk(%s): %v", requester, err)
		}
	}
	if len(sender.pulls) != 1 {
		t.Fatalf("expected a single chunk_pull for the first requester, got %v", sender.pulls)
	}

	chunk := chunkengine.Chunk{ChunkId: "c1", ChannelId: "chanA", EncryptedPayload: []byte{1, 2, 3}}
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	if err := r.HandlePush(signaling.ChunkPushMsg{PeerId: "source1", ChunkId: "c1", ChannelId: "chanA", Data: data}, sender); err != nil {
		t.Fatalf("HandlePush: %v", err)
	}

	if len(sender.dataSent) != 3 {
		t.Fatalf("expected all 3 waiters to be fanned out to, got %+v", sender.dataSent)
	}
	if got := cacheAccessCount(t, r, "c1"); got != 3 {
		t.Fatalf("expected access_count 3 after fanning out to 3 waiters, got %d", got)
	}
}

func TestHandlePushRejectsOversizedChunk(t *testing.T) {
	r := openTestRelay(t)
	sender := newFakeSender()
	chunk := chunkengine.Chunk{ChunkId: "c1", EncryptedPayload: make([]byte, chunkengine.MaxPieceSize+1)}
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	if err := r.HandlePush(signaling.ChunkPushMsg{ChunkId: "c1", Data: data}, sender); err == nil {
		t.Fatalf("expected an error for an oversized chunk push")
	}
}

func TestHandlePeerDisconnectRemovesSources(t *testing.T) {
	r := openTestRelay(t)
	sender := newFakeSender()
	sender.online["source1"] = true
	if err := r.HandleAnnounce("source1", signaling.ChunkAnnounceMsg{
		Chunks: []signaling.ChunkDescriptor{{ChunkId: "c1"}},
	}, sender); err != nil {
		t.Fatalf("HandleAnnounce: %v", err)
	}

	if err := r.HandlePeerDisconnect("source1"); err != nil {
		t.Fatalf("HandlePeerDisconnect: %v", err)
	}

	if _, ok := r.onlineSource("c1", sender); ok {
		t.Fatalf("expected no sources left for c1 after disconnect")
	}
}

func TestEvictRemovesExpiredEntries(t *testing.T) {
	r := openTestRelay(t)
	r.cfg.DefaultTTL = time.Millisecond
	sender := newFakeSender()
	chunk := chunkengine.Chunk{ChunkId: "c1", EncryptedPayload: []byte{1}}
	data, _ := json.Marshal(chunk)
	if err := r.HandlePush(signaling.ChunkPushMsg{ChunkId: "c1", Data: data}, sender); err != nil {
		t.Fatalf("HandlePush: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	removed, err := r.Evict(time.Now())
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", removed)
	}
}
