// Package chunksync drives the client side of chunk distribution: it
// answers the server's chunk_pull requests out of the local chunk store,
// tracks our own in-flight chunk_request calls so we never ask twice for
// the same chunk while one is outstanding, and re-announces local chunks
// on a timer so the swarm rediscovers us after a reconnect.
//
// Follows daemon/service/transfer.go's service-struct-plus-injected-store
// shape, generalized from a single file-transfer session to an
// open-ended set of channels and chunks.
package chunksync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zajel/zajel/internal/chunkengine"
	"github.com/zajel/zajel/internal/observability"
	"github.com/zajel/zajel/internal/signaling"
)

// ForegroundReannounceInterval is the re-announce cadence while the app is
// in the foreground.
const ForegroundReannounceInterval = 5 * time.Minute

// BackgroundReannounceInterval is the re-announce cadence while running as
// a mobile background task; longer to conserve battery and radio wakeups.
const BackgroundReannounceInterval = 15 * time.Minute

// Store is the local chunk persistence this service reads from and writes
// to. internal/store's SQLite-backed implementation satisfies this.
type Store interface {
	// SaveChunk persists c, received for channelId, so it can later be
	// served to other peers and reassembled into a payload.
	SaveChunk(channelId string, c chunkengine.Chunk) error
	// ChunkByID looks up a locally held chunk without already knowing
	// its channel — chunk_pull only carries a chunkId.
	ChunkByID(chunkId string) (c chunkengine.Chunk, channelId string, ok bool, err error)
	// ChunksByChannel lists every chunk held locally for channelId, used
	// to rebuild an announce on each re-announce tick.
	ChunksByChannel(channelId string) ([]chunkengine.Chunk, error)
	// Channels lists every channel this device currently holds chunks
	// for.
	Channels() ([]string, error)
}

// Transport is the subset of *signaling.Client the sync service drives.
// Defined as an interface so tests can substitute a fake without dialing
// a real server.
type Transport interface {
	ChunkAnnounce(msg signaling.ChunkAnnounceMsg) error
	ChunkRequest(msg signaling.ChunkRequestMsg) error
	ChunkRequestMeta(msg signaling.ChunkRequestMetaMsg) error
	ChunkPush(msg signaling.ChunkPushMsg) error
	ChunkPulls() <-chan signaling.ChunkPullMsg
	ChunkData() <-chan signaling.ChunkDataMsg
	ChunkAvailable() <-chan signaling.ChunkAvailableMsg
	ChunkNotFound() <-chan signaling.ChunkNotFoundMsg
}

// Service is the client-side chunk sync actor: one per device, driving
// one Transport against one Store.
type Service struct {
	peerId    string
	transport Transport
	store     Store
	log       *observability.Logger

	background atomic.Bool

	mu      sync.Mutex
	pending map[string]string // chunkId -> channelId, requests awaiting chunk_data

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService constructs a Service. log may be nil to discard logging
// (tests typically pass nil).
func NewService(peerId string, transport Transport, store Store, log *observability.Logger) *Service {
	return &Service{
		peerId:    peerId,
		transport: transport,
		store:     store,
		log:       log,
		pending:   make(map[string]string),
		stopCh:    make(chan struct{}),
	}
}

// SetBackground switches the re-announce cadence between foreground and
// background intervals; the platform layer calls this when the app
// transitions to or from a background task.
func (s *Service) SetBackground(background bool) { s.background.Store(background) }

func (s *Service) reannounceInterval() time.Duration {
	if s.background.Load() {
		return BackgroundReannounceInterval
	}
	return ForegroundReannounceInterval
}

func (s *Service) warnf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Warn(fmt.Sprintf(format, args...))
	}
}

func (s *Service) debugf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Debug(fmt.Sprintf(format, args...))
	}
}

// Start launches the pull-handling loop and the periodic re-announce
// loop; both exit when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.runEventLoop(ctx)
	go s.runReannounceLoop(ctx)
}

// Stop cancels both loops. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) runEventLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case msg, ok := <-s.transport.ChunkPulls():
			if !ok {
				return
			}
			s.handlePull(msg)
		case msg, ok := <-s.transport.ChunkData():
			if !ok {
				return
			}
			s.handleData(msg)
		case msg, ok := <-s.transport.ChunkAvailable():
			if !ok {
				return
			}
			s.handleAvailable(msg)
		case msg, ok := <-s.transport.ChunkNotFound():
			if !ok {
				return
			}
			s.handleNotFound(msg)
		}
	}
}

func (s *Service) runReannounceLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		timer := time.NewTimer(s.reannounceInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.announceAll()
		}
	}
}

// handlePull answers a chunk_pull by looking the chunk up locally and
// pushing it back; chunk_pull carries only a chunkId, so the store must
// resolve the owning channel itself.
func (s *Service) handlePull(msg signaling.ChunkPullMsg) {
	c, channelId, ok, err := s.store.ChunkByID(msg.ChunkId)
	if err != nil {
		s.warnf("chunksync: look up pulled chunk %s: %v", msg.ChunkId, err)
		return
	}
	if !ok {
		// We were asked for a chunk we no longer hold (evicted locally
		// or never had); there is no "I don't have it" reply in the
		// catalog, so we simply drop the pull.
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		s.warnf("chunksync: marshal chunk %s for push: %v", msg.ChunkId, err)
		return
	}
	push := signaling.ChunkPushMsg{PeerId: s.peerId, ChunkId: msg.ChunkId, ChannelId: channelId, Data: data}
	if err := s.transport.ChunkPush(push); err != nil {
		s.warnf("chunksync: push chunk %s: %v", msg.ChunkId, err)
	}
}

// decodeChunkData unmarshals a chunk_data/chunk_push payload that is
// either a JSON object or a JSON-encoded string; a server of this
// protocol may send either shape for the same field.
func decodeChunkData(raw json.RawMessage) (chunkengine.Chunk, error) {
	var c chunkengine.Chunk
	if err := json.Unmarshal(raw, &c); err == nil && c.ChunkId != "" {
		return c, nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return chunkengine.Chunk{}, fmt.Errorf("chunk data is neither an object nor a JSON string: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), &c); err != nil {
		return chunkengine.Chunk{}, fmt.Errorf("unmarshal string-encoded chunk data: %w", err)
	}
	return c, nil
}

// handleData processes a server-delivered chunk: saves it, clears the
// pending request, and immediately re-announces it so this device
// becomes a source for the swarm without waiting for the next periodic
// re-announce.
func (s *Service) handleData(msg signaling.ChunkDataMsg) {
	c, err := decodeChunkData(msg.Data)
	if err != nil {
		// Malformed chunk_data is logged at WARN, not DEBUG: a prior
		// incident had this at DEBUG and a whole swarm went silently
		// dark without anyone noticing.
		s.warnf("chunksync: malformed chunk_data for %s: %v", msg.ChunkId, err)
		return
	}
	if err := s.store.SaveChunk(msg.ChannelId, c); err != nil {
		s.warnf("chunksync: save chunk %s: %v", msg.ChunkId, err)
		return
	}

	s.mu.Lock()
	delete(s.pending, msg.ChunkId)
	s.mu.Unlock()

	if err := s.AnnounceChunks(msg.ChannelId, []chunkengine.Chunk{c}); err != nil {
		s.warnf("chunksync: swarm-seed announce for %s: %v", msg.ChunkId, err)
	}
}

// handleAvailable retries any still-pending request named by msg.
func (s *Service) handleAvailable(msg signaling.ChunkAvailableMsg) {
	ids := msg.ChunkIds
	if msg.ChunkId != "" {
		ids = append(ids, msg.ChunkId)
	}
	for _, id := range ids {
		s.mu.Lock()
		channelId, stillPending := s.pending[id]
		s.mu.Unlock()
		if !stillPending {
			continue
		}
		if channelId == "" {
			channelId = msg.ChannelId
		}
		if err := s.transport.ChunkRequest(signaling.ChunkRequestMsg{PeerId: s.peerId, ChunkId: id, ChannelId: channelId}); err != nil {
			s.warnf("chunksync: retry request for %s after chunk_available: %v", id, err)
		}
	}
}

// handleNotFound logs and leaves the request pending: the server keeps
// us registered and will push chunk_available once a source appears.
func (s *Service) handleNotFound(msg signaling.ChunkNotFoundMsg) {
	s.warnf("chunksync: chunk_not_found for %s, staying pending", msg.ChunkId)
}

// RequestChunk asks the server for chunkId, deduplicating against any
// already-outstanding request for the same chunk.
func (s *Service) RequestChunk(channelId, chunkId string) error {
	s.mu.Lock()
	if _, already := s.pending[chunkId]; already {
		s.mu.Unlock()
		return nil
	}
	s.pending[chunkId] = channelId
	s.mu.Unlock()

	if err := s.transport.ChunkRequest(signaling.ChunkRequestMsg{PeerId: s.peerId, ChunkId: chunkId, ChannelId: channelId}); err != nil {
		s.mu.Lock()
		delete(s.pending, chunkId)
		s.mu.Unlock()
		return fmt.Errorf("chunksync: request chunk %s: %w", chunkId, err)
	}
	return nil
}

// RequestChunkMeta asks for a chunk by its metadata coordinates when the
// chunkId itself isn't known yet (e.g. reassembling a gap by index).
func (s *Service) RequestChunkMeta(routingHash string, sequence uint64, chunkIndex uint32) error {
	return s.transport.ChunkRequestMeta(signaling.ChunkRequestMetaMsg{
		PeerId:      s.peerId,
		RoutingHash: routingHash,
		Sequence:    sequence,
		ChunkIndex:  chunkIndex,
	})
}

// AnnounceChunks registers this device as a source for chunks within
// channelId.
func (s *Service) AnnounceChunks(channelId string, chunks []chunkengine.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	descs := make([]signaling.ChunkDescriptor, 0, len(chunks))
	for _, c := range chunks {
		descs = append(descs, signaling.ChunkDescriptor{ChunkId: c.ChunkId, RoutingHash: c.RoutingHash})
	}
	return s.transport.ChunkAnnounce(signaling.ChunkAnnounceMsg{PeerId: s.peerId, ChannelId: channelId, Chunks: descs})
}

// announceAll re-announces every locally held chunk, one chunk_announce
// per channel, on the periodic re-announce cadence.
func (s *Service) announceAll() {
	channels, err := s.store.Channels()
	if err != nil {
		s.warnf("chunksync: list channels for re-announce: %v", err)
		return
	}
	for _, channelId := range channels {
		chunks, err := s.store.ChunksByChannel(channelId)
		if err != nil {
			s.warnf("chunksync: list chunks for channel %s: %v", channelId, err)
			continue
		}
		if err := s.AnnounceChunks(channelId, chunks); err != nil {
			s.warnf("chunksync: re-announce channel %s: %v", channelId, err)
			continue
		}
		s.debugf("chunksync: re-announced %d chunk(s) for channel %s", len(chunks), channelId)
	}
}
