// Package dispatch is the signaling WebSocket server: it accepts one
// connection per peer, dispatches each inbound envelope by type to the
// relay registry, rendezvous registry, or chunk relay, and implements
// chunkrelay.PeerSender so the relay can push chunk_pull/chunk_data/
// chunk_not_found/chunk_available back out to specific peers.
//
// Grounded on relay/main.go's accept-loop/health/metrics/pprof/shutdown
// idiom, translated from a QUIC stream-forwarding loop to WebSocket
// envelope dispatch.
package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zajel/zajel/internal/observability"
	"github.com/zajel/zajel/internal/signaling"
	"github.com/zajel/zajel/server/chunkrelay"
	"github.com/zajel/zajel/server/relayregistry"
	"github.com/zajel/zajel/server/rendezvousregistry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// conn is one connected peer's live WebSocket plus its bookkeeping.
type conn struct {
	id     string
	peerId string
	ws     *websocket.Conn
	mu     sync.Mutex
}

func (c *conn) writeEnvelope(msgType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(signaling.Envelope{Type: msgType, Payload: body})
}

// Server is the WebSocket signaling dispatcher. One per process.
type Server struct {
	relays      *relayregistry.Registry
	rendezvous  *rendezvousregistry.Registry
	chunks      *chunkrelay.Relay
	metrics     *observability.Metrics
	log         *observability.Logger

	mu    sync.Mutex
	conns map[string]*conn // peerId -> conn, once registered
}

// New constructs a Server wired to the three server-side registries.
func New(relays *relayregistry.Registry, chunks *chunkrelay.Relay, metrics *observability.Metrics, log *observability.Logger) *Server {
	s := &Server{
		relays:  relays,
		chunks:  chunks,
		metrics: metrics,
		log:     log,
		conns:   make(map[string]*conn),
	}
	s.rendezvous = rendezvousregistry.New(s.pushMatch)
	return s
}

func (s *Server) pushMatch(otherPeerId string, m rendezvousregistry.Match) {
	s.mu.Lock()
	c, ok := s.conns[otherPeerId]
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.RendezvousMatchesTotal.Inc()
	}
	_ = c.writeEnvelope(signaling.TypeRendezvousMatch, signaling.RendezvousMatchMsg{
		Match: signaling.LiveMatchMsg{PeerId: m.SelfPeerId, RelayId: m.RelayId},
	})
}

// --- chunkrelay.PeerSender ---

func (s *Server) SendChunkPull(peerId string, msg signaling.ChunkPullMsg) error {
	return s.sendTo(peerId, signaling.TypeChunkPull, msg)
}

func (s *Server) SendChunkData(peerId string, msg signaling.ChunkDataMsg) error {
	return s.sendTo(peerId, signaling.TypeChunkData, msg)
}

func (s *Server) SendChunkNotFound(peerId string, msg signaling.ChunkNotFoundMsg) error {
	return s.sendTo(peerId, signaling.TypeChunkNotFound, msg)
}

func (s *Server) SendChunkAvailable(peerId string, msg signaling.ChunkAvailableMsg) error {
	return s.sendTo(peerId, signaling.TypeChunkAvailable, msg)
}

func (s *Server) PeerOnline(peerId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[peerId]
	return ok
}

func (s *Server) sendTo(peerId, msgType string, msg any) error {
	s.mu.Lock()
	c, ok := s.conns[peerId]
	s.mu.Unlock()
	if !ok {
		return nil // peer went offline between lookup and send; caller already handles not-found paths
	}
	return c.writeEnvelope(msgType, msg)
}

// HandleWS upgrades r to a WebSocket and runs the connection's read loop
// until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{id: uuid.NewString(), ws: ws}
	defer s.onDisconnect(c)

	for {
		var env signaling.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		s.handleEnvelope(c, env)
	}
}

func (s *Server) handleEnvelope(c *conn, env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeRegister:
		s.handleRegister(c, env.Payload)
	case signaling.TypeRegisterRendezvous:
		s.handleRegisterRendezvous(c, env.Payload)
	case signaling.TypeUpdateLoad:
		s.handleUpdateLoad(c, env.Payload)
	case signaling.TypeChunkAnnounce:
		s.handleChunkAnnounce(c, env.Payload)
	case signaling.TypeChunkRequest:
		s.handleChunkRequest(c, env.Payload)
	case signaling.TypeChunkRequestMeta:
		s.handleChunkRequestMeta(c, env.Payload)
	case signaling.TypeChunkPush:
		s.handleChunkPush(c, env.Payload)
	case signaling.TypeSignalOffer:
		s.handleSignal(c, signaling.TypeSignalOffer, env.Payload)
	case signaling.TypeSignalAnswer:
		s.handleSignal(c, signaling.TypeSignalAnswer, env.Payload)
	default:
		s.warnf("dispatch: unknown envelope type %q from conn %s", env.Type, c.id)
	}
}

func (s *Server) handleRegister(c *conn, raw json.RawMessage) {
	var msg signaling.RegisterMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.warnf("dispatch: malformed register: %v", err)
		return
	}
	c.peerId = msg.PeerId
	s.mu.Lock()
	s.conns[msg.PeerId] = c
	s.mu.Unlock()

	s.relays.Register(msg.PeerId, msg.PublicKey, msg.MaxConnections)
	if s.metrics != nil {
		s.metrics.RelayRegistrySize.Set(float64(s.relays.Count()))
	}

	available := s.relays.AvailableRelays(msg.PeerId, 10)
	relays := make([]signaling.RelayInfo, 0, len(available))
	for _, e := range available {
		relays = append(relays, signaling.RelayInfo{PeerId: e.PeerId, PublicKey: e.PublicKey, Capacity: e.MaxConnections})
	}
	_ = c.writeEnvelope(signaling.TypeRegistered, signaling.RegisteredMsg{Relays: relays})
}

func (s *Server) handleRegisterRendezvous(c *conn, raw json.RawMessage) {
	var msg signaling.RegisterRendezvousMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.warnf("dispatch: malformed register_rendezvous: %v", err)
		return
	}

	dailyDrops := s.rendezvous.RegisterDailyPoints(msg.PeerId, msg.DailyPoints, msg.DeadDrop, msg.RelayId)
	hourlyDrops := s.rendezvous.RegisterHourlyTokens(msg.PeerId, msg.HourlyTokens, msg.DeadDrop, msg.RelayId)
	if s.metrics != nil {
		s.metrics.RendezvousRegistrationsTotal.WithLabelValues("daily").Inc()
		s.metrics.RendezvousRegistrationsTotal.WithLabelValues("hourly").Inc()
		s.metrics.DeadDropsDeliveredTotal.Add(float64(len(dailyDrops) + len(hourlyDrops)))
	}

	_ = c.writeEnvelope(signaling.TypeRendezvousResult, signaling.RendezvousResultMsg{
		DeadDrops: append(dailyDrops, hourlyDrops...),
	})
}

func (s *Server) handleUpdateLoad(c *conn, raw json.RawMessage) {
	var msg signaling.UpdateLoadMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.warnf("dispatch: malformed update_load: %v", err)
		return
	}
	s.relays.UpdateLoad(msg.PeerId, msg.ConnectedCount)
}

// handleSignal forwards a live-match offer/answer to its ToPeerId, with
// FromPeerId rewritten to the sender's own registered peerId so the
// recipient can reply without having learned the sender's identity any
// other way. Silently dropped if the target isn't currently connected or
// the sender hasn't registered yet — the webrtc.Manager dial on the
// sending side will simply time out.
func (s *Server) handleSignal(c *conn, msgType string, raw json.RawMessage) {
	var msg signaling.SignalMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.warnf("dispatch: malformed %s: %v", msgType, err)
		return
	}
	if c.peerId == "" || msg.ToPeerId == "" {
		return
	}
	target := msg.ToPeerId
	msg.FromPeerId = c.peerId
	msg.ToPeerId = ""
	if err := s.sendTo(target, msgType, msg); err != nil {
		s.warnf("dispatch: forward %s: %v", msgType, err)
	}
}

func (s *Server) handleChunkAnnounce(c *conn, raw json.RawMessage) {
	var msg signaling.ChunkAnnounceMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.warnf("dispatch: malformed chunk_announce: %v", err)
		return
	}
	if err := s.chunks.HandleAnnounce(msg.PeerId, msg, s); err != nil {
		s.warnf("dispatch: handle chunk_announce: %v", err)
	}
}

func (s *Server) handleChunkRequest(c *conn, raw json.RawMessage) {
	var msg signaling.ChunkRequestMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.warnf("dispatch: malformed chunk_request: %v", err)
		return
	}
	if err := s.chunks.RequestChunk(msg.PeerId, msg, s); err != nil {
		s.warnf("dispatch: handle chunk_request: %v", err)
	}
}

// handleChunkRequestMeta answers a by-metadata chunk lookup. The relay's
// cache and source tables are keyed by chunkId, not by
// (routingHash, sequence, chunkIndex); a requester using this path has no
// chunkId yet to look up, so there is nothing this server can resolve it
// against: the request is only logged and no reply is sent.
// The requester's normal chunk_announce/chunk_available cycle still
// recovers the chunk once a source announces it by id.
func (s *Server) handleChunkRequestMeta(c *conn, raw json.RawMessage) {
	var msg signaling.ChunkRequestMetaMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.warnf("dispatch: malformed chunk_request_meta: %v", err)
		return
	}
	s.warnf("dispatch: chunk_request_meta from %s has no chunkId index to resolve against", msg.PeerId)
}

func (s *Server) handleChunkPush(c *conn, raw json.RawMessage) {
	var msg signaling.ChunkPushMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.warnf("dispatch: malformed chunk_push: %v", err)
		return
	}
	if err := s.chunks.HandlePush(msg, s); err != nil {
		s.warnf("dispatch: handle chunk_push: %v", err)
	}
}

func (s *Server) onDisconnect(c *conn) {
	_ = c.ws.Close()
	if c.peerId == "" {
		return
	}
	s.mu.Lock()
	delete(s.conns, c.peerId)
	s.mu.Unlock()

	s.relays.Remove(c.peerId)
	s.rendezvous.Remove(c.peerId)
	if err := s.chunks.HandlePeerDisconnect(c.peerId); err != nil {
		s.warnf("dispatch: handle peer disconnect for %s: %v", c.peerId, err)
	}
	if s.metrics != nil {
		s.metrics.RelayRegistrySize.Set(float64(s.relays.Count()))
	}
}

func (s *Server) warnf(format string, args ...any) {
	if s.log != nil {
		s.log.Warn(fmt.Sprintf(format, args...))
	}
}
