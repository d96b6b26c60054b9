package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zajel/zajel/internal/rendezvous"
	"github.com/zajel/zajel/internal/zerr"
)

// Client is a persistent WebSocket connection to one signaling server,
// following the WSTransport idiom: a dial-with-timeout
// constructor, a mutex-guarded conn, and a background read loop that
// dispatches by message type instead of correlating request/response ids
// (this protocol is push-heavy, not request/response).
type Client struct {
	url string
	dialTimeout time.Duration
	writeTimeout time.Duration

	mu sync.Mutex
	conn *websocket.Conn

	handlers map[string]func(json.RawMessage)
	matches chan RendezvousMatchMsg
	pullReqs chan ChunkPullMsg
	chunkData chan ChunkDataMsg
	chunkAvail chan ChunkAvailableMsg
	chunkMiss chan ChunkNotFoundMsg
	signals chan SignalMsg
}

// NewClient constructs a Client bound to url (e.g. "wss://relay.example/ws").
func NewClient(url string) *Client {
	c := &Client{
		url: url,
		dialTimeout: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		handlers: make(map[string]func(json.RawMessage)),
		matches: make(chan RendezvousMatchMsg, 32),
		pullReqs: make(chan ChunkPullMsg, 32),
		chunkData: make(chan ChunkDataMsg, 32),
		chunkAvail: make(chan ChunkAvailableMsg, 32),
		chunkMiss: make(chan ChunkNotFoundMsg, 32),
		signals: make(chan SignalMsg, 32),
	}
	c.handlers[TypeRendezvousMatch] = func(raw json.RawMessage) {
		var m RendezvousMatchMsg
		if json.Unmarshal(raw, &m) == nil {
			c.matches <- m
		}
	}
	c.handlers[TypeChunkPull] = func(raw json.RawMessage) {
		var m ChunkPullMsg
		if json.Unmarshal(raw, &m) == nil {
			c.pullReqs <- m
		}
	}
	c.handlers[TypeChunkData] = func(raw json.RawMessage) {
		var m ChunkDataMsg
		if json.Unmarshal(raw, &m) == nil {
			c.chunkData <- m
		}
	}
	c.handlers[TypeChunkAvailable] = func(raw json.RawMessage) {
		var m ChunkAvailableMsg
		if json.Unmarshal(raw, &m) == nil {
			c.chunkAvail <- m
		}
	}
	c.handlers[TypeChunkNotFound] = func(raw json.RawMessage) {
		var m ChunkNotFoundMsg
		if json.Unmarshal(raw, &m) == nil {
			c.chunkMiss <- m
		}
	}
	signalHandler := func(raw json.RawMessage) {
		var m SignalMsg
		if json.Unmarshal(raw, &m) == nil {
			c.signals <- m
		}
	}
	c.handlers[TypeSignalOffer] = signalHandler
	c.handlers[TypeSignalAnswer] = signalHandler
	return c
}

// Connect dials the signaling server and starts the background read loop.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	dialer := &websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: signaling dial %s: %v", zerr.ErrTransport, c.url, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if handler, ok := c.handlers[env.Type]; ok {
			handler(env.Payload)
		}
	}
}

func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%w: signaling client not connected", zerr.ErrState)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", zerr.ErrValidation, msgType, err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(Envelope{Type: msgType, Payload: body})
}

// Register sends the "register" message and does not wait for
// "registered" synchronously; callers needing the relay list should read
// it from a dedicated handler registered via OnRegistered.
func (c *Client) Register(msg RegisterMsg) error { return c.send(TypeRegister, msg) }

// OnRegistered installs a handler for the server's "registered" reply.
func (c *Client) OnRegistered(fn func(RegisteredMsg)) {
	c.handlers[TypeRegistered] = func(raw json.RawMessage) {
		var m RegisteredMsg
		if json.Unmarshal(raw, &m) == nil {
			fn(m)
		}
	}
}

// UpdateLoad sends "update_load".
func (c *Client) UpdateLoad(msg UpdateLoadMsg) error { return c.send(TypeUpdateLoad, msg) }

// Matches returns the channel rendezvous_match pushes are delivered on.
func (c *Client) Matches() <-chan RendezvousMatchMsg { return c.matches }

// ChunkPulls returns the channel chunk_pull pushes are delivered on.
func (c *Client) ChunkPulls() <-chan ChunkPullMsg { return c.pullReqs }

// ChunkData returns the channel chunk_data pushes are delivered on.
func (c *Client) ChunkData() <-chan ChunkDataMsg { return c.chunkData }

// ChunkAvailable returns the channel chunk_available pushes are delivered
// on.
func (c *Client) ChunkAvailable() <-chan ChunkAvailableMsg { return c.chunkAvail }

// ChunkNotFound returns the channel chunk_not_found pushes are delivered
// on.
func (c *Client) ChunkNotFound() <-chan ChunkNotFoundMsg { return c.chunkMiss }

// Signals returns the channel signal_offer/signal_answer pushes from other
// peers are delivered on, consumed by the daemon's live-match connection
// loop to feed webrtc.Manager.HandleRemoteSDP.
func (c *Client) Signals() <-chan SignalMsg { return c.signals }

// SendSignal implements webrtc.SignalSender for live matches: ships an
// offer or answer to toPeerId through this already-open connection to the
// signaling server, which forwards it because both peers are registered
// there.
func (c *Client) SendSignal(toPeerId, kind, sdp string) error {
	return c.send(signalEnvelopeType(kind), SignalMsg{ToPeerId: toPeerId, Kind: kind, SDP: sdp})
}

func signalEnvelopeType(kind string) string {
	if kind == "answer" {
		return TypeSignalAnswer
	}
	return TypeSignalOffer
}

// ChunkAnnounce sends "chunk_announce".
func (c *Client) ChunkAnnounce(msg ChunkAnnounceMsg) error { return c.send(TypeChunkAnnounce, msg) }

// ChunkRequest sends "chunk_request".
func (c *Client) ChunkRequest(msg ChunkRequestMsg) error { return c.send(TypeChunkRequest, msg) }

// ChunkRequestMeta sends "chunk_request_meta".
func (c *Client) ChunkRequestMeta(msg ChunkRequestMetaMsg) error {
	return c.send(TypeChunkRequestMeta, msg)
}

// ChunkPush sends "chunk_push".
func (c *Client) ChunkPush(msg ChunkPushMsg) error { return c.send(TypeChunkPush, msg) }

// RegisterRendezvous implements rendezvous.Signaler over this client,
// correlating the synchronous rendezvous_result reply with the request
// via a one-shot handler swap (the protocol has exactly one rendezvous
// round-trip in flight per Service.RegisterForPeer call in practice).
func (c *Client) RegisterRendezvous(req rendezvous.RegistrationRequest) (rendezvous.RegistrationResult, error) {
	resultCh := make(chan RendezvousResultMsg, 1)
	c.handlers[TypeRendezvousResult] = func(raw json.RawMessage) {
		var m RendezvousResultMsg
		if json.Unmarshal(raw, &m) == nil {
			select {
			case resultCh <- m:
			default:
			}
		}
	}

	msg := RegisterRendezvousMsg{
		PeerId: req.PeerId,
		DailyPoints: req.DailyPoints,
		HourlyTokens: req.HourlyTokens,
		DeadDrop: req.DeadDrop,
		RelayId: req.RelayId,
	}
	if err := c.send(TypeRegisterRendezvous, msg); err != nil {
		return rendezvous.RegistrationResult{}, err
	}

	select {
	case res := <-resultCh:
		out := rendezvous.RegistrationResult{DeadDrops: res.DeadDrops}
		for _, lm := range res.LiveMatches {
			out.LiveMatches = append(out.LiveMatches, rendezvous.LiveMatch{PeerId: lm.PeerId, RelayId: lm.RelayId})
		}
		return out, nil
	case <-time.After(60 * time.Second):
		// Give up after 60s; the caller's retry loop tries again next cycle.
		return rendezvous.RegistrationResult{}, fmt.Errorf("%w: rendezvous_result timed out", zerr.ErrTransport)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
