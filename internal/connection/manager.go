package connection

import (
	"fmt"
	"sync"

	"github.com/zajel/zajel/internal/crypto"
	"github.com/zajel/zajel/internal/zerr"
)

// DataChannel is the minimal transport seam this package depends on; the
// platform layer supplies a real implementation over a WebRTC data
// channel.
type DataChannel interface {
	Send(b []byte) error
	Close() error
}

// Connection is one peer's live data channel plus derived session state.
type Connection struct {
	PeerId string
	StableId string
	Channel DataChannel
	SessionKey crypto.SessionKey
	State *PeerConnectionState
	Router *Router
}

// Manager owns the connections map — the single actor serializing access
// to it— plus the shared peer store and system-message sink.
// Grounded on daemon/manager/session.go's mutex-guarded-map idiom.
type Manager struct {
	mu sync.Mutex
	connections map[string]*Connection
	store *Store
	ourPrivate *[32]byte
	systemSink func(SystemMessage)

	disposed bool
}

// NewManager constructs a Manager. systemSink receives key-rotation and
// other connection-manager-generated chat messages; pass nil to discard
// them (tests typically do).
func NewManager(store *Store, ourPrivate *[32]byte, systemSink func(SystemMessage)) *Manager {
	if systemSink == nil {
		systemSink = func(SystemMessage) {}
	}
	return &Manager{
		connections: make(map[string]*Connection),
		store: store,
		ourPrivate: ourPrivate,
		systemSink: systemSink,
	}
}

// BeginHandshake registers a not-yet-handshaked connection under peerId so
// CompleteHandshake's post-await existence check has something to find
// (or not find, if the peer disconnected in the meantime).
func (m *Manager) BeginHandshake(peerId string, ch DataChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	state := NewPeerConnectionState()
	_ = state.TransitionTo(StateDiscovering)
	_ = state.TransitionTo(StateIntroducing)
	_ = state.TransitionTo(StateDataChannelOpening)
	_ = state.TransitionTo(StateHandshakePending)
	m.connections[peerId] = &Connection{PeerId: peerId, Channel: ch, State: state, Router: NewRouter(64)}
}

// Remove drops peerId's connection, e.g. on channel close.
func (m *Manager) Remove(peerId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[peerId]; ok {
		if conn.State.Current() == StateConnected {
			_ = conn.State.TransitionTo(StateDisconnected)
		}
		conn.Router.Dispose()
		delete(m.connections, peerId)
	}
}

// Get returns the live connection for peerId, or nil.
func (m *Manager) Get(peerId string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections[peerId]
}

// CompleteHandshake implements steps 1-5 end to end: processes
// the peer's handshake JSON against the shared store, then — after the
// await inherent in crypto.EstablishSession — re-checks that peerId is
// still present in the connections map before promoting it to Connected.
// If the peer disconnected mid-handshake, this logs nothing itself (the
// caller's logger should) and returns ErrState rather than panicking on a
// missing map entry.
func (m *Manager) CompleteHandshake(peerId string, raw []byte) (HandshakeOutcome, error) {
	outcome, err := HandleIncomingHandshake(m.store, m.ourPrivate, raw)
	if err != nil {
		return HandshakeOutcome{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[peerId]
	if !ok {
		// The peer may have disconnected mid-handshake. Abort this peer
		// only; do not affect others.
		return HandshakeOutcome{}, fmt.Errorf("%w: connection %s vanished during handshake", zerr.ErrState, peerId)
	}

	conn.StableId = outcome.StableId
	conn.SessionKey = outcome.SessionKey
	if err := conn.State.TransitionTo(StateConnected); err != nil {
		return HandshakeOutcome{}, fmt.Errorf("%w: %v", zerr.ErrState, err)
	}

	for _, sysMsg := range outcome.SystemMessages {
		m.systemSink(sysMsg)
	}
	return outcome, nil
}

// AutoAcceptAllowed implements "Auto-accept is driven by
// presence of trusted record keyed by stableId (not public key), so it
// survives key rotation."
func (m *Manager) AutoAcceptAllowed(stableId string) bool {
	rec := m.store.Get(stableId)
	return rec != nil && rec.BlockedSince == nil
}

// Dispatch decrypts an inbound frame with the connection's session key and
// routes the plaintext through its Router. Decrypt failures are logged by
// the caller and dropped here without closing the connection.
func (m *Manager) Dispatch(peerId string, framed []byte) error {
	conn := m.Get(peerId)
	if conn == nil {
		return fmt.Errorf("%w: no connection for peer %s", zerr.ErrState, peerId)
	}
	plaintext, err := crypto.OpenFramed(conn.SessionKey.Key[:], nil, framed)
	if err != nil {
		return fmt.Errorf("%w: decrypt inbound from %s: %v", zerr.ErrCrypto, peerId, err)
	}
	conn.Router.Route(peerId, plaintext)
	return nil
}

// Send encrypts plaintext with the connection's session key and sends it.
func (m *Manager) Send(peerId string, plaintext []byte) error {
	conn := m.Get(peerId)
	if conn == nil {
		return fmt.Errorf("%w: no connection for peer %s", zerr.ErrState, peerId)
	}
	framed, err := crypto.SealFramed(conn.SessionKey.Key[:], nil, plaintext)
	if err != nil {
		return fmt.Errorf("%w: encrypt outbound to %s: %v", zerr.ErrCrypto, peerId, err)
	}
	return conn.Channel.Send(framed)
}

// Dispose tears down every connection. Guarded by a disposed flag so a
// later, redundant Dispose call is a no-op's dispose contract.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	for id, conn := range m.connections {
		conn.Router.Dispose()
		_ = conn.Channel.Close()
		delete(m.connections, id)
	}
}
