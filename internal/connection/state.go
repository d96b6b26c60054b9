package connection

import (
	"sync"

	"github.com/zajel/zajel/internal/zerr"
)

// State is one state in the per-peer connection state machine. Follows
// daemon/manager/session.go's TransitionTo-with-validTransitions idiom.
type State int

const (
	StateDisconnected State = iota
	StateDiscovering
	StateIntroducing
	StateDataChannelOpening
	StateHandshakePending
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateDiscovering:
		return "DISCOVERING"
	case StateIntroducing:
		return "INTRODUCING"
	case StateDataChannelOpening:
		return "DATA_CHANNEL_OPENING"
	case StateHandshakePending:
		return "HANDSHAKE_PENDING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateDisconnected: {StateDiscovering},
	StateDiscovering: {StateIntroducing, StateDisconnected},
	StateIntroducing: {StateDataChannelOpening, StateDisconnected},
	StateDataChannelOpening: {StateHandshakePending, StateDisconnected},
	StateHandshakePending: {StateConnected, StateDisconnected},
	StateConnected: {StateDisconnected},
}

// PeerConnectionState is one peer's state machine instance. Every state
// other than Disconnected can revert directly to Disconnected (e.g. on
// channel close); forward transitions follow the table above one step at
// a time.
type PeerConnectionState struct {
	mu sync.RWMutex
	state State
}

// NewPeerConnectionState starts a peer in StateDisconnected.
func NewPeerConnectionState() *PeerConnectionState {
	return &PeerConnectionState{state: StateDisconnected}
}

// Current returns the current state.
func (p *PeerConnectionState) Current() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// TransitionTo validates and applies a state transition.
func (p *PeerConnectionState) TransitionTo(next State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, allowed := range validTransitions[p.state] {
		if allowed == next {
			p.state = next
			return nil
		}
	}
	return zerr.ErrState
}
