// Package relayclient manages a peer's outbound control connections to
// other peers acting as WebRTC relays: connection admission,
// the open-before-announce handshake ordering, introduction forwarding,
// and periodic load reporting. Follows daemon/manager/session.go's
// mutex-guarded-map idiom and uses internal/ratelimit.TokenBucket for
// admission control.
package relayclient

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zajel/zajel/internal/ratelimit"
	"github.com/zajel/zajel/internal/signaling"
	"github.com/zajel/zajel/internal/zerr"
)

const (
	// DefaultMaxRelayConnections is the default cap on persistent relay
	// control connections.
	DefaultMaxRelayConnections = 10
	// DefaultAutoReportThreshold is how much update_local_load's counter
	// must move before an out-of-cycle load report fires.
	DefaultAutoReportThreshold = 5
	// LoadReportInterval is the periodic report cadence regardless of load
	// delta.
	LoadReportInterval = 30 * time.Second
	sourceIdLength = 16
)

// State is a relay control connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

// RelayConnection is one persistent control connection to a peer acting as
// a relay.
type RelayConnection struct {
	PeerId string
	PublicKey []byte
	ConnectedAt time.Time
	State State
}

// ErrRelayNotConnected is returned by SendIntroduction when targeting a
// relay this client has no connected control connection to.
var ErrRelayNotConnected = fmt.Errorf("%w: relay not connected", zerr.ErrState)

// DataChannelDialer is the transport seam: given a peer id, establish a
// WebRTC offer/answer and return a channel usable for sending JSON frames,
// resolving only once the channel's 'open' event fires.
type DataChannelDialer interface {
	Dial(peerId string) (Sender, error)
}

// Sender abstracts sending bytes over an already-open data channel.
type Sender interface {
	Send(b []byte) error
}

// Client manages the set of persistent relay control connections this
// device maintains.
type Client struct {
	mu sync.Mutex
	connections map[string]*RelayConnection
	senders map[string]Sender
	sourceIds map[string]string // sourceId -> peerId, this client's own routing table when acting as a relay for others
	peerSources map[string]string // peerId -> sourceId, the reverse of sourceIds, used to fill in FromSourceId when forwarding
	maxConnections int
	sourceId string
	dialer DataChannelDialer

	// admission throttles inbound relay_handshake/introduction frames this
	// client accepts while acting as a relay for others, independent of
	// the outbound connection cap above.
	admission *ratelimit.TokenBucket

	localLoad int
	lastReportedLoad int
	autoReportThresh int
}

// DefaultAdmissionRate and DefaultAdmissionBurst bound how many inbound
// relay_handshake/introduction frames this client accepts per second
// while acting as a relay for other peers.
const (
	DefaultAdmissionRate  = 20
	DefaultAdmissionBurst = 40
)

// NewClient constructs a relay Client with a persisted or freshly
// generated source id.
func NewClient(dialer DataChannelDialer, maxConnections int, persistedSourceId string) (*Client, error) {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxRelayConnections
	}
	sourceId := persistedSourceId
	if sourceId == "" {
		var err error
		sourceId, err = generateSourceId()
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		connections: make(map[string]*RelayConnection),
		senders: make(map[string]Sender),
		sourceIds: make(map[string]string),
		peerSources: make(map[string]string),
		maxConnections: maxConnections,
		sourceId: sourceId,
		dialer: dialer,
		admission: ratelimit.NewTokenBucket(DefaultAdmissionRate, DefaultAdmissionBurst),
		autoReportThresh: DefaultAutoReportThreshold,
	}, nil
}

// AllowIncomingHandshake applies admission control to an inbound
// relay_handshake or introduction frame, before this client does any work
// resolving or forwarding it. Returns false once the rate is exceeded,
// in which case the caller should drop the frame silently.
func (c *Client) AllowIncomingHandshake() bool {
	return c.admission.Allow(1)
}

func generateSourceId() (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, sourceIdLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("relayclient: generate source id: %w", err)
	}
	out := make([]byte, sourceIdLength)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// SourceId returns this device's persisted source id.
func (c *Client) SourceId() string { return c.sourceId }

// ConnectToRelays deduplicates candidates against existing connections,
// caps the batch by maxConnections, and connects concurrently,
// log-and-continuing per relay on failure: the caller's logger receives
// onError, and this package never aborts the whole batch on one relay's
// failure.
func (c *Client) ConnectToRelays(candidates []RelayConnection, onError func(peerId string, err error)) {
	c.mu.Lock()
	slots := c.maxConnections - len(c.connections)
	var toConnect []RelayConnection
	for _, cand := range candidates {
		if slots <= 0 {
			break
		}
		if _, exists := c.connections[cand.PeerId]; exists {
			continue
		}
		toConnect = append(toConnect, cand)
		slots--
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, cand := range toConnect {
		wg.Add(1)
		go func(cand RelayConnection) {
			defer wg.Done()
			if err := c.connectOne(cand); err != nil && onError != nil {
				onError(cand.PeerId, err)
			}
		}(cand)
	}
	wg.Wait()
}

// connectOne implements the handshake ordering: dial, wait for
// the returned Sender (which the dialer only returns once the data
// channel's 'open' event has fired), THEN emit Connected and send
// relay_handshake. Never emit Connected before 'open'.
func (c *Client) connectOne(cand RelayConnection) error {
	sender, err := c.dialer.Dial(cand.PeerId)
	if err != nil {
		return fmt.Errorf("relayclient: dial %s: %w", cand.PeerId, err)
	}

	handshake, err := json.Marshal(struct {
		Type     string `json:"type"`
		SourceId string `json:"sourceId"`
	}{Type: "relay_handshake", SourceId: c.sourceId})
	if err != nil {
		return fmt.Errorf("relayclient: encode relay_handshake for %s: %w", cand.PeerId, err)
	}
	if err := sender.Send(handshake); err != nil {
		return fmt.Errorf("relayclient: send relay_handshake to %s: %w", cand.PeerId, err)
	}

	c.mu.Lock()
	cand.ConnectedAt = time.Now()
	cand.State = StateConnected
	c.connections[cand.PeerId] = &cand
	c.senders[cand.PeerId] = sender
	c.mu.Unlock()
	return nil
}

// Disconnect removes a relay connection, e.g. on transport close.
func (c *Client) Disconnect(peerId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connections, peerId)
	delete(c.senders, peerId)
}

// Connected reports whether peerId is a currently connected relay.
func (c *Client) Connected(peerId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.connections[peerId]
	return ok && conn.State == StateConnected
}

// IntroductionRequest is the frame sent to a relay to forward to one of
// its other connected peers.
type IntroductionRequest struct {
	TargetSourceId string `json:"targetSourceId"`
	EncryptedPayload []byte `json:"encryptedPayload"`
}

// introductionFrame is IntroductionRequest over the wire with its type
// discriminator, matching the "type" field every other frame this client
// sends on a relay data channel carries (relay_handshake, introduction,
// introduction_forward, introduction_error).
type introductionFrame struct {
	Type string `json:"type"`
	IntroductionRequest
}

// SendIntroduction implements send_introduction: requires the
// relay to be connected, otherwise fails ErrRelayNotConnected.
func (c *Client) SendIntroduction(relayId string, req IntroductionRequest) error {
	c.mu.Lock()
	sender, ok := c.senders[relayId]
	c.mu.Unlock()
	if !ok {
		return ErrRelayNotConnected
	}
	frame, err := json.Marshal(introductionFrame{Type: "introduction", IntroductionRequest: req})
	if err != nil {
		return fmt.Errorf("relayclient: encode introduction for %s: %w", relayId, err)
	}
	return sender.Send(frame)
}

// forwardFrame and errorFrame carry signaling's IntroductionForwardMsg and
// IntroductionErrorMsg — the same shapes the (currently unused)
// introduction_forward/introduction_error WebSocket envelopes define —
// over a relay data channel instead, with the same "type" discriminator
// convention SendIntroduction uses.
type forwardFrame struct {
	Type string `json:"type"`
	signaling.IntroductionForwardMsg
}

type errorFrame struct {
	Type string `json:"type"`
	signaling.IntroductionErrorMsg
}

// ForwardIntroduction implements the relay side of send_introduction:
// having resolved targetSourceId to a connected peer via ResolveSource,
// deliver the encrypted payload to that peer's own data channel so it can
// complete the WebRTC offer/answer exchange with the introducing peer.
func (c *Client) ForwardIntroduction(targetPeerId string, msg signaling.IntroductionForwardMsg) error {
	c.mu.Lock()
	sender, ok := c.senders[targetPeerId]
	c.mu.Unlock()
	if !ok {
		return ErrRelayNotConnected
	}
	frame, err := json.Marshal(forwardFrame{Type: "introduction_forward", IntroductionForwardMsg: msg})
	if err != nil {
		return fmt.Errorf("relayclient: encode introduction_forward for %s: %w", targetPeerId, err)
	}
	return sender.Send(frame)
}

// SendIntroductionError replies to a peer whose introduction named an
// unknown sourceId, so it can stop waiting and try the next relay or dead
// drop instead of timing out.
func (c *Client) SendIntroductionError(peerId string, msg signaling.IntroductionErrorMsg) error {
	c.mu.Lock()
	sender, ok := c.senders[peerId]
	c.mu.Unlock()
	if !ok {
		return ErrRelayNotConnected
	}
	frame, err := json.Marshal(errorFrame{Type: "introduction_error", IntroductionErrorMsg: msg})
	if err != nil {
		return fmt.Errorf("relayclient: encode introduction_error for %s: %w", peerId, err)
	}
	return sender.Send(frame)
}

// RegisterInboundRelayClient records an inbound data channel from peerId
// who has just sent us a relay_handshake treating this device as ITS
// relay — the mirror image of connectOne, which populates the same
// senders map for connections we dialed out. ForwardIntroduction and
// SendIntroductionError both read from this map, so a peer we relay for
// must be registered here before any introduction naming it can be
// forwarded.
func (c *Client) RegisterInboundRelayClient(peerId string, sender Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders[peerId] = sender
}

// RegisterSource records that sourceId maps to peerId on this relay (the
// side of a peer acting AS a relay for others), used to resolve
// introduction_forward lookups.
func (c *Client) RegisterSource(sourceId, peerId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sourceIds[sourceId] = peerId
	c.peerSources[peerId] = sourceId
}

// SourceForPeer is the reverse of RegisterSource: given a connected
// relay-client's peerId, returns the sourceId it announced in its own
// relay_handshake, needed to fill in FromSourceId when forwarding one of
// its introductions on to the resolved target.
func (c *Client) SourceForPeer(peerId string) (sourceId string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sourceId, ok = c.peerSources[peerId]
	return
}

// ResolveSource looks up sourceId -> peerId when forwarding an
// introduction as a relay. Returns ok=false if unknown, in which case the
// relay should respond introduction_error{target_not_found}.
func (c *Client) ResolveSource(sourceId string) (peerId string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peerId, ok = c.sourceIds[sourceId]
	return
}

// UpdateLocalLoad implements update_local_load: updates the
// counter and reports whether an out-of-cycle report should fire because
// the delta since the last report reached autoReportThreshold.
func (c *Client) UpdateLocalLoad(n int) (shouldReport bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localLoad = n
	delta := c.localLoad - c.lastReportedLoad
	if delta < 0 {
		delta = -delta
	}
	if delta >= c.autoReportThresh {
		c.lastReportedLoad = c.localLoad
		return true
	}
	return false
}

// LocalLoad returns the last value passed to UpdateLocalLoad.
func (c *Client) LocalLoad() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localLoad
}

// Connections returns a snapshot of current relay connections.
func (c *Client) Connections() []RelayConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RelayConnection, 0, len(c.connections))
	for _, conn := range c.connections {
		out = append(out, *conn)
	}
	return out
}
