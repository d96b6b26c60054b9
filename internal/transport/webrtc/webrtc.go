// Package webrtc is the concrete transport underneath connection.DataChannel
// and relayclient.DataChannelDialer/Sender: one WebRTC peer connection and
// ordered data channel per remote peer, signaled through whatever carrier
// the caller wires in (the rendezvous dead drop or a relay's
// introduction_forward), not through this package.
package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/zajel/zajel/internal/relayclient"
	"github.com/zajel/zajel/internal/zerr"
)

// SignalSender ships an SDP offer or answer to the named peer over
// whatever out-of-band carrier the caller has wired (relay
// introduction, dead drop, or a live rendezvous match). kind is
// "offer" or "answer".
type SignalSender func(peerId, kind, sdp string) error

// Config holds the ICE server list data channels negotiate through.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// DefaultConfig returns a Config with a single public STUN server, enough
// to establish connectivity for peers that aren't both behind symmetric
// NATs; a production deployment should add TURN servers here.
func DefaultConfig() Config {
	return Config{ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}}
}

const dataChannelLabel = "zajel"

// gatherTimeout bounds how long Dial/HandleOffer wait for ICE gathering
// to finish before shipping an SDP with whatever candidates arrived in
// time. Non-trickle signaling keeps the offer/answer exchange to a single
// round trip, matching the relay introduction's single encryptedPayload.
const gatherTimeout = 5 * time.Second

// openTimeout bounds how long Dial waits for the remote answer and the
// resulting data channel's open event.
const openTimeout = 15 * time.Second

// Manager owns one WebRTC peer connection per remote peer and brokers
// the offer/answer exchange through an injected SignalSender. Safe for
// concurrent use.
type Manager struct {
	cfg    Config
	signal SignalSender

	mu      sync.Mutex
	peers   map[string]*webrtc.PeerConnection
	pending map[string]chan dialResult

	// onOpen is invoked once per successfully opened channel, on both the
	// offering and answering side, handing the channel off to whatever
	// owns the per-peer handshake (internal/connection.Manager in
	// practice).
	onOpen func(peerId string, ch *Channel)

	// onMessage is invoked for every inbound frame on any peer's data
	// channel. internal/connection.Manager.Dispatch is the typical
	// consumer; a peer acting as a relay also receives introduction
	// traffic on this same callback and must distinguish it by content.
	onMessage func(peerId string, data []byte)
}

type dialResult struct {
	sender *Channel
	err    error
}

// NewManager constructs a Manager. onOpen is called once a data channel
// to peerId reaches the "open" state, from either side of the exchange.
// onMessage is called for every inbound frame on any peer's channel; pass
// nil for either to discard.
func NewManager(cfg Config, signal SignalSender, onOpen func(peerId string, ch *Channel), onMessage func(peerId string, data []byte)) *Manager {
	if onOpen == nil {
		onOpen = func(string, *Channel) {}
	}
	if onMessage == nil {
		onMessage = func(string, []byte) {}
	}
	return &Manager{
		cfg:       cfg,
		signal:    signal,
		peers:     make(map[string]*webrtc.PeerConnection),
		pending:   make(map[string]chan dialResult),
		onOpen:    onOpen,
		onMessage: onMessage,
	}
}

// Channel adapts a pion data channel to the connection.DataChannel and
// relayclient.Sender interfaces, both of which only need Send/Close.
type Channel struct {
	dc *webrtc.DataChannel
}

func (c *Channel) Send(b []byte) error { return c.dc.Send(b) }
func (c *Channel) Close() error        { return c.dc.Close() }

// Dial implements relayclient.DataChannelDialer: create an offer, wait for
// ICE gathering, ship the offer via SignalSender, and block until either
// the remote answer arrives and the channel opens, or openTimeout elapses.
func (m *Manager) Dial(peerId string) (*Channel, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", zerr.ErrTransport, err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: boolPtr(true)})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: create data channel: %v", zerr.ErrTransport, err)
	}

	result := make(chan dialResult, 1)
	m.mu.Lock()
	m.peers[peerId] = pc
	m.pending[peerId] = result
	m.mu.Unlock()

	dc.OnOpen(func() {
		ch := &Channel{dc: dc}
		m.onOpen(peerId, ch)
		m.deliver(peerId, dialResult{sender: ch})
	})
	dc.OnClose(func() {
		m.mu.Lock()
		delete(m.peers, peerId)
		m.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.onMessage(peerId, msg.Data)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.abort(peerId, pc)
		return nil, fmt.Errorf("%w: create offer: %v", zerr.ErrTransport, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		m.abort(peerId, pc)
		return nil, fmt.Errorf("%w: set local description: %v", zerr.ErrTransport, err)
	}
	waitGather(gatherComplete)

	if err := m.signal(peerId, "offer", pc.LocalDescription().SDP); err != nil {
		m.abort(peerId, pc)
		return nil, fmt.Errorf("%w: send offer: %v", zerr.ErrTransport, err)
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		return res.sender, nil
	case <-time.After(openTimeout):
		m.abort(peerId, pc)
		return nil, fmt.Errorf("%w: data channel to %s did not open in time", zerr.ErrTransport, peerId)
	}
}

// HandleRemoteSDP processes an incoming offer or answer for peerId,
// arriving through the same out-of-band carrier Dial's offer went out
// on. On an offer it creates the answering side's peer connection,
// waits for its own ICE gathering, and ships the answer back through
// SignalSender. On an answer it completes an in-flight Dial.
func (m *Manager) HandleRemoteSDP(peerId, kind, sdp string) error {
	switch kind {
	case "offer":
		return m.handleOffer(peerId, sdp)
	case "answer":
		return m.handleAnswer(peerId, sdp)
	default:
		return fmt.Errorf("%w: unknown sdp kind %q", zerr.ErrProtocol, kind)
	}
}

func (m *Manager) handleOffer(peerId, sdp string) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %v", zerr.ErrTransport, err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			m.onOpen(peerId, &Channel{dc: dc})
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			m.onMessage(peerId, msg.Data)
		})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		pc.Close()
		return fmt.Errorf("%w: set remote description: %v", zerr.ErrTransport, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("%w: create answer: %v", zerr.ErrTransport, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("%w: set local description: %v", zerr.ErrTransport, err)
	}
	waitGather(gatherComplete)

	m.mu.Lock()
	m.peers[peerId] = pc
	m.mu.Unlock()

	if err := m.signal(peerId, "answer", pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("%w: send answer: %v", zerr.ErrTransport, err)
	}
	return nil
}

func (m *Manager) handleAnswer(peerId, sdp string) error {
	m.mu.Lock()
	pc, ok := m.peers[peerId]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: answer from %s with no pending offer", zerr.ErrState, peerId)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		m.deliver(peerId, dialResult{err: fmt.Errorf("%w: set remote description: %v", zerr.ErrTransport, err)})
		return err
	}
	return nil
}

func (m *Manager) deliver(peerId string, res dialResult) {
	m.mu.Lock()
	ch, ok := m.pending[peerId]
	delete(m.pending, peerId)
	m.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (m *Manager) abort(peerId string, pc *webrtc.PeerConnection) {
	m.mu.Lock()
	delete(m.peers, peerId)
	delete(m.pending, peerId)
	m.mu.Unlock()
	pc.Close()
}

// Close tears down every peer connection this manager owns, e.g. on
// daemon shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for peerId, pc := range m.peers {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.peers, peerId)
	}
	return firstErr
}

func waitGather(complete <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), gatherTimeout)
	defer cancel()
	select {
	case <-complete:
	case <-ctx.Done():
		// Proceed with whatever candidates gathered so far; non-trickle
		// signaling degrades to fewer candidates rather than blocking
		// the handshake indefinitely.
	}
}

func boolPtr(b bool) *bool { return &b }

// RelayDialer adapts Manager.Dial to relayclient.DataChannelDialer, whose
// Dial signature needs to return the relayclient.Sender interface type
// rather than the concrete *Channel Manager.Dial returns.
type RelayDialer struct{ M *Manager }

func (d RelayDialer) Dial(peerId string) (relayclient.Sender, error) {
	ch, err := d.M.Dial(peerId)
	if err != nil {
		return nil, err
	}
	return ch, nil
}
