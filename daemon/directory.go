package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zajel/zajel/internal/crypto"
)

// peerRoute is everything the daemon needs to remember about a contact
// between learning it (from a live match or a decrypted dead drop) and
// finishing a WebRTC connection to it: which carrier to signal the
// offer/answer through, and the pairing shared secret dead drops and
// relay introductions are encrypted with.
type peerRoute struct {
	PeerId     string
	RelayId    string
	SourceId   string
	PublicKey  []byte
	SessionKey [32]byte
	Live       bool // learned from a LiveMatch rather than a DeadDrop
}

// peerDirectory is the daemon's single actor mapping a contact's stable
// routing identifiers to each other: peerId, the relay sourceId a dead
// drop or relay introduction names it by, and the pairing key used to
// open that dead drop or decrypt an introduction's payload. Grounded on
// internal/connection.Store's mutex-guarded-map idiom, generalized from
// trust records to routing records.
type peerDirectory struct {
	mu        sync.RWMutex
	byPeerId  map[string]*peerRoute
	bySource  map[string]string // sourceId -> peerId
}

func newPeerDirectory() *peerDirectory {
	return &peerDirectory{
		byPeerId: make(map[string]*peerRoute),
		bySource: make(map[string]string),
	}
}

func (d *peerDirectory) put(r peerRoute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := r
	d.byPeerId[r.PeerId] = &cp
	if r.SourceId != "" {
		d.bySource[r.SourceId] = r.PeerId
	}
}

func (d *peerDirectory) byPeer(peerId string) (peerRoute, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byPeerId[peerId]
	if !ok {
		return peerRoute{}, false
	}
	return *r, true
}

func (d *peerDirectory) peerForSource(sourceId string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peerId, ok := d.bySource[sourceId]
	return peerId, ok
}

// signalEnvelope is the plaintext wrapped by SealFramed when an
// offer/answer is carried inside a relay introduction instead of over the
// direct signaling-server path a live match uses.
type signalEnvelope struct {
	Kind string `json:"kind"`
	SDP  string `json:"sdp"`
}

func encryptSignal(sessionKey [32]byte, kind, sdp string) ([]byte, error) {
	plaintext, err := json.Marshal(signalEnvelope{Kind: kind, SDP: sdp})
	if err != nil {
		return nil, fmt.Errorf("directory: marshal signal envelope: %w", err)
	}
	return crypto.SealFramed(sessionKey[:], nil, plaintext)
}

func decryptSignal(sessionKey [32]byte, framed []byte) (kind, sdp string, err error) {
	plaintext, err := crypto.OpenFramed(sessionKey[:], nil, framed)
	if err != nil {
		return "", "", fmt.Errorf("directory: decrypt signal envelope: %w", err)
	}
	var env signalEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return "", "", fmt.Errorf("directory: decode signal envelope: %w", err)
	}
	return env.Kind, env.SDP, nil
}
