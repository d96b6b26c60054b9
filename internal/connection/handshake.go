package connection

import (
	"encoding/json"
	"fmt"

	"github.com/zajel/zajel/internal/crypto"
)

// HandshakeMessage is the JSON each side exchanges after the data channel
// opens: {publicKey, stableId, username}.
type HandshakeMessage struct {
	PublicKey []byte `json:"publicKey"`
	StableId string `json:"stableId,omitempty"`
	Username string `json:"username"`
}

// EncodeHandshake marshals a HandshakeMessage for sending.
func EncodeHandshake(msg HandshakeMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// ResolveStableId implements step 1: if the incoming handshake
// omitted stableId (legacy peer), derive SHA-256(publicKey)[0:16].
func ResolveStableId(msg HandshakeMessage) string {
	if msg.StableId != "" {
		return msg.StableId
	}
	return crypto.LegacyStableIDFromPublicKey(msg.PublicKey)
}

// SystemMessage is a connection-manager-generated chat message, distinct
// from peer content.
type SystemMessage struct {
	PeerId string
	Text string
}

const KeyRotationSystemText = "Safety number changed. Tap to verify."

// HandshakeOutcome summarizes what HandleIncomingHandshake did, so callers
// can decide whether to surface a system message or proceed to establish
// a session.
type HandshakeOutcome struct {
	StableId string
	SessionKey crypto.SessionKey
	KeyRotated bool
	SystemMessages []SystemMessage
	LegacyPeer bool
}

// HandleIncomingHandshake implements steps 1-4: resolve the
// stable id, look up the trusted record, detect key rotation, and
// establish the session key. It does not perform step 5 (the post-await
// connections re-check) — that is Manager.CompleteHandshake's job, since
// it depends on the manager's connection table, not this package's pure
// crypto/store logic.
func HandleIncomingHandshake(store *Store, ourPrivate *[32]byte, raw []byte) (HandshakeOutcome, error) {
	var msg HandshakeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return HandshakeOutcome{}, fmt.Errorf("connection: decode handshake: %w", err)
	}

	stableId := ResolveStableId(msg)
	legacy := msg.StableId == ""

	var theirPub [32]byte
	if len(msg.PublicKey) != 32 {
		return HandshakeOutcome{}, fmt.Errorf("connection: handshake public key must be 32 bytes, got %d", len(msg.PublicKey))
	}
	copy(theirPub[:], msg.PublicKey)

	outcome := HandshakeOutcome{StableId: stableId, LegacyPeer: legacy}

	if rec := store.Get(stableId); rec != nil {
		if string(rec.PublicKey) != string(msg.PublicKey) {
			if err := store.RecordKeyRotation(stableId, msg.PublicKey); err != nil {
				return HandshakeOutcome{}, err
			}
			outcome.KeyRotated = true
			outcome.SystemMessages = append(outcome.SystemMessages, SystemMessage{
					PeerId: stableId,
					Text: KeyRotationSystemText,
				})
		}
	} else {
		store.Trust(PeerRecord{StableId: stableId, PublicKey: msg.PublicKey})
	}

	sk, err := crypto.EstablishSession(ourPrivate, &theirPub)
	if err != nil {
		return HandshakeOutcome{}, fmt.Errorf("connection: establish session: %w", err)
	}
	outcome.SessionKey = sk
	return outcome, nil
}
