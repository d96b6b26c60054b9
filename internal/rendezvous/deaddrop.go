package rendezvous

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zajel/zajel/internal/crypto"
)

// DeadDrop is the plaintext connection-info envelope a peer leaves behind
// at a meeting point so it can be found later.
type DeadDrop struct {
	PublicKey []byte `json:"publicKey"`
	StableId uint64 `json:"stableId"`
	RelayId string `json:"relayId"`
	SourceId string `json:"sourceId"`
	IP string `json:"ip,omitempty"`
	Port int `json:"port,omitempty"`
	FallbackRelays []string `json:"fallbackRelays,omitempty"`
	Timestamp int64 `json:"timestamp"`
}

// ErrDeadDropDecryptFailed is returned when a dead drop fails to decrypt or
// fails to unmarshal once decrypted.
var ErrDeadDropDecryptFailed = fmt.Errorf("dead drop: decrypt or decode failed")

// PackageDeadDrop encrypts a DeadDrop for the intended peer's current
// public key, using ChaCha20-Poly1305 with a random nonce prepended.
func PackageDeadDrop(drop DeadDrop, sessionKey [32]byte) ([]byte, error) {
	drop.Timestamp = time.Now().Unix()
	plaintext, err := json.Marshal(drop)
	if err != nil {
		return nil, fmt.Errorf("dead drop: marshal: %w", err)
	}
	return crypto.SealFramed(sessionKey[:], nil, plaintext)
}

// OpenDeadDrop decrypts and unmarshals a dead drop packaged with
// PackageDeadDrop. Any failure collapses to ErrDeadDropDecryptFailed so
// callers can surface a uniform stale-peer warning
func OpenDeadDrop(framed []byte, sessionKey [32]byte) (*DeadDrop, error) {
	plaintext, err := crypto.OpenFramed(sessionKey[:], nil, framed)
	if err != nil {
		return nil, ErrDeadDropDecryptFailed
	}
	var drop DeadDrop
	if err := json.Unmarshal(plaintext, &drop); err != nil {
		return nil, ErrDeadDropDecryptFailed
	}
	return &drop, nil
}

// Age returns how long ago the dead drop was packaged.
func (d DeadDrop) Age() time.Duration {
	return time.Since(time.Unix(d.Timestamp, 0))
}

// IsStale reports whether the dead drop is old enough that a direct IP
// connect attempt should be skipped in favor of relay routing.
func (d DeadDrop) IsStale() bool {
	return d.Age() >= time.Hour
}
