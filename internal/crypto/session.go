package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sessionInfo is the HKDF domain separation string for 1:1 session keys.
// Known limitation: there is no ephemeral component, so the
// same identity keypair between two peers always yields the same session
// key, documented, not a bug, flagged for a future ratchet upgrade.
const sessionInfo = "zajel:session:v1"

// channelContentInfoFmt is the HKDF info string for per-epoch channel
// content keys.
const channelContentInfoFmt = "zajel_channel_content_epoch_%d"

// EstablishSession performs X25519 ECDH between our private key and the
// peer's public key, then derives a 32-byte session key with HKDF-SHA256
// using an empty salt and the "zajel:session:v1" info string.
func EstablishSession(ourPrivate, theirPublic *[32]byte) (SessionKey, error) {
	shared, err := X25519Exchange(ourPrivate, theirPublic)
	if err != nil {
		return SessionKey{}, newErr(KindKeyMismatch, fmt.Sprintf("crypto: session establish: %v", err))
	}

	reader := hkdf.New(sha256.New, shared[:], nil, []byte(sessionInfo))
	var sk SessionKey
	if _, err := io.ReadFull(reader, sk.Key[:]); err != nil {
		return SessionKey{}, newErr(KindInternal, fmt.Sprintf("crypto: hkdf expand: %v", err))
	}
	return sk, nil
}

// DeriveChannelContentKey derives the symmetric key used to encrypt/decrypt
// channel chunk payloads for a given key epoch, plus
// a 12-byte IVBase used to derive deterministic per-piece nonces (see
// DeriveChunkNonce) so splitting one logical message into many pieces never
// risks nonce reuse under the same content key.
// ikm is the channel's current X25519 encryption private key.
func DeriveChannelContentKey(ikm []byte, epoch uint32) (key [32]byte, ivBase [12]byte, err error) {
	info := fmt.Sprintf(channelContentInfoFmt, epoch)
	reader := hkdf.New(sha256.New, ikm, nil, []byte(info))
	var out [44]byte
	if _, rerr := io.ReadFull(reader, out[:]); rerr != nil {
		return key, ivBase, newErr(KindInternal, fmt.Sprintf("crypto: channel key derive: %v", rerr))
	}
	copy(key[:], out[:32])
	copy(ivBase[:], out[32:44])
	return key, ivBase, nil
}
