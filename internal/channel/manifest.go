// Package channel implements broadcast-channel manifests, admin delegation
// and key-epoch rotation, using a JSON-manifest idiom that builds a
// signed owner/admin model instead of a file-transfer profile bag.
package channel

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zajel/zajel/internal/crypto"
	"github.com/zajel/zajel/internal/zerr"
)

// Role is the local device's relationship to a channel.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
	RoleSubscriber Role = "subscriber"
)

// AdminKey is one delegated admin entry in a manifest.
type AdminKey struct {
	Key ed25519.PublicKey `json:"key"`
	Label string `json:"label"`
}

// Rules controls what subscribers and admins may publish.
type Rules struct {
	RepliesEnabled bool `json:"repliesEnabled"`
	PollsEnabled bool `json:"pollsEnabled"`
	MaxUpstreamSize int `json:"maxUpstreamSize"`
	AllowedTypes []string `json:"allowedTypes"`
}

// DefaultRules returns the text-only baseline rule set new channels start
// with.
func DefaultRules() Rules {
	return Rules{RepliesEnabled: true, PollsEnabled: false, MaxUpstreamSize: 0, AllowedTypes: []string{"text"}}
}

// Manifest is the signed JSON document defining a channel's identity,
// admins, current encryption key and rules.
type Manifest struct {
	ChannelId string `json:"channelId"`
	Name string `json:"name"`
	Description string `json:"description"`
	OwnerKey ed25519.PublicKey `json:"ownerKey"`
	AdminKeys []AdminKey `json:"adminKeys"`
	CurrentEncryptKey [32]byte `json:"currentEncryptKey"`
	KeyEpoch uint32 `json:"keyEpoch"`
	Rules Rules `json:"rules"`
	Signature []byte `json:"signature,omitempty"`
}

// signable produces the canonical signable form: the manifest fields in
// fixed order, JSON-encoded with no whitespace, signature excluded.
func (m Manifest) signable() []byte {
	type wire struct {
		ChannelId string `json:"channelId"`
		Name string `json:"name"`
		Description string `json:"description"`
		OwnerKey ed25519.PublicKey `json:"ownerKey"`
		AdminKeys []AdminKey `json:"adminKeys"`
		CurrentEncryptKey [32]byte `json:"currentEncryptKey"`
		KeyEpoch uint32 `json:"keyEpoch"`
		Rules Rules `json:"rules"`
	}
	w := wire{m.ChannelId, m.Name, m.Description, m.OwnerKey, m.AdminKeys, m.CurrentEncryptKey, m.KeyEpoch, m.Rules}
	buf, err := json.Marshal(w)
	if err != nil {
		// Marshal of a fixed, finite struct never fails; a panic here would
		// indicate a programmer error in the wire struct, not bad input.
		panic(fmt.Sprintf("channel: manifest not marshalable: %v", err))
	}
	return buf
}

// ChannelIDFromOwnerKey computes the channel id: the first 16 bytes of
// SHA-256(ownerKey), hex-encoded.
func ChannelIDFromOwnerKey(ownerKey ed25519.PublicKey) string {
	sum := sha256.Sum256(ownerKey)
	return hex.EncodeToString(sum[:16])
}

// SignManifest signs m with ownerPriv and returns a copy with Signature set.
func SignManifest(m Manifest, ownerPriv ed25519.PrivateKey) Manifest {
	m.Signature = crypto.SignEd25519(ownerPriv, m.signable())
	return m
}

// VerifyManifest reports whether m's signature is valid under m.OwnerKey.
// It does not check the TOFU pin; callers must compare m.OwnerKey against
// their own pinned key separately, since pinning is per-subscriber state
// this package does not hold.
func VerifyManifest(m Manifest) bool {
	return crypto.VerifyEd25519(m.OwnerKey, m.signable(), m.Signature)
}

// Create implements create_channel: generates a fresh Ed25519
// owner keypair and X25519 encryption keypair, derives the channel id,
// sets keyEpoch=0, and signs the manifest.
func Create(name, description string, rules Rules) (Manifest, *crypto.Ed25519KeyPair, *crypto.X25519KeyPair, error) {
	ownerKP, err := crypto.GenerateEd25519()
	if err != nil {
		return Manifest{}, nil, nil, fmt.Errorf("%w: generate owner key: %v", zerr.ErrCrypto, err)
	}
	encKP, err := crypto.GenerateX25519()
	if err != nil {
		return Manifest{}, nil, nil, fmt.Errorf("%w: generate encryption key: %v", zerr.ErrCrypto, err)
	}
	m := Manifest{
		ChannelId: ChannelIDFromOwnerKey(ownerKP.PublicKey),
		Name: name,
		Description: description,
		OwnerKey: ownerKP.PublicKey,
		AdminKeys: nil,
		CurrentEncryptKey: encKP.PublicKey,
		KeyEpoch: 0,
		Rules: rules,
	}
	m = SignManifest(m, ownerKP.PrivateKey)
	return m, ownerKP, encKP, nil
}

// AppointAdmin implements appoint_admin: only the owner may call
// this (enforced by requiring ownerPriv matching m.OwnerKey); rejects a
// duplicate or owner-equal key.
func AppointAdmin(m Manifest, ownerPriv ed25519.PrivateKey, adminPub ed25519.PublicKey, label string) (Manifest, error) {
	if !bytes.Equal(ed25519.PrivateKey(ownerPriv).Public().(ed25519.PublicKey), m.OwnerKey) {
		return Manifest{}, fmt.Errorf("%w: appoint_admin requires the owner key", zerr.ErrAuth)
	}
	if bytes.Equal(adminPub, m.OwnerKey) {
		return Manifest{}, fmt.Errorf("%w: admin key equals owner key", zerr.ErrValidation)
	}
	for _, a := range m.AdminKeys {
		if bytes.Equal(a.Key, adminPub) {
			return Manifest{}, fmt.Errorf("%w: admin already present", zerr.ErrValidation)
		}
	}
	m.AdminKeys = append(append([]AdminKey{}, m.AdminKeys...), AdminKey{Key: adminPub, Label: label})
	return SignManifest(m, ownerPriv), nil
}

// RemoveAdmin implements remove_admin: owner-only, drops the
// admin, rotates the encryption keypair, bumps keyEpoch, re-signs. Returns
// the new manifest and the new encryption private key (the caller must
// persist it; old chunks signed by the removed admin remain valid under
// the old epoch, only future publishes by them fail verification).
func RemoveAdmin(m Manifest, ownerPriv ed25519.PrivateKey, adminPub ed25519.PublicKey) (Manifest, *crypto.X25519KeyPair, error) {
	if !bytes.Equal(ed25519.PrivateKey(ownerPriv).Public().(ed25519.PublicKey), m.OwnerKey) {
		return Manifest{}, nil, fmt.Errorf("%w: remove_admin requires the owner key", zerr.ErrAuth)
	}
	kept := make([]AdminKey, 0, len(m.AdminKeys))
	found := false
	for _, a := range m.AdminKeys {
		if bytes.Equal(a.Key, adminPub) {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return Manifest{}, nil, fmt.Errorf("%w: admin not present", zerr.ErrNotFound)
	}
	newEncKP, err := crypto.GenerateX25519()
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("%w: rotate encryption key: %v", zerr.ErrCrypto, err)
	}
	m.AdminKeys = kept
	m.CurrentEncryptKey = newEncKP.PublicKey
	m.KeyEpoch++
	return SignManifest(m, ownerPriv), newEncKP, nil
}

// UpdateRules implements update_rules: owner-only, re-signs.
func UpdateRules(m Manifest, ownerPriv ed25519.PrivateKey, rules Rules) (Manifest, error) {
	if !bytes.Equal(ed25519.PrivateKey(ownerPriv).Public().(ed25519.PublicKey), m.OwnerKey) {
		return Manifest{}, fmt.Errorf("%w: update_rules requires the owner key", zerr.ErrAuth)
	}
	m.Rules = rules
	return SignManifest(m, ownerPriv), nil
}

// IsAuthorizedPublisher reports whether pub is the owner or a current admin
// of m.
func IsAuthorizedPublisher(m Manifest, pub ed25519.PublicKey) bool {
	if bytes.Equal(pub, m.OwnerKey) {
		return true
	}
	for _, a := range m.AdminKeys {
		if bytes.Equal(a.Key, pub) {
			return true
		}
	}
	return false
}

// Channel is the full local record for a channel a device participates
// in. Private key fields are only populated according to
// Role: EncryptionKeyPrivate for owner/admin/subscriber with the key,
// OwnerSigningKeyPrivate only for the owner, AdminSigningKeyPrivate only
// for an admin.
type Channel struct {
	Id string
	Role Role
	Manifest Manifest
	EncryptionKeyPrivate *[32]byte
	OwnerSigningKeyPrivate ed25519.PrivateKey
	AdminSigningKeyPrivate ed25519.PrivateKey
	TrustedOwnerKey ed25519.PublicKey
	CreatedAt time.Time
}

// InviteLink encodes a subscriber invite:
// zajel://channel/<base64url(JSON{m:manifest,k:encryptionPrivateKey})>.
type InviteLink struct {
	Manifest Manifest `json:"m"`
	EncryptionPrivateKey [32]byte `json:"k"`
}
