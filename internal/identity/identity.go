// Package identity manages a device's long-lived zajel identity: the
// 64-bit StableId, its 6-word mnemonic encoding, and the X25519/Ed25519
// keypairs kept in the on-disk keystore.
package identity

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"

	"github.com/zajel/zajel/internal/crypto"
)

// Identity is a device's persistent zajel identity.
type Identity struct {
	StableId uint64
	Encryption *crypto.X25519KeyPair
}

// Tag returns the first 4 hex chars of the StableId, used in the
// "Username#TAG" display form.
func (id Identity) Tag() string {
	return fmt.Sprintf("%016x", id.StableId)[:4]
}

// DisplayName formats the "Username#TAG" display identity.
func (id Identity) DisplayName(username string) string {
	return fmt.Sprintf("%s#%s", username, id.Tag())
}

// DefaultPaths returns the default StableId preferences path and keystore
// path under the user's home directory.
func DefaultPaths() (stableIDPath, keystorePath string, err error) {
	h, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(h, ".zajel")
	return filepath.Join(dir, "stable_id"), filepath.Join(dir, "identity.key"), nil
}

// LoadOrCreate loads the identity from stableIDPath/keystorePath, generating
// a fresh StableId and X25519 keypair on first run. The StableId is kept in
// plain preferences; the
// private key is wrapped by keystore.go, optionally with passphrase.
func LoadOrCreate(stableIDPath, keystorePath, passphrase string) (*Identity, error) {
	if stableIDPath == "" {
		p, k, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		stableIDPath, keystorePath = p, k
	}

	stableID, err := loadStableID(stableIDPath)
	if err == nil {
		loadPath := keystorePath
		if passphrase == "" {
			// SaveKey stores an unencrypted key under a ".insecure" suffix.
			loadPath += ".insecure"
		}
		priv, lerr := crypto.LoadKey(loadPath, passphrase)
		if lerr != nil {
			return nil, fmt.Errorf("load identity key: %w", lerr)
		}
		kp, kerr := keypairFromPrivate(priv)
		if kerr != nil {
			return nil, kerr
		}
		return &Identity{StableId: stableID, Encryption: kp}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	kp, stableID, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(stableIDPath), 0o700); err != nil {
		return nil, err
	}
	if err := saveStableID(stableIDPath, stableID); err != nil {
		return nil, err
	}
	if err := crypto.SaveKey(kp.PrivateKey[:], keystorePath, passphrase); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return &Identity{StableId: stableID, Encryption: kp}, nil
}

func keypairFromPrivate(priv []byte) (*crypto.X25519KeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("identity: stored key has wrong size %d, want 32", len(priv))
	}
	var kp crypto.X25519KeyPair
	copy(kp.PrivateKey[:], priv)
	kp.PublicKey = derivePublic(kp.PrivateKey)
	return &kp, nil
}

func derivePublic(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

func loadStableID(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("identity: stable id file has wrong size %d, want 8", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func saveStableID(path string, id uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return os.WriteFile(path, b[:], 0o600)
}

// ToMnemonic encodes a StableId as a 6-word mnemonic drawn from the BIP-39
// English wordlist. This is not standard BIP-39 (64 bits doesn't divide
// evenly into BIP-39's supported entropy sizes): the 64 bits are padded
// with two leading zero bits to 66 bits and split into six 11-bit word
// indices.
func ToMnemonic(stableID uint64) string {
	wordlist := bip39.GetWordList()
	words := make([]string, 6)
	for i := 0; i < 6; i++ {
		shift := uint(55 - 11*i)
		var idx uint64
		if shift >= 64 {
			idx = (stableID << (shift - 64)) & 0x7FF
		} else {
			idx = (stableID >> shift) & 0x7FF
		}
		words[i] = wordlist[idx]
	}
	return strings.Join(words, " ")
}

// FromMnemonic reverses ToMnemonic. Returns an error if a word is not in
// the BIP-39 English wordlist.
func FromMnemonic(mnemonic string) (uint64, error) {
	wordlist := bip39.GetWordList()
	index := make(map[string]uint64, len(wordlist))
	for i, w := range wordlist {
		index[w] = uint64(i)
	}

	words := strings.Fields(mnemonic)
	if len(words) != 6 {
		return 0, fmt.Errorf("identity: mnemonic must have 6 words, got %d", len(words))
	}

	var acc uint64
	for _, w := range words {
		idx, ok := index[strings.ToLower(w)]
		if !ok {
			return 0, fmt.Errorf("identity: %q is not a valid mnemonic word", w)
		}
		acc = (acc << 11) | idx
	}
	return acc, nil
}
