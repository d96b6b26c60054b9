package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKeySize is returned when the provided key is not 32 bytes.
	ErrInvalidKeySize = errors.New("key must be exactly 32 bytes for ChaCha20-Poly1305")

	// ErrInvalidNonceSize is returned when the provided nonce is not 12 bytes.
	ErrInvalidNonceSize = errors.New("nonce must be exactly 12 bytes")

	// ErrAuthenticationFailed is returned when Poly1305 tag verification fails.
	ErrAuthenticationFailed = errors.New("authentication failed: ciphertext has been tampered with")
)

// Seal encrypts and authenticates plaintext using ChaCha20-Poly1305.
// AAD is authenticated but not encrypted; use it for context like
// chunk index or channel id to prevent splicing across contexts.
//
// Security: never reuse the same nonce with the same key.
func Seal(key []byte, nonce []byte, aad []byte, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonceSize, len(nonce))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and verifies ciphertext produced by Seal. Never returns
// partial plaintext on authentication failure.
func Open(key []byte, nonce []byte, aad []byte, ciphertext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonceSize, len(nonce))
	}
	if len(ciphertext) < chacha20poly1305.Overhead {
		return nil, errors.New("ciphertext too short (must be at least 16 bytes for tag)")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// SealFramed encrypts plaintext and prepends a fresh random 12-byte nonce to
// the result, matching the "bytes = nonce‖ciphertext‖mac" wire format used
// for dead drops, peer messages, and chunk payloads alike.
func SealFramed(key []byte, aad []byte, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// OpenFramed reverses SealFramed: it splits the leading 12-byte nonce from
// framed and decrypts the remainder.
func OpenFramed(key []byte, aad []byte, framed []byte) ([]byte, error) {
	if len(framed) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: framed payload too short", ErrInvalidEncoding)
	}
	nonce := framed[:chacha20poly1305.NonceSize]
	ciphertext := framed[chacha20poly1305.NonceSize:]
	return Open(key, nonce, aad, ciphertext)
}
