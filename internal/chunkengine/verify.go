package chunkengine

import (
	"bytes"
	"fmt"

	"github.com/zajel/zajel/internal/channel"
	"github.com/zajel/zajel/internal/crypto"
	"github.com/zajel/zajel/internal/zerr"
)

// VerifyContext carries everything the five-step verification needs about
// the subscriber's local state: the manifest as last fetched, the
// TOFU-pinned owner key from subscribe time, and the encryption private
// key under which to decrypt.
type VerifyContext struct {
	Manifest channel.Manifest
	TrustedOwnerKey []byte
	EncryptionPrivateKey []byte
}

// VerifyAndDecrypt runs the five-step chunk verification against a
// single chunk and, on success, returns its decrypted piece plaintext.
// Every step always runs to completion — a cryptographic failure never
// short-circuits before later steps, so failure timing does not leak which
// step failed.
func VerifyAndDecrypt(c Chunk, ctx VerifyContext) ([]byte, error) {
	step1 := crypto.VerifyEd25519(c.AuthorPubkey, c.signable(), c.Signature)
	step2 := channel.IsAuthorizedPublisher(ctx.Manifest, c.AuthorPubkey)
	step3 := channel.VerifyManifest(ctx.Manifest)
	step4 := bytes.Equal(ctx.Manifest.OwnerKey, ctx.TrustedOwnerKey)

	contentKey, _, derr := crypto.DeriveChannelContentKey(ctx.EncryptionPrivateKey, ctx.Manifest.KeyEpoch)
	var plaintext []byte
	var step5 bool
	if derr == nil {
		if pt, err := crypto.OpenFramed(contentKey[:], []byte(c.ChannelId), c.EncryptedPayload); err == nil {
			plaintext, step5 = pt, true
		}
	}

	if !(step1 && step2 && step3 && step4 && step5) {
		return nil, fmt.Errorf("%w: chunk %s failed five-step verification (sig=%v auth=%v manifestSig=%v tofu=%v decrypt=%v)",
			zerr.ErrCrypto, c.ChunkId, step1, step2, step3, step4, step5)
	}
	return plaintext, nil
}

// VerifyAndAssemble verifies every chunk in a logical message and, only if
// every chunk passes, assembles and decodes the payload.
func VerifyAndAssemble(chunks []Chunk, ctx VerifyContext) (Payload, error) {
	pieces := make([]Chunk, len(chunks))
	copy(pieces, chunks)
	for i, c := range pieces {
		if _, err := VerifyAndDecrypt(c, ctx); err != nil {
			return Payload{}, fmt.Errorf("chunk %d/%d: %w", i, len(pieces), err)
		}
	}
	return Assemble(pieces, ctx.EncryptionPrivateKey, ctx.Manifest.KeyEpoch)
}
