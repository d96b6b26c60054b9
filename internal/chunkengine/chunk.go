// Package chunkengine splits channel content into encrypted, signed chunks
// and reassembles them, and runs the subscriber-side five-step chunk
// verification. Uses a streaming fixed-size-pieces-off-a-buffer idiom,
// but makes every piece independently encrypted and Ed25519-signed
// instead of merely hashed into a Merkle root.
package chunkengine

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zajel/zajel/internal/channel"
	"github.com/zajel/zajel/internal/crypto"
	"github.com/zajel/zajel/internal/zerr"
)

// MaxPieceSize is the per-chunk max payload: 64 KiB. Client and server
// must agree on this; a prior incident had the server silently enforcing
// 4 KiB instead, which desynced swarm piece counts.
const MaxPieceSize = 64 * 1024

// PayloadType enumerates chunk payload types.
type PayloadType string

const (
	PayloadText PayloadType = "text"
	PayloadFile PayloadType = "file"
	PayloadImage PayloadType = "image"
	PayloadAudio PayloadType = "audio"
	PayloadVideo PayloadType = "video"
	PayloadDocument PayloadType = "document"
	PayloadPoll PayloadType = "poll"
)

// Payload is the plaintext payload encrypted under the channel content key.
type Payload struct {
	Type PayloadType `json:"type"`
	Payload []byte `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Timestamp int64 `json:"timestamp"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// attachmentHashMetadataKey is the Payload.Metadata key a receiver checks
// to deduplicate a repeated file/image/audio/video/document attachment
// without re-decrypting it.
const attachmentHashMetadataKey = "attachmentHash"

// isAttachmentType reports whether t carries file bytes large enough to be
// worth content-addressing for dedup, as opposed to inline text or polls.
func isAttachmentType(t PayloadType) bool {
	switch t {
	case PayloadFile, PayloadImage, PayloadAudio, PayloadVideo, PayloadDocument:
		return true
	default:
		return false
	}
}

// NewAttachmentPayload builds a Payload for a file-backed attachment type,
// stamping Metadata[attachmentHash] with the BLAKE3 digest of sourcePath's
// plaintext so a receiver holding the same file locally can skip
// re-downloading it. A hash failure (unreadable file) leaves the metadata
// key unset rather than failing the send; the attachment still transfers.
func NewAttachmentPayload(t PayloadType, data []byte, sourcePath string, timestamp int64, replyTo string) Payload {
	p := Payload{Type: t, Payload: data, Timestamp: timestamp, ReplyTo: replyTo}
	if isAttachmentType(t) && sourcePath != "" {
		if hash := crypto.ComputeAttachmentHash(sourcePath); hash != "" {
			p.Metadata = map[string]string{attachmentHashMetadataKey: hash}
		}
	}
	return p
}

// Chunk is one encrypted, signed, independently verifiable piece of a
// logical message.
type Chunk struct {
	ChunkId string `json:"chunkId"`
	ChannelId string `json:"channelId"`
	RoutingHash string `json:"routingHash"`
	Sequence uint64 `json:"sequence"`
	ChunkIndex uint32 `json:"chunkIndex"`
	TotalChunks uint32 `json:"totalChunks"`
	Size int `json:"size"`
	Signature []byte `json:"signature"`
	AuthorPubkey ed25519.PublicKey `json:"authorPubkey"`
	EncryptedPayload []byte `json:"encryptedPayload"`
}

// signable is what the author signs: the ciphertext, not the metadata.
func (c Chunk) signable() []byte { return c.EncryptedPayload }

// SplitIntoChunks implements split_into_chunks: serialize the
// payload, encrypt it with the channel content key, split the *plaintext*
// into <=64 KiB pieces, then encrypt each piece separately so every chunk
// is independently verifiable and decryptable.
func SplitIntoChunks(payload Payload, channelId string, encryptionPrivateKey []byte, keyEpoch uint32, routingHash string, sequence uint64, authorPub ed25519.PublicKey, authorPriv ed25519.PrivateKey) ([]Chunk, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", zerr.ErrValidation, err)
	}

	contentKey, ivBase, err := crypto.DeriveChannelContentKey(encryptionPrivateKey, keyEpoch)
	if err != nil {
		return nil, fmt.Errorf("%w: derive content key: %v", zerr.ErrCrypto, err)
	}

	total := (len(plaintext) + MaxPieceSize - 1) / MaxPieceSize
	if total == 0 {
		total = 1
	}

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxPieceSize
		end := start + MaxPieceSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		piece := plaintext[start:end]

		nonce := crypto.DeriveChunkNonce(ivBase, sequence, uint32(i))
		ciphertext, err := crypto.Seal(contentKey[:], nonce[:], []byte(channelId), piece)
		if err != nil {
			return nil, fmt.Errorf("%w: encrypt piece %d: %v", zerr.ErrCrypto, i, err)
		}
		framed := append(append([]byte{}, nonce[:]...), ciphertext...)

		c := Chunk{
			ChunkId: fmt.Sprintf("ch_%s_seq%d_idx%d", channelId, sequence, i),
			ChannelId: channelId,
			RoutingHash: routingHash,
			Sequence: sequence,
			ChunkIndex: uint32(i),
			TotalChunks: uint32(total),
			Size: len(framed),
			AuthorPubkey: authorPub,
			EncryptedPayload: framed,
		}
		c.Signature = crypto.SignEd25519(authorPriv, c.signable())
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Assemble implements assemble: sort chunks by chunkIndex,
// decrypt each piece under the channel content key and concatenate, then
// unmarshal the resulting plaintext back into a Payload.
func Assemble(chunks []Chunk, encryptionPrivateKey []byte, keyEpoch uint32) (Payload, error) {
	if len(chunks) == 0 {
		return Payload{}, fmt.Errorf("%w: no chunks to assemble", zerr.ErrValidation)
	}
	sorted := append([]Chunk{}, chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	contentKey, _, err := crypto.DeriveChannelContentKey(encryptionPrivateKey, keyEpoch)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: derive content key: %v", zerr.ErrCrypto, err)
	}

	var plaintext []byte
	for _, c := range sorted {
		piece, err := crypto.OpenFramed(contentKey[:], []byte(c.ChannelId), c.EncryptedPayload)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: decrypt chunk %s: %v", zerr.ErrCrypto, c.ChunkId, err)
		}
		plaintext = append(plaintext, piece...)
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: unmarshal payload: %v", zerr.ErrValidation, err)
	}
	return payload, nil
}
