package crypto

import (
	"encoding/binary"
)

// DeriveNonce generates a deterministic 12-byte nonce from the IVBase and a
// counter, by XORing the IVBase's first 8 bytes with the counter and leaving
// the last 4 bytes unchanged. AEAD requires a unique nonce for every
// encryption under the same key; this makes that uniqueness a property of
// the counter instead of relying on fresh randomness for every piece.
func DeriveNonce(ivBase [12]byte, counter uint64) [12]byte {
	var nonce [12]byte

	var counterBytes [8]byte
	binary.LittleEndian.PutUint64(counterBytes[:], counter)

	for i := 0; i < 8; i++ {
		nonce[i] = ivBase[i] ^ counterBytes[i]
	}
	copy(nonce[8:12], ivBase[8:12])

	return nonce
}

// DeriveChunkNonce derives the nonce for one ciphertext piece of a split
// message. The counter combines sequence and chunkIndex so two
// pieces from different logical messages under the same channel content key
// never collide: a channel's content key is reused across every message
// sent in its key epoch, not just within one split.
func DeriveChunkNonce(ivBase [12]byte, sequence uint64, chunkIndex uint32) [12]byte {
	counter := sequence<<20 | uint64(chunkIndex)
	return DeriveNonce(ivBase, counter)
}
