package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// ComputeSafetyNumber implements compute_safety_number: a
// 60-digit, order-independent fingerprint two peers can read aloud to
// each other to confirm they hold the same public keys out of band.
//
// The two public keys are sorted lexicographically before hashing so
// ComputeSafetyNumber(a, b) == ComputeSafetyNumber(b, a) always holds.
func ComputeSafetyNumber(pubA, pubB []byte) string {
	first, second := pubA, pubB
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	h := sha256.Sum256(append(append([]byte{}, first...), second...))

	var out bytes.Buffer
	for i := 0; i < 24; i += 2 {
		group := (uint16(h[i]) << 8) | uint16(h[i+1])
		fmt.Fprintf(&out, "%05d", int(group)%100000)
	}
	return out.String()
}
