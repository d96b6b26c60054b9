package crypto

import "crypto/ed25519"

// SignEd25519 signs msg with priv, returning the 64-byte signature.
func SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// VerifyEd25519 reports whether sig is a valid Ed25519 signature of msg
// under pub. A malformed public key or signature is treated as a failed
// verification, never a panic.
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
