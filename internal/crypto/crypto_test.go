package crypto

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateEd25519(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519() failed: %v", err)
	}
	if len(kp.PublicKey) != 32 {
		t.Errorf("Public key length = %d, want 32", len(kp.PublicKey))
	}
	if len(kp.PrivateKey) != 64 {
		t.Errorf("Private key length = %d, want 64", len(kp.PrivateKey))
	}
}

func TestGenerateX25519(t *testing.T) {
	kp, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519() failed: %v", err)
	}
	var zeroKey [32]byte
	if bytes.Equal(kp.PublicKey[:], zeroKey[:]) {
		t.Error("Public key is all zeros")
	}
	if bytes.Equal(kp.PrivateKey[:], zeroKey[:]) {
		t.Error("Private key is all zeros")
	}
}

func TestGenerateIdentity(t *testing.T) {
	kp, stableID, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() failed: %v", err)
	}
	if stableID == 0 {
		t.Error("stable id should not be zero (astronomically unlikely)")
	}
	var zeroKey [32]byte
	if bytes.Equal(kp.PrivateKey[:], zeroKey[:]) {
		t.Error("Private key is all zeros")
	}

	_, secondID, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() failed: %v", err)
	}
	if stableID == secondID {
		t.Error("two calls produced the same stable id")
	}
}

func TestX25519Exchange(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Alice's keypair: %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Bob's keypair: %v", err)
	}

	aliceShared, err := X25519Exchange(&alice.PrivateKey, &bob.PublicKey)
	if err != nil {
		t.Fatalf("Alice's X25519Exchange failed: %v", err)
	}
	bobShared, err := X25519Exchange(&bob.PrivateKey, &alice.PublicKey)
	if err != nil {
		t.Fatalf("Bob's X25519Exchange failed: %v", err)
	}

	if !bytes.Equal(aliceShared[:], bobShared[:]) {
		t.Error("Shared secrets do not match")
	}
}

func TestEstablishSessionSymmetric(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Alice's keypair: %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Bob's keypair: %v", err)
	}

	aliceSession, err := EstablishSession(&alice.PrivateKey, &bob.PublicKey)
	if err != nil {
		t.Fatalf("Alice's EstablishSession failed: %v", err)
	}
	bobSession, err := EstablishSession(&bob.PrivateKey, &alice.PublicKey)
	if err != nil {
		t.Fatalf("Bob's EstablishSession failed: %v", err)
	}

	if !bytes.Equal(aliceSession.Key[:], bobSession.Key[:]) {
		t.Error("session keys do not match")
	}
}

func TestDeriveChannelContentKeyDeterministic(t *testing.T) {
	ikm := make([]byte, 32)
	rand.Read(ikm)

	key1, iv1, err := DeriveChannelContentKey(ikm, 0)
	if err != nil {
		t.Fatalf("DeriveChannelContentKey() failed: %v", err)
	}
	key2, iv2, err := DeriveChannelContentKey(ikm, 0)
	if err != nil {
		t.Fatalf("DeriveChannelContentKey() failed: %v", err)
	}
	if key1 != key2 || iv1 != iv2 {
		t.Error("same epoch should derive identical key material")
	}

	key3, _, err := DeriveChannelContentKey(ikm, 1)
	if err != nil {
		t.Fatalf("DeriveChannelContentKey() failed: %v", err)
	}
	if key1 == key3 {
		t.Error("different epochs should derive different keys")
	}
}

func TestSealAndOpen(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("Hello from zajel!")
	aad := []byte("chunk-0")

	ciphertext, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	if len(ciphertext) != len(plaintext)+16 {
		t.Errorf("Ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+16)
	}

	decrypted, err := Open(key, nonce, aad, ciphertext)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("Decrypted plaintext does not match original")
	}
}

func TestSealFramedRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)

	plaintext := []byte("dead drop payload")
	framed, err := SealFramed(key, nil, plaintext)
	if err != nil {
		t.Fatalf("SealFramed() failed: %v", err)
	}

	decrypted, err := OpenFramed(key, nil, framed)
	if err != nil {
		t.Fatalf("OpenFramed() failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("Decrypted plaintext does not match original")
	}
}

func TestAuthenticationFailure(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("Secret message")
	ciphertext, err := Seal(key, nonce, nil, plaintext)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	ciphertext[0] ^= 0x01

	_, err = Open(key, nonce, nil, ciphertext)
	if err == nil {
		t.Error("Open() should fail on tampered ciphertext")
	}
}

func TestWrongAAD(t *testing.T) {
	key := make([]byte, 32)
	nonce := make([]byte, 12)
	rand.Read(key)
	rand.Read(nonce)

	plaintext := []byte("Message")
	aad := []byte("chunk-0")

	ciphertext, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	wrongAAD := []byte("chunk-1")
	_, err = Open(key, nonce, wrongAAD, ciphertext)
	if err == nil {
		t.Error("Open() should fail with mismatched AAD")
	}
}

func TestDeriveChunkNonceUniqueness(t *testing.T) {
	var ivBase [12]byte
	rand.Read(ivBase[:])

	nonceSet := make(map[[12]byte]bool)
	const numChunks = 10000

	for i := uint32(0); i < numChunks; i++ {
		nonce := DeriveChunkNonce(ivBase, 0, i)
		if nonceSet[nonce] {
			t.Fatalf("Nonce collision detected at chunk %d", i)
		}
		nonceSet[nonce] = true
	}
}

func TestDeriveChunkNonceDistinctAcrossSequence(t *testing.T) {
	var ivBase [12]byte
	rand.Read(ivBase[:])

	n1 := DeriveChunkNonce(ivBase, 0, 5)
	n2 := DeriveChunkNonce(ivBase, 1, 5)
	if n1 == n2 {
		t.Error("nonces for the same chunk index under different sequences must differ")
	}
}

func TestDeriveNonceDeterministic(t *testing.T) {
	var ivBase [12]byte
	rand.Read(ivBase[:])

	chunkIndex := uint32(42)

	nonce1 := DeriveChunkNonce(ivBase, 0, chunkIndex)
	nonce2 := DeriveChunkNonce(ivBase, 0, chunkIndex)

	if !bytes.Equal(nonce1[:], nonce2[:]) {
		t.Error("Nonce derivation is not deterministic")
	}
}

func TestSignAndVerifyEd25519(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519() failed: %v", err)
	}

	msg := []byte("channel manifest bytes")
	sig := SignEd25519(kp.PrivateKey, msg)

	if !VerifyEd25519(kp.PublicKey, msg, sig) {
		t.Error("valid signature should verify")
	}

	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0x01
	if VerifyEd25519(kp.PublicKey, tampered, sig) {
		t.Error("signature should not verify against a different message")
	}
}

func TestVerifyEd25519RejectsMalformedInput(t *testing.T) {
	if VerifyEd25519([]byte("too short"), []byte("msg"), []byte("also too short")) {
		t.Error("malformed key/signature must never verify")
	}
}

func TestComputeSafetyNumberOrderIndependent(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	rand.Read(a)
	rand.Read(b)

	forward := ComputeSafetyNumber(a, b)
	backward := ComputeSafetyNumber(b, a)

	if forward != backward {
		t.Error("safety number must be order independent")
	}
	if len(forward) != 60 {
		t.Errorf("safety number length = %d, want 60", len(forward))
	}
}

func TestSaveLoadKeyWithPassphrase(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519() failed: %v", err)
	}

	tmpDir := t.TempDir()
	keystorePath := filepath.Join(tmpDir, "identity.key")
	passphrase := "test-passphrase-123"

	if err := SaveKey(kp.PrivateKey, keystorePath, passphrase); err != nil {
		t.Fatalf("SaveKey() failed: %v", err)
	}

	loadedKey, err := LoadKey(keystorePath, passphrase)
	if err != nil {
		t.Fatalf("LoadKey() failed: %v", err)
	}
	if !bytes.Equal(loadedKey, kp.PrivateKey) {
		t.Error("Loaded key does not match original")
	}

	if _, err := LoadKey(keystorePath, "wrong-passphrase"); err == nil {
		t.Error("LoadKey() should fail with wrong passphrase")
	}
}

func TestSaveLoadX25519KeyWithPassphrase(t *testing.T) {
	kp, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519() failed: %v", err)
	}

	tmpDir := t.TempDir()
	keystorePath := filepath.Join(tmpDir, "device.key")

	if err := SaveKey(kp.PrivateKey[:], keystorePath, "pw"); err != nil {
		t.Fatalf("SaveKey() failed: %v", err)
	}

	loadedKey, err := LoadKey(keystorePath, "pw")
	if err != nil {
		t.Fatalf("LoadKey() failed: %v", err)
	}
	if !bytes.Equal(loadedKey, kp.PrivateKey[:]) {
		t.Error("Loaded key does not match original")
	}
}

func TestSaveLoadKeyWithoutPassphrase(t *testing.T) {
	kp, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519() failed: %v", err)
	}

	tmpDir := t.TempDir()
	keystorePath := filepath.Join(tmpDir, "identity.key")

	if err := SaveKey(kp.PrivateKey, keystorePath, ""); err != nil {
		t.Fatalf("SaveKey() failed: %v", err)
	}

	insecurePath := keystorePath + ".insecure"
	if _, err := os.Stat(insecurePath); os.IsNotExist(err) {
		t.Error("Insecure keystore file was not created")
	}

	loadedKey, err := LoadKey(insecurePath, "")
	if err != nil {
		t.Fatalf("LoadKey() failed: %v", err)
	}
	if !bytes.Equal(loadedKey, kp.PrivateKey) {
		t.Error("Loaded key does not match original")
	}
}

func TestChunkEncryptionWorkflow(t *testing.T) {
	alice, _ := GenerateX25519()
	bob, _ := GenerateX25519()

	aliceKey, aliceIV, err := DeriveChannelContentKey(alice.PrivateKey[:], 0)
	if err != nil {
		t.Fatalf("DeriveChannelContentKey failed: %v", err)
	}
	_ = bob

	const numChunks = 100
	for i := 0; i < numChunks; i++ {
		chunkData := []byte("chunk payload")
		chunkIndex := uint32(i)

		nonce := DeriveChunkNonce(aliceIV, 1, chunkIndex)
		aad := []byte{byte(chunkIndex)}
		ciphertext, err := Seal(aliceKey[:], nonce[:], aad, chunkData)
		if err != nil {
			t.Fatalf("Chunk %d encryption failed: %v", i, err)
		}

		decrypted, err := Open(aliceKey[:], nonce[:], aad, ciphertext)
		if err != nil {
			t.Fatalf("Chunk %d decryption failed: %v", i, err)
		}
		if !bytes.Equal(decrypted, chunkData) {
			t.Errorf("Chunk %d data mismatch", i)
		}
	}
}
