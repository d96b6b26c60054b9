package chunkengine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zajel/zajel/internal/channel"
	"github.com/zajel/zajel/internal/crypto"
)

func mustChannel(t *testing.T) (channel.Manifest, *crypto.Ed25519KeyPair, *crypto.X25519KeyPair) {
	t.Helper()
	m, ownerKP, encKP, err := channel.Create("news", "channel for news", channel.DefaultRules())
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return m, ownerKP, encKP
}

func TestSplitAssembleRoundTrip(t *testing.T) {
	m, ownerKP, encKP := mustChannel(t)

	payload := Payload{Type: PayloadText, Payload: []byte("hello channel"), Timestamp: time.Now().Unix()}
	chunks, err := SplitIntoChunks(payload, m.ChannelId, encKP.PrivateKey[:], m.KeyEpoch, "routing", 1, ownerKP.PublicKey, ownerKP.PrivateKey)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk for small payload, got %d", len(chunks))
	}

	ctx := VerifyContext{Manifest: m, TrustedOwnerKey: m.OwnerKey, EncryptionPrivateKey: encKP.PrivateKey[:]}
	got, err := VerifyAndAssemble(chunks, ctx)
	if err != nil {
		t.Fatalf("verify and assemble: %v", err)
	}
	if !bytes.Equal(got.Payload, payload.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, payload.Payload)
	}
}

func TestSplitLargePayloadMultipleChunks(t *testing.T) {
	m, ownerKP, encKP := mustChannel(t)

	big := bytes.Repeat([]byte("x"), MaxPieceSize*2+10)
	payload := Payload{Type: PayloadFile, Payload: big, Timestamp: time.Now().Unix()}
	chunks, err := SplitIntoChunks(payload, m.ChannelId, encKP.PrivateKey[:], m.KeyEpoch, "routing", 2, ownerKP.PublicKey, ownerKP.PrivateKey)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.Size > MaxPieceSize+40 {
			t.Fatalf("chunk %s exceeds max size bound: %d", c.ChunkId, c.Size)
		}
	}

	ctx := VerifyContext{Manifest: m, TrustedOwnerKey: m.OwnerKey, EncryptionPrivateKey: encKP.PrivateKey[:]}
	got, err := VerifyAndAssemble(chunks, ctx)
	if err != nil {
		t.Fatalf("verify and assemble: %v", err)
	}
	if !bytes.Equal(got.Payload, payload.Payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestVerifyFailsForUnauthorizedAuthor(t *testing.T) {
	m, ownerKP, encKP := mustChannel(t)
	intruder, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate intruder key: %v", err)
	}

	payload := Payload{Type: PayloadText, Payload: []byte("spoofed"), Timestamp: time.Now().Unix()}
	chunks, err := SplitIntoChunks(payload, m.ChannelId, encKP.PrivateKey[:], m.KeyEpoch, "routing", 3, intruder.PublicKey, intruder.PrivateKey)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	ctx := VerifyContext{Manifest: m, TrustedOwnerKey: m.OwnerKey, EncryptionPrivateKey: encKP.PrivateKey[:]}
	if _, err := VerifyAndDecrypt(chunks[0], ctx); err == nil {
		t.Fatal("expected verification failure for author not in manifest")
	}
	_ = ownerKP
}

func TestRemoveAdminRotatesEpochAndKey(t *testing.T) {
	m, ownerKP, _ := mustChannel(t)
	admin, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	m, err = channel.AppointAdmin(m, ownerKP.PrivateKey, admin.PublicKey, "mod")
	if err != nil {
		t.Fatalf("appoint admin: %v", err)
	}

	before := m.CurrentEncryptKey
	beforeEpoch := m.KeyEpoch
	after, _, err := channel.RemoveAdmin(m, ownerKP.PrivateKey, admin.PublicKey)
	if err != nil {
		t.Fatalf("remove admin: %v", err)
	}
	if after.KeyEpoch != beforeEpoch+1 {
		t.Fatalf("keyEpoch want %d got %d", beforeEpoch+1, after.KeyEpoch)
	}
	if after.CurrentEncryptKey == before {
		t.Fatal("CurrentEncryptKey did not rotate")
	}
	if channel.IsAuthorizedPublisher(after, admin.PublicKey) {
		t.Fatal("removed admin should no longer be authorized")
	}
}

func TestNewAttachmentPayloadStampsHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	contents := []byte("not-really-a-jpeg")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write test attachment: %v", err)
	}

	p := NewAttachmentPayload(PayloadImage, contents, path, time.Now().Unix(), "")
	hash, ok := p.Metadata[attachmentHashMetadataKey]
	if !ok || hash == "" {
		t.Fatalf("expected a non-empty attachmentHash for an image payload, got metadata %+v", p.Metadata)
	}

	// The same bytes at a second path must hash identically, which is the
	// whole point: a receiver compares hashes to dedupe, not paths.
	path2 := filepath.Join(t.TempDir(), "copy.jpg")
	if err := os.WriteFile(path2, contents, 0o600); err != nil {
		t.Fatalf("write second attachment: %v", err)
	}
	p2 := NewAttachmentPayload(PayloadImage, contents, path2, time.Now().Unix(), "")
	if p2.Metadata[attachmentHashMetadataKey] != hash {
		t.Fatal("expected identical attachment bytes to hash identically regardless of path")
	}
}

func TestNewAttachmentPayloadSkipsHashForNonAttachmentTypes(t *testing.T) {
	p := NewAttachmentPayload(PayloadText, []byte("hi"), "", time.Now().Unix(), "")
	if p.Metadata != nil {
		t.Fatalf("expected no metadata for a text payload, got %+v", p.Metadata)
	}
}

func TestNewAttachmentPayloadLeavesHashUnsetOnMissingFile(t *testing.T) {
	p := NewAttachmentPayload(PayloadFile, []byte("data"), "/nonexistent/path/does-not-exist", time.Now().Unix(), "")
	if _, ok := p.Metadata[attachmentHashMetadataKey]; ok {
		t.Fatal("expected no attachmentHash metadata when the source file cannot be read")
	}
}

func TestRoutingHashRotatesPerEpoch(t *testing.T) {
	secret := []byte("channel-secret")
	t0 := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	h0 := RoutingHash(secret, EpochID(t0, DefaultEpochWindow))
	h1 := RoutingHash(secret, EpochID(t1, DefaultEpochWindow))
	if h0 == h1 {
		t.Fatal("routing hash should differ across epoch windows")
	}
}
