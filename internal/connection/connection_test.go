package connection

import (
	"testing"

	"github.com/zajel/zajel/internal/crypto"
)

type fakeChannel struct{ sent [][]byte }

func (f *fakeChannel) Send(b []byte) error { f.sent = append(f.sent, b); return nil }
func (f *fakeChannel) Close() error        { return nil }

func TestKeyRotationDetectedAndAcknowledgeable(t *testing.T) {
	store := NewStore()
	store.Trust(PeerRecord{StableId: "P1", PublicKey: []byte("K_old")})

	oldKP, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate our key: %v", err)
	}
	var sys []SystemMessage
	m := NewManager(store, &oldKP.PrivateKey, func(s SystemMessage) { sys = append(sys, s) })

	theirKP, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate their key: %v", err)
	}
	raw, err := EncodeHandshake(HandshakeMessage{PublicKey: theirKP.PublicKey[:], StableId: "P1", Username: "bob"})
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}

	m.BeginHandshake("P1", &fakeChannel{})
	outcome, err := m.CompleteHandshake("P1", raw)
	if err != nil {
		t.Fatalf("complete handshake: %v", err)
	}
	if !outcome.KeyRotated {
		t.Fatal("expected key rotation to be detected")
	}

	rec := store.Get("P1")
	if string(rec.PublicKey) != string(theirKP.PublicKey[:]) {
		t.Fatal("record should hold the new public key")
	}
	if string(rec.PreviousPublicKey) != "K_old" {
		t.Fatal("record should retain the previous public key")
	}
	if rec.KeyChangeAcknowledged {
		t.Fatal("key change should start unacknowledged")
	}
	if len(sys) != 1 || sys[0].Text != KeyRotationSystemText {
		t.Fatalf("expected one system message about safety number change, got %+v", sys)
	}

	store.AcknowledgeKeyChange("P1")
	if !store.Get("P1").KeyChangeAcknowledged {
		t.Fatal("acknowledge should stick")
	}
}

func TestCompleteHandshakeAbortsIfConnectionVanished(t *testing.T) {
	store := NewStore()
	ourKP, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate our key: %v", err)
	}
	m := NewManager(store, &ourKP.PrivateKey, nil)

	theirKP, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate their key: %v", err)
	}
	raw, _ := EncodeHandshake(HandshakeMessage{PublicKey: theirKP.PublicKey[:], StableId: "P2"})

	// Never call BeginHandshake: simulate the peer disconnecting before the
	// handshake could register a connection entry.
	if _, err := m.CompleteHandshake("P2", raw); err == nil {
		t.Fatal("expected an error when the connection entry is missing")
	}
}

func TestLegacyPeerDerivesStableIdFromPublicKey(t *testing.T) {
	theirKP, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := HandshakeMessage{PublicKey: theirKP.PublicKey[:]}
	id := ResolveStableId(msg)
	want := crypto.LegacyStableIDFromPublicKey(theirKP.PublicKey[:])
	if id != want {
		t.Fatalf("legacy stable id mismatch: got %s want %s", id, want)
	}
}

func TestRouterSingleConsumerPerType(t *testing.T) {
	r := NewRouter(4)
	defer r.Dispose()

	r.Route("peer1", []byte("ginv:invite-body"))
	r.Route("peer1", []byte("grp:group-body"))
	r.Route("peer1", []byte("plain chat"))

	select {
	case m := <-r.GroupInvitations():
		if string(m.Body) != "invite-body" {
			t.Fatalf("want stripped invite body, got %q", m.Body)
		}
	default:
		t.Fatal("expected a group invitation message")
	}

	select {
	case m := <-r.GroupData():
		if string(m.Body) != "group-body" {
			t.Fatalf("want stripped group body, got %q", m.Body)
		}
	default:
		t.Fatal("expected a group data message")
	}

	select {
	case m := <-r.PeerMessages():
		if string(m.Body) != "plain chat" {
			t.Fatalf("unprefixed message should pass through unmodified, got %q", m.Body)
		}
	default:
		t.Fatal("expected a peer message")
	}

	for i := 0; i < 3; i++ {
		select {
		case <-r.LegacyMessages():
		default:
			t.Fatal("expected legacy stream to mirror every routed message")
		}
	}
}

// TestRouterDispatchesByLinkedDevicePeerId covers spec.md §4.7's link_*
// row: dispatch for a device-link proxy peer is keyed on the peer id, not
// on the message body, so even a body that matches another prefix rule
// must still land on the linked-device stream.
func TestRouterDispatchesByLinkedDevicePeerId(t *testing.T) {
	r := NewRouter(4)
	defer r.Dispose()

	r.Route("link_abc123", []byte("ginv:looks-like-an-invite"))

	select {
	case m := <-r.LinkedDevice():
		if m.PeerId != "link_abc123" {
			t.Fatalf("want peer id link_abc123, got %q", m.PeerId)
		}
		if string(m.Body) != "ginv:looks-like-an-invite" {
			t.Fatalf("expected the body to pass through unstripped, got %q", m.Body)
		}
	default:
		t.Fatal("expected a linked-device message")
	}

	select {
	case <-r.GroupInvitations():
		t.Fatal("link_* peer traffic must not also land on the group invitations stream")
	default:
	}
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	s := NewPeerConnectionState()
	if err := s.TransitionTo(StateConnected); err == nil {
		t.Fatal("should not be able to jump straight from Disconnected to Connected")
	}
	if err := s.TransitionTo(StateDiscovering); err != nil {
		t.Fatalf("valid transition failed: %v", err)
	}
}
