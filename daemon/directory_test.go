package main

import "testing"

func TestPeerDirectoryPutAndLookup(t *testing.T) {
	d := newPeerDirectory()
	d.put(peerRoute{PeerId: "peer-a", RelayId: "relay-1", SourceId: "source-a", Live: true})

	route, ok := d.byPeer("peer-a")
	if !ok {
		t.Fatal("expected peer-a to be found")
	}
	if route.RelayId != "relay-1" || !route.Live {
		t.Fatalf("unexpected route: %+v", route)
	}

	peerId, ok := d.peerForSource("source-a")
	if !ok || peerId != "peer-a" {
		t.Fatalf("expected source-a to resolve to peer-a, got %q (ok=%v)", peerId, ok)
	}
}

func TestPeerDirectoryUnknownPeerNotFound(t *testing.T) {
	d := newPeerDirectory()
	if _, ok := d.byPeer("nobody"); ok {
		t.Fatal("expected unknown peer to be absent")
	}
	if _, ok := d.peerForSource("nobody"); ok {
		t.Fatal("expected unknown source to be absent")
	}
}

func TestPeerDirectoryPutOverwritesBySamePeerId(t *testing.T) {
	d := newPeerDirectory()
	d.put(peerRoute{PeerId: "peer-a", SourceId: "source-old"})
	d.put(peerRoute{PeerId: "peer-a", SourceId: "source-new"})

	route, _ := d.byPeer("peer-a")
	if route.SourceId != "source-new" {
		t.Fatalf("expected the later put to win, got SourceId=%q", route.SourceId)
	}
	if _, ok := d.peerForSource("source-new"); !ok {
		t.Fatal("expected the new source to resolve")
	}
}

func TestEncryptDecryptSignalRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}

	framed, err := encryptSignal(key, "offer", "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n")
	if err != nil {
		t.Fatalf("encryptSignal: %v", err)
	}

	kind, sdp, err := decryptSignal(key, framed)
	if err != nil {
		t.Fatalf("decryptSignal: %v", err)
	}
	if kind != "offer" {
		t.Fatalf("expected kind %q, got %q", "offer", kind)
	}
	if sdp != "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n" {
		t.Fatalf("unexpected sdp: %q", sdp)
	}
}

func TestDecryptSignalRejectsWrongKey(t *testing.T) {
	var key, wrongKey [32]byte
	for i := range key {
		key[i] = byte(i)
		wrongKey[i] = byte(255 - i)
	}

	framed, err := encryptSignal(key, "answer", "v=0")
	if err != nil {
		t.Fatalf("encryptSignal: %v", err)
	}
	if _, _, err := decryptSignal(wrongKey, framed); err == nil {
		t.Fatal("expected decryption under the wrong key to fail")
	}
}
