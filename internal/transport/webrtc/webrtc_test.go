package webrtc

import "testing"

func TestHandleRemoteSDPRejectsUnknownKind(t *testing.T) {
	m := NewManager(DefaultConfig(), func(string, string, string) error { return nil }, nil, nil)
	if err := m.HandleRemoteSDP("peer-1", "bogus", ""); err == nil {
		t.Fatal("expected error for unknown sdp kind")
	}
}

func TestHandleAnswerWithNoPendingOfferFails(t *testing.T) {
	m := NewManager(DefaultConfig(), func(string, string, string) error { return nil }, nil, nil)
	if err := m.HandleRemoteSDP("peer-1", "answer", "v=0"); err == nil {
		t.Fatal("expected error for answer with no pending offer")
	}
}
