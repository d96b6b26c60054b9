package identity

import "testing"

func TestPairingLinkRoundTrip(t *testing.T) {
	const stableID uint64 = 0x0123456789abcdef

	tests := []struct {
		name string
		link string
	}{
		{"zajel scheme no safety", EncodePairingLink(stableID, "")},
		{"zajel scheme with safety", EncodePairingLink(stableID, "12345 67890")},
		{"https fallback no safety", EncodePairingLinkHTTPS("zajel.example", stableID, "")},
		{"https fallback with safety", EncodePairingLinkHTTPS("zajel.example", stableID, "12345 67890")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePairingLink(tt.link)
			if err != nil {
				t.Fatalf("decode %q: %v", tt.link, err)
			}
			if got.StableId != stableID {
				t.Fatalf("stable id mismatch: got %x want %x", got.StableId, stableID)
			}
		})
	}
}

func TestPairingLinkShortFormRoundTrip(t *testing.T) {
	const stableID uint64 = 0x0123456789abcdef

	short := EncodePairingLinkShort(stableID)
	if len(short) > 11 {
		t.Fatalf("short form too long: %q (%d chars)", short, len(short))
	}

	got, err := DecodePairingLink(short)
	if err != nil {
		t.Fatalf("decode short form %q: %v", short, err)
	}
	if got.StableId != stableID {
		t.Fatalf("stable id mismatch: got %x want %x", got.StableId, stableID)
	}
}

func TestDecodePairingLinkRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "not a link", "zajel://c/nothex", "https://example.com/not-c/abc"} {
		if _, err := DecodePairingLink(bad); err == nil {
			t.Fatalf("expected error decoding %q", bad)
		}
	}
}
