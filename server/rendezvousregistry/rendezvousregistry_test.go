package rendezvousregistry

import (
	"sync"
	"testing"
)

func TestRegisterDailyPointsReturnsOthersNotSelf(t *testing.T) {
	r := New(nil)

	r.RegisterDailyPoints("peer-a", []string{"day_x"}, []byte("drop-a"), "relay-1")
	got := r.RegisterDailyPoints("peer-b", []string{"day_x"}, []byte("drop-b"), "relay-1")

	if len(got) != 1 || string(got[0]) != "drop-a" {
		t.Fatalf("want [drop-a], got %v", got)
	}

	// peer-a registering again at the same token must not see its own drop.
	got = r.RegisterDailyPoints("peer-a", []string{"day_x"}, []byte("drop-a2"), "relay-1")
	if len(got) != 1 || string(got[0]) != "drop-b" {
		t.Fatalf("want [drop-b], got %v", got)
	}
}

func TestRegisterDailyPointsReplacesOwnEntry(t *testing.T) {
	r := New(nil)
	r.RegisterDailyPoints("peer-a", []string{"day_x"}, []byte("drop-a"), "relay-1")
	r.RegisterDailyPoints("peer-a", []string{"day_x"}, []byte("drop-a-v2"), "relay-1")

	got := r.RegisterDailyPoints("peer-b", []string{"day_x"}, []byte("drop-b"), "relay-1")
	if len(got) != 1 || string(got[0]) != "drop-a-v2" {
		t.Fatalf("want only the latest entry for peer-a, got %v", got)
	}
}

func TestRegisterHourlyTokensInvokesOnMatchForExistingPeer(t *testing.T) {
	var mu sync.Mutex
	var matched []struct {
		other string
		self  string
	}
	r := New(func(otherPeerId string, m Match) {
		mu.Lock()
		defer mu.Unlock()
		matched = append(matched, struct {
			other string
			self  string
		}{otherPeerId, m.SelfPeerId})
	})

	r.RegisterHourlyTokens("peer-a", []string{"hr_x"}, []byte("drop-a"), "relay-1")
	r.RegisterHourlyTokens("peer-b", []string{"hr_x"}, []byte("drop-b"), "relay-2")

	mu.Lock()
	defer mu.Unlock()
	if len(matched) != 1 {
		t.Fatalf("want exactly one onMatch call, got %d: %v", len(matched), matched)
	}
	if matched[0].other != "peer-a" || matched[0].self != "peer-b" {
		t.Fatalf("unexpected match: %+v", matched[0])
	}
}

func TestRemoveDropsAllEntriesForPeer(t *testing.T) {
	r := New(nil)
	r.RegisterDailyPoints("peer-a", []string{"day_x", "day_y"}, []byte("drop-a"), "relay-1")
	r.Remove("peer-a")

	got := r.RegisterDailyPoints("peer-b", []string{"day_x", "day_y"}, []byte("drop-b"), "relay-1")
	if len(got) != 0 {
		t.Fatalf("want no entries after removal, got %v", got)
	}
}
