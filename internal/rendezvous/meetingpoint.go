// Package rendezvous derives meeting-point tokens and packages dead drops
// so two peers who are both offline-aware can find each other without a
// durable server-side mapping between identities.
package rendezvous

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	dailyPrefix = "day_"
	hourlyPrefix = "hr_"
	tokenLen = 22
)

// sortedPair returns a and b ordered so the same pair of identifiers always
// produces the same (first, second) regardless of call order.
func sortedPair(a, b []byte) (first, second []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func truncatedB64(sum [sha256.Size]byte, prefix string) string {
	enc := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
	if len(enc) > tokenLen-len(prefix) {
		enc = enc[:tokenLen-len(prefix)]
	}
	return prefix + enc
}

// DailyMeetingPoints returns three "day_"-prefixed tokens for day offsets
// {-1, 0, +1} around now (UTC), so two peers whose clocks disagree by up
// to a day still land on a shared token.
func DailyMeetingPoints(selfID, peerID []byte, now time.Time) []string {
	first, second := sortedPair(selfID, peerID)
	tokens := make([]string, 0, 3)
	for _, offset := range []int{-1, 0, 1} {
		day := now.UTC().AddDate(0, 0, offset).Format("2006-01-02")
		h := sha256.New()
		h.Write(first)
		h.Write(second)
		h.Write([]byte("zajel:daily:"))
		h.Write([]byte(day))
		var sum [sha256.Size]byte
		copy(sum[:], h.Sum(nil))
		tokens = append(tokens, truncatedB64(sum, dailyPrefix))
	}
	return tokens
}

// HourlyTokens returns three "hr_"-prefixed tokens for hour offsets
// {-1, 0, +1}, HMAC-SHA256 keyed by the shared secret, giving a one-hour
// overlap window so two peers registering within it always match.
func HourlyTokens(sharedSecret []byte, now time.Time) []string {
	tokens := make([]string, 0, 3)
	for _, offset := range []int{-1, 0, 1} {
		hour := now.UTC().Add(time.Duration(offset) * time.Hour).Format("2006-01-02T15")
		mac := hmac.New(sha256.New, sharedSecret)
		fmt.Fprintf(mac, "zajel:hourly:%s", hour)
		var sum [sha256.Size]byte
		copy(sum[:], mac.Sum(nil))
		tokens = append(tokens, truncatedB64(sum, hourlyPrefix))
	}
	return tokens
}
