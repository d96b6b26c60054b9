package chunkengine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// EpochWindow controls how often the routing hash rotates.
type EpochWindow time.Duration

const DefaultEpochWindow EpochWindow = EpochWindow(time.Hour)

// EpochID returns the UTC window identifier for t at the given window size,
// e.g. with an hourly window, "2024-01-15T14:00".
func EpochID(t time.Time, window EpochWindow) string {
	w := time.Duration(window)
	if w <= 0 {
		w = time.Hour
	}
	bucket := t.UTC().Truncate(w)
	return bucket.Format("2006-01-02T15:04")
}

// RoutingHash computes HMAC-SHA256(channelSecret, "epoch:{epochId}").
// Rotating the hash on each window prevents the relay server from
// maintaining a stable blocklist keyed on one channel forever.
func RoutingHash(channelSecret []byte, epochID string) string {
	mac := hmac.New(sha256.New, channelSecret)
	fmt.Fprintf(mac, "epoch:%s", epochID)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(mac.Sum(nil))
}

// CurrentRoutingHash is a convenience wrapper combining EpochID and
// RoutingHash for "now" at the default window.
func CurrentRoutingHash(channelSecret []byte) string {
	return RoutingHash(channelSecret, EpochID(time.Now(), DefaultEpochWindow))
}
