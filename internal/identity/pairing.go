package identity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/mr-tron/base58"
)

// PairingLink is the decoded form of a pairing deep link: the 16-hex
// StableId plus the optional safety number carried for first-use
// verification.
type PairingLink struct {
	StableId     uint64
	SafetyNumber string
}

// EncodePairingLink renders the zajel:// deep-link form, with the
// safety number attached as ?v= when provided.
func EncodePairingLink(stableID uint64, safetyNumber string) string {
	hexID := fmt.Sprintf("%016x", stableID)
	if safetyNumber == "" {
		return "zajel://c/" + hexID
	}
	return "zajel://c/" + hexID + "?v=" + url.QueryEscape(safetyNumber)
}

// EncodePairingLinkHTTPS renders the https://<domain>/c/<hex> fallback
// form used when a zajel:// handler isn't registered on the receiving
// device.
func EncodePairingLinkHTTPS(domain string, stableID uint64, safetyNumber string) string {
	hexID := fmt.Sprintf("%016x", stableID)
	u := &url.URL{Scheme: "https", Host: domain, Path: "/c/" + hexID}
	if safetyNumber != "" {
		q := u.Query()
		q.Set("v", safetyNumber)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// EncodePairingLinkShort renders the 11-char base58 short form: the
// 8-byte StableId, base58-encoded. It carries no safety number — the
// short form trades verification-on-sight for a link a person can type.
func EncodePairingLinkShort(stableID uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], stableID)
	return base58.Encode(b[:])
}

// DecodePairingLink parses any of the three forms zajel://c/<hex>,
// https://<domain>/c/<hex>, and the base58 short form.
func DecodePairingLink(link string) (PairingLink, error) {
	link = strings.TrimSpace(link)

	if rest, ok := strings.CutPrefix(link, "zajel://c/"); ok {
		return decodeHexPairing(rest)
	}
	if u, err := url.Parse(link); err == nil && (u.Scheme == "https" || u.Scheme == "http") {
		hexID, ok := strings.CutPrefix(u.Path, "/c/")
		if !ok {
			return PairingLink{}, fmt.Errorf("identity: not a pairing link: %q", link)
		}
		safety := u.Query().Get("v")
		id, err := decodeHexStableID(hexID)
		if err != nil {
			return PairingLink{}, err
		}
		return PairingLink{StableId: id, SafetyNumber: safety}, nil
	}

	// Neither scheme matched: try the base58 short form.
	decoded, err := base58.Decode(link)
	if err != nil || len(decoded) != 8 {
		return PairingLink{}, fmt.Errorf("identity: not a recognized pairing link: %q", link)
	}
	return PairingLink{StableId: binary.BigEndian.Uint64(decoded)}, nil
}

func decodeHexPairing(rest string) (PairingLink, error) {
	hexPart, query, _ := strings.Cut(rest, "?")
	id, err := decodeHexStableID(hexPart)
	if err != nil {
		return PairingLink{}, err
	}
	safety := ""
	if query != "" {
		vals, err := url.ParseQuery(query)
		if err == nil {
			safety = vals.Get("v")
		}
	}
	return PairingLink{StableId: id, SafetyNumber: safety}, nil
}

func decodeHexStableID(hexID string) (uint64, error) {
	hexID = strings.TrimSpace(hexID)
	b, err := hex.DecodeString(hexID)
	if err != nil || len(b) != 8 {
		return 0, fmt.Errorf("identity: pairing link has malformed stable id %q", hexID)
	}
	var buf [8]byte
	copy(buf[:], b)
	return binary.BigEndian.Uint64(buf[:]), nil
}
