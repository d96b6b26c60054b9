package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zajel/zajel/internal/zerr"
)

const inviteLinkPrefix = "zajel://channel/"

// EncodeInviteLink produces a zajel://channel/<base64url(JSON{..})> link.
func EncodeInviteLink(link InviteLink) (string, error) {
	buf, err := json.Marshal(link)
	if err != nil {
		return "", fmt.Errorf("%w: marshal invite: %v", zerr.ErrValidation, err)
	}
	return inviteLinkPrefix + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}

// DecodeInviteLink reverses EncodeInviteLink. The payload is
// whitespace-stripped and padding-optional.
func DecodeInviteLink(link string) (InviteLink, error) {
	link = strings.TrimSpace(link)
	link = strings.TrimPrefix(link, inviteLinkPrefix)
	link = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			return -1
		}
		return r
	}, link)

	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(link)
	if err != nil {
		if padded, perr := base64.URLEncoding.DecodeString(link); perr == nil {
			raw = padded
		} else {
			return InviteLink{}, fmt.Errorf("%w: decode invite link: %v", zerr.ErrValidation, err)
		}
	}

	var out InviteLink
	if err := json.Unmarshal(raw, &out); err != nil {
		return InviteLink{}, fmt.Errorf("%w: unmarshal invite: %v", zerr.ErrValidation, err)
	}
	return out, nil
}

// Subscribe takes an invite link obtained out-of-band, verifies the
// embedded manifest signature, and pins the owner key for future TOFU
// checks.
func Subscribe(link InviteLink) (Channel, error) {
	if !VerifyManifest(link.Manifest) {
		return Channel{}, fmt.Errorf("%w: invite manifest signature invalid", zerr.ErrCrypto)
	}
	key := link.EncryptionPrivateKey
	return Channel{
		Id: link.Manifest.ChannelId,
		Role: RoleSubscriber,
		Manifest: link.Manifest,
		EncryptionKeyPrivate: &key,
		TrustedOwnerKey: ed25519PubCopy(link.Manifest.OwnerKey),
	}, nil
}

func ed25519PubCopy(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
