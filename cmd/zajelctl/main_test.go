package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("execute %v: %v\noutput: %s", args, err, out.String())
	}
	return out.String()
}

func TestIdentityGenerateThenShow(t *testing.T) {
	dir := t.TempDir()
	stablePath := filepath.Join(dir, "stable_id")
	keyPath := filepath.Join(dir, "identity.key")

	genOut := runCmd(t, "identity", "generate",
		"--stable-id-path", stablePath, "--keystore-path", keyPath, "--no-passphrase")
	if !strings.Contains(genOut, "stableId:") {
		t.Fatalf("generate output missing stableId: %s", genOut)
	}

	showOut := runCmd(t, "identity", "show",
		"--stable-id-path", stablePath, "--keystore-path", keyPath, "--no-passphrase")
	if !strings.Contains(showOut, "stableId:") || !strings.Contains(showOut, "encryptionPublicKey:") {
		t.Fatalf("show output incomplete: %s", showOut)
	}
}

func TestIdentityMnemonicRoundTrip(t *testing.T) {
	encoded := runCmd(t, "identity", "mnemonic", "00000000000001c8")
	words := strings.Fields(strings.TrimSpace(encoded))
	if len(words) != 6 {
		t.Fatalf("want 6-word mnemonic, got %q", encoded)
	}

	decoded := runCmd(t, append([]string{"identity", "mnemonic", "--decode"}, words...)...)
	if strings.TrimSpace(decoded) != "00000000000001c8" {
		t.Fatalf("round trip mismatch: got %q", decoded)
	}
}

func TestIdentityPairingLinkShortForm(t *testing.T) {
	dir := t.TempDir()
	stablePath := filepath.Join(dir, "stable_id")
	keyPath := filepath.Join(dir, "identity.key")
	runCmd(t, "identity", "generate", "--stable-id-path", stablePath, "--keystore-path", keyPath, "--no-passphrase")

	out := runCmd(t, "identity", "pairing-link",
		"--stable-id-path", stablePath, "--keystore-path", keyPath, "--no-passphrase", "--short")
	link := strings.TrimSpace(out)
	if len(link) == 0 || strings.Contains(link, "zajel://") {
		t.Fatalf("want bare base58 short form, got %q", link)
	}
}

func TestSafetyNumberIsOrderIndependent(t *testing.T) {
	a := "aa11" + strings.Repeat("00", 30)
	b := "bb22" + strings.Repeat("00", 30)

	ab := strings.TrimSpace(runCmd(t, "safety-number", a, b))
	ba := strings.TrimSpace(runCmd(t, "safety-number", b, a))
	if ab != ba {
		t.Fatalf("safety number not order independent: %q vs %q", ab, ba)
	}
	if len(ab) != 60 {
		t.Fatalf("want 60-digit safety number, got %d chars: %q", len(ab), ab)
	}
}

func TestChannelCreateThenInviteDecodes(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "ch")

	createOut := runCmd(t, "channel", "create", "news", "--output-dir", outDir)
	if !strings.Contains(createOut, "channelId:") {
		t.Fatalf("create output missing channelId: %s", createOut)
	}

	inviteOut := strings.TrimSpace(runCmd(t, "channel", "invite", "--dir", outDir))
	if !strings.HasPrefix(inviteOut, "zajel://channel/") {
		t.Fatalf("want zajel://channel/ invite link, got %q", inviteOut)
	}

	decodeOut := runCmd(t, "channel", "decode-invite", inviteOut)
	if !strings.Contains(decodeOut, "name: news") {
		t.Fatalf("decode output missing name: %s", decodeOut)
	}
}
