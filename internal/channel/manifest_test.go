package channel

import (
	"crypto/ed25519"
	"reflect"
	"testing"
)

func TestCreateProducesVerifiableManifest(t *testing.T) {
	m, ownerKP, encKP, err := Create("general", "announcements", DefaultRules())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !VerifyManifest(m) {
		t.Fatal("expected a freshly created manifest to verify")
	}
	if m.KeyEpoch != 0 {
		t.Fatalf("expected keyEpoch 0 on creation, got %d", m.KeyEpoch)
	}
	if m.ChannelId != ChannelIDFromOwnerKey(ownerKP.PublicKey) {
		t.Fatalf("channel id does not match owner key derivation")
	}
	if m.CurrentEncryptKey != encKP.PublicKey {
		t.Fatal("expected manifest's current encrypt key to match the generated encryption keypair")
	}
}

// TestVerifyManifestFlipsFalseOnAnyFieldChange covers the invariant that
// verify_manifest(M)==true and becomes false after flipping any signed
// field, one field at a time.
func TestVerifyManifestFlipsFalseOnAnyFieldChange(t *testing.T) {
	m, ownerKP, _, err := Create("general", "announcements", DefaultRules())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !VerifyManifest(m) {
		t.Fatal("expected the signed manifest to verify before tampering")
	}

	t.Run("name", func(t *testing.T) {
		tampered := m
		tampered.Name = m.Name + "-tampered"
		if VerifyManifest(tampered) {
			t.Fatal("expected verification to fail after changing Name")
		}
	})

	t.Run("description", func(t *testing.T) {
		tampered := m
		tampered.Description = m.Description + "-tampered"
		if VerifyManifest(tampered) {
			t.Fatal("expected verification to fail after changing Description")
		}
	})

	t.Run("ownerKey", func(t *testing.T) {
		other, err := GenerateOwnerKeyForTest()
		if err != nil {
			t.Fatalf("generate other owner key: %v", err)
		}
		tampered := m
		tampered.OwnerKey = other
		if VerifyManifest(tampered) {
			t.Fatal("expected verification to fail after swapping OwnerKey")
		}
	})

	t.Run("adminKeys", func(t *testing.T) {
		adminKP, err := GenerateOwnerKeyForTest()
		if err != nil {
			t.Fatalf("generate admin key: %v", err)
		}
		tampered := m
		tampered.AdminKeys = append(append([]AdminKey{}, m.AdminKeys...), AdminKey{Key: adminKP, Label: "injected"})
		if VerifyManifest(tampered) {
			t.Fatal("expected verification to fail after appending an unsigned admin key")
		}
	})

	t.Run("currentEncryptKey", func(t *testing.T) {
		tampered := m
		tampered.CurrentEncryptKey[0] ^= 0xFF
		if VerifyManifest(tampered) {
			t.Fatal("expected verification to fail after flipping a byte of CurrentEncryptKey")
		}
	})

	t.Run("keyEpoch", func(t *testing.T) {
		tampered := m
		tampered.KeyEpoch++
		if VerifyManifest(tampered) {
			t.Fatal("expected verification to fail after bumping KeyEpoch")
		}
	})

	t.Run("rules", func(t *testing.T) {
		tampered := m
		tampered.Rules.PollsEnabled = !m.Rules.PollsEnabled
		if VerifyManifest(tampered) {
			t.Fatal("expected verification to fail after flipping a rules field")
		}
	})

	t.Run("signature", func(t *testing.T) {
		tampered := m
		tampered.Signature = append([]byte{}, m.Signature...)
		tampered.Signature[0] ^= 0xFF
		if VerifyManifest(tampered) {
			t.Fatal("expected verification to fail after corrupting the signature")
		}
	})

	_ = ownerKP
}

func TestAppointAdminRequiresOwnerKey(t *testing.T) {
	m, ownerKP, _, err := Create("general", "", DefaultRules())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	adminKP, err := GenerateOwnerKeyForTest()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}

	impostor, err := GenerateOwnerPrivForTest()
	if err != nil {
		t.Fatalf("generate impostor key: %v", err)
	}
	if _, err := AppointAdmin(m, impostor, adminKP, "mod"); err == nil {
		t.Fatal("expected AppointAdmin to reject a non-owner signing key")
	}

	updated, err := AppointAdmin(m, ownerKP.PrivateKey, adminKP, "mod")
	if err != nil {
		t.Fatalf("AppointAdmin: %v", err)
	}
	if !VerifyManifest(updated) {
		t.Fatal("expected the re-signed manifest to verify")
	}
	if !IsAuthorizedPublisher(updated, adminKP) {
		t.Fatal("expected the appointed admin to be an authorized publisher")
	}

	if _, err := AppointAdmin(updated, ownerKP.PrivateKey, adminKP, "mod-again"); err == nil {
		t.Fatal("expected a duplicate admin appointment to be rejected")
	}
	if _, err := AppointAdmin(updated, ownerKP.PrivateKey, updated.OwnerKey, "self"); err == nil {
		t.Fatal("expected appointing the owner key itself as admin to be rejected")
	}
}

func TestRemoveAdminRotatesEpochAndEncryptionKey(t *testing.T) {
	m, ownerKP, encKP, err := Create("general", "", DefaultRules())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	adminKP, err := GenerateOwnerKeyForTest()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	withAdmin, err := AppointAdmin(m, ownerKP.PrivateKey, adminKP, "mod")
	if err != nil {
		t.Fatalf("AppointAdmin: %v", err)
	}

	after, newEncKP, err := RemoveAdmin(withAdmin, ownerKP.PrivateKey, adminKP)
	if err != nil {
		t.Fatalf("RemoveAdmin: %v", err)
	}
	if !VerifyManifest(after) {
		t.Fatal("expected the re-signed manifest to verify after removal")
	}
	if after.KeyEpoch != withAdmin.KeyEpoch+1 {
		t.Fatalf("expected keyEpoch to bump by 1, got %d -> %d", withAdmin.KeyEpoch, after.KeyEpoch)
	}
	if after.CurrentEncryptKey == encKP.PublicKey {
		t.Fatal("expected the encryption key to rotate on admin removal")
	}
	if newEncKP.PublicKey != after.CurrentEncryptKey {
		t.Fatal("expected the returned new encryption keypair to match the manifest's new key")
	}
	if IsAuthorizedPublisher(after, adminKP) {
		t.Fatal("expected the removed admin to no longer be an authorized publisher")
	}

	if _, _, err := RemoveAdmin(after, ownerKP.PrivateKey, adminKP); err == nil {
		t.Fatal("expected removing an absent admin to fail")
	}
}

func TestUpdateRulesRequiresOwnerAndResigns(t *testing.T) {
	m, ownerKP, _, err := Create("general", "", DefaultRules())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	impostor, err := GenerateOwnerPrivForTest()
	if err != nil {
		t.Fatalf("generate impostor key: %v", err)
	}
	newRules := Rules{RepliesEnabled: false, PollsEnabled: true, MaxUpstreamSize: 4096, AllowedTypes: []string{"text", "image"}}

	if _, err := UpdateRules(m, impostor, newRules); err == nil {
		t.Fatal("expected UpdateRules to reject a non-owner signing key")
	}

	updated, err := UpdateRules(m, ownerKP.PrivateKey, newRules)
	if err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}
	if !VerifyManifest(updated) {
		t.Fatal("expected the re-signed manifest to verify")
	}
	if !reflect.DeepEqual(updated.Rules, newRules) {
		t.Fatalf("expected rules to be replaced, got %+v", updated.Rules)
	}
}

// GenerateOwnerKeyForTest and GenerateOwnerPrivForTest wrap ed25519.GenerateKey
// so the table-driven tests above can mint throwaway keys without pulling in
// the full crypto identity bundle.
func GenerateOwnerKeyForTest() (ed25519.PublicKey, error) {
	pub, _, err := ed25519.GenerateKey(nil)
	return pub, err
}

func GenerateOwnerPrivForTest() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	return priv, err
}
