package tlsutil

import "testing"

func TestGenerateSelfSignedCertRoundTrip(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert and key PEM")
	}

	cfg, err := MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("MakeTLSConfig: %v", err)
	}
	if cfg.MinVersion != cfg.MaxVersion {
		t.Fatalf("expected MinVersion == MaxVersion pinning TLS 1.3, got %d/%d", cfg.MinVersion, cfg.MaxVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate loaded, got %d", len(cfg.Certificates))
	}
}

func TestMakeTLSConfigRejectsMismatchedKey(t *testing.T) {
	certPEM, _, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	_, otherKeyPEM, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}

	if _, err := MakeTLSConfig(certPEM, otherKeyPEM); err == nil {
		t.Fatal("expected an error pairing a certificate with an unrelated key")
	}
}
