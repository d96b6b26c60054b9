package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	if cfg.Signaling.URL != want.Signaling.URL {
		t.Fatalf("expected default signaling URL %q, got %q", want.Signaling.URL, cfg.Signaling.URL)
	}
	if cfg.Relay.MaxConnections != want.Relay.MaxConnections {
		t.Fatalf("expected default max connections %d, got %d", want.Relay.MaxConnections, cfg.Relay.MaxConnections)
	}
}

func TestLoadConfigNonexistentFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Observability.MetricsAddr != DefaultConfig().Observability.MetricsAddr {
		t.Fatal("expected defaults when the config file doesn't exist")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zajel.yaml")

	cfg := DefaultConfig()
	cfg.Signaling.URL = "wss://example.test/ws"
	cfg.Signaling.RegistrationInterval = 5 * time.Minute
	cfg.Relay.MaxConnections = 25
	cfg.Transport.TURNServers = []TURNServer{{URL: "turn:example.test:3478", Username: "u", Password: "p"}}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Signaling.URL != cfg.Signaling.URL {
		t.Fatalf("expected signaling URL %q, got %q", cfg.Signaling.URL, loaded.Signaling.URL)
	}
	if loaded.Signaling.RegistrationInterval != cfg.Signaling.RegistrationInterval {
		t.Fatalf("expected registration interval %v, got %v", cfg.Signaling.RegistrationInterval, loaded.Signaling.RegistrationInterval)
	}
	if loaded.Relay.MaxConnections != 25 {
		t.Fatalf("expected max connections 25, got %d", loaded.Relay.MaxConnections)
	}
	if len(loaded.Transport.TURNServers) != 1 || loaded.Transport.TURNServers[0].URL != "turn:example.test:3478" {
		t.Fatalf("expected one TURN server to round-trip, got %+v", loaded.Transport.TURNServers)
	}
}

func TestLoadConfigPartialOverrideKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	partial := []byte("signaling:\n  url: wss://override.test/ws\n")
	if err := os.WriteFile(path, partial, 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Signaling.URL != "wss://override.test/ws" {
		t.Fatalf("expected overridden URL, got %q", cfg.Signaling.URL)
	}
	if cfg.Storage.DatabasePath != DefaultConfig().Storage.DatabasePath {
		t.Fatalf("expected storage.databasePath to keep its default, got %q", cfg.Storage.DatabasePath)
	}
}
