// Package config loads the zajel daemon's on-disk configuration: identity
// paths, the signaling server to register with, ICE servers for WebRTC,
// storage location, and observability endpoints.
//
// Grounded on the pack's YAML-config-struct-plus-Load idiom using
// gopkg.in/yaml.v3 — a teacher dependency this package is what actually
// wires in; the file it replaces declared the dependency in go.mod but
// LoadConfig never parsed a file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the zajel daemon's full runtime configuration.
type Config struct {
	Identity      IdentityConfig      `yaml:"identity"`
	Signaling     SignalingConfig     `yaml:"signaling"`
	Transport     TransportConfig     `yaml:"transport"`
	Storage       StorageConfig       `yaml:"storage"`
	Relay         RelayConfig         `yaml:"relay"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// IdentityConfig locates the device's persisted StableId and keystore.
type IdentityConfig struct {
	StableIDPath  string `yaml:"stableIdPath"`
	KeystorePath  string `yaml:"keystorePath"`
	PassphraseEnv string `yaml:"passphraseEnv"`
}

// SignalingConfig addresses the WebSocket signaling server this device
// registers with for relay discovery, rendezvous, and chunk relaying.
type SignalingConfig struct {
	URL string `yaml:"url"`
	// RegistrationInterval is how often register_for_peer re-runs per
	// trusted contact, independent of the meeting-point hour boundary,
	// so a contact that comes online mid-hour is still found promptly.
	RegistrationInterval time.Duration `yaml:"registrationInterval"`
}

// TransportConfig configures the WebRTC layer.
type TransportConfig struct {
	STUNServers []string     `yaml:"stunServers"`
	TURNServers []TURNServer `yaml:"turnServers"`
}

// TURNServer is one credentialed TURN relay entry.
type TURNServer struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig locates the local SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"databasePath"`
}

// RelayConfig tunes this device's own relay behavior when other peers use
// it as a relay.
type RelayConfig struct {
	MaxConnections int `yaml:"maxConnections"`
	AdmissionRate  int `yaml:"admissionRate"`
	AdmissionBurst int `yaml:"admissionBurst"`
}

// ObservabilityConfig addresses the metrics/health HTTP endpoint and
// optional Jaeger tracing exporter.
type ObservabilityConfig struct {
	MetricsAddr       string `yaml:"metricsAddr"`
	LogLevel          string `yaml:"logLevel"`
	JaegerEndpointEnv string `yaml:"jaegerEndpointEnv"`
}

// DefaultConfig returns the configuration used when no file is present,
// rooted under the user's home directory.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".zajel")
	return &Config{
		Identity: IdentityConfig{
			StableIDPath: filepath.Join(base, "stable_id"),
			KeystorePath: filepath.Join(base, "identity.key"),
		},
		Signaling: SignalingConfig{
			URL:                  "wss://signal.zajel.example/ws",
			RegistrationInterval: 10 * time.Minute,
		},
		Transport: TransportConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(base, "zajel.db"),
		},
		Relay: RelayConfig{
			MaxConnections: 10,
			AdmissionRate:  20,
			AdmissionBurst: 40,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9191",
			LogLevel:    "info",
		},
	}
}

// LoadConfig reads and parses the YAML file at path, starting from
// DefaultConfig so a minimal override file (e.g. just signaling.url) is
// enough to run. An empty or missing path returns DefaultConfig()
// unmodified, matching a first run with no config file installed yet.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory for %s: %w", path, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
