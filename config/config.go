package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"agentmesh/protocol"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "agentmesh"
	// DefaultMaxConnections bounds concurrent inbound peer connections.
	DefaultMaxConnections = 10
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// NetworkConfig holds the peer networking settings.
type NetworkConfig struct {
	Enabled          bool `json:"enabled"`
	Port             int  `json:"port"`
	AutoStart        bool `json:"auto_start"`
	DiscoveryEnabled bool `json:"discovery_enabled"`
	TLSEnabled       bool `json:"tls_enabled"`
	MaxConnections   int  `json:"max_connections"`
}

// Config contains the persistent local instance settings. The node's
// peer identity lives in the registry file, not here.
type Config struct {
	Network               NetworkConfig `json:"network"`
	Ed25519PrivateKeyPath string        `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string        `json:"ed25519_public_key_path"`
	KeyFingerprint        string        `json:"key_fingerprint"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If AGENTMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("AGENTMESH_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// RegistryPath returns the peer registry file for a data directory.
func RegistryPath(dataDir string) string {
	return filepath.Join(dataDir, "registry.json")
}

// TokensPath returns the auth token store file for a data directory.
func TokensPath(dataDir string) string {
	return filepath.Join(dataDir, "tokens.json")
}

// CertificatePath returns the TLS certificate file for a data directory.
func CertificatePath(dataDir string) string {
	return filepath.Join(dataDir, "certs", "cert.pem")
}

// KeyPath returns the TLS private key file for a data directory.
func KeyPath(dataDir string) string {
	return filepath.Join(dataDir, "certs", "key.pem")
}

// EventsDBPath returns the event log database file for a data directory.
func EventsDBPath(dataDir string) string {
	return filepath.Join(dataDir, "events.db")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "certs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *Config {
	keysDir := filepath.Join(dataDir, "keys")
	return &Config{
		Network: NetworkConfig{
			Enabled:          true,
			Port:             protocol.DefaultPort,
			AutoStart:        false,
			DiscoveryEnabled: true,
			TLSEnabled:       true,
			MaxConnections:   DefaultMaxConnections,
		},
		Ed25519PrivateKeyPath: filepath.Join(keysDir, "ed25519_private.pem"),
		Ed25519PublicKeyPath:  filepath.Join(keysDir, "ed25519_public.pem"),
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.Network.Port <= 0 || cfg.Network.Port > 65535 {
		cfg.Network.Port = protocol.DefaultPort
		updated = true
	}

	if cfg.Network.MaxConnections <= 0 {
		cfg.Network.MaxConnections = DefaultMaxConnections
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}

	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}

	return updated
}
