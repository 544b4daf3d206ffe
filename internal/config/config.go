// Package config loads the YAML configuration file that gates the owner
// API and carries the instance's long-term Ed25519 secret key.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tormsngr/internal/apperr"
)

// Config mirrors the teacher's defaultConfig/flag-override pattern
// (keysaver-server/main.go, config.go) but with this spec's fields.
type Config struct {
	// Password gates the owner's privileged endpoints (Basic "me:<password>").
	Password string `yaml:"password"`
	// AddressPrivateKey is the base32 (RFC 4648, no padding) encoding of a
	// 64-byte Ed25519 private key in Go's ed25519.PrivateKey layout (32-byte
	// seed followed by the 32-byte public key). An expanded secret key
	// (clamped scalar followed by the nonce prefix) is not supported:
	// identity.Load reads any 64 bytes as seed and public key.
	AddressPrivateKey string `yaml:"address-private-key"`

	// Runtime-only fields, never read from YAML: CLI/env overrides.
	ListenAddr  string `yaml:"-"`
	DBPath      string `yaml:"-"`
	StatsPath   string `yaml:"-"`
	ProxyAddr   string `yaml:"-"`
	DBPoolSize  int    `yaml:"-"`
	WorkerCount int    `yaml:"-"`
}

// Default returns the teacher-style baseline before flag/env/file overrides
// are applied.
func Default() *Config {
	return &Config{
		ListenAddr:  ":59001",
		DBPath:      "messages.db",
		StatsPath:   "stats.yaml",
		ProxyAddr:   "127.0.0.1:9050",
		DBPoolSize:  8,
		WorkerCount: 4,
	}
}

// Load reads and parses the YAML config file at path, filling in
// Password and AddressPrivateKey. Fails fast, matching the spec's
// "fail-fast if absent/invalid" startup contract.
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return apperr.New(apperr.KindConfig, fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return apperr.New(apperr.KindConfig, fmt.Errorf("parse %s: %w", path, err))
	}
	if cfg.Password == "" {
		return apperr.New(apperr.KindConfig, fmt.Errorf("%s: missing password", path))
	}
	if cfg.AddressPrivateKey == "" {
		return apperr.New(apperr.KindConfig, fmt.Errorf("%s: missing address-private-key", path))
	}
	return nil
}
