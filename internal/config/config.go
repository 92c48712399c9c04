// Package config loads vauchi's on-disk YAML configuration, merges in
// environment overrides, and fills in defaults — the same
// config-file-then-env layering the daemon's own wakuconfig package
// uses for network settings.
package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vauchi/internal/recovery"
	"vauchi/internal/relay"
)

// Config is vauchi's full runtime configuration.
type Config struct {
	DataDir  string         `yaml:"dataDir"`
	Relay    RelayConfig    `yaml:"relay"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// RelayConfig configures the relay client's connection behavior.
type RelayConfig struct {
	URLs                []string      `yaml:"urls"`
	PinnedCertSHA256Hex string        `yaml:"pinnedCertSha256"`
	HandshakeTimeout    time.Duration `yaml:"handshakeTimeout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	RelayCooldown       time.Duration `yaml:"relayCooldown"`
}

// RecoveryConfig configures the default social-vouching thresholds.
type RecoveryConfig struct {
	RecoveryThreshold     int `yaml:"recoveryThreshold"`
	VerificationThreshold int `yaml:"verificationThreshold"`
}

// DefaultDataDirName is used when no data directory is configured.
const DefaultDataDirName = ".vauchi"

// Default returns vauchi's built-in defaults, before any config file
// or environment override is applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataDir := DefaultDataDirName
	if home != "" {
		dataDir = home + string(os.PathSeparator) + DefaultDataDirName
	}
	relayDefaults := relay.DefaultConfig()
	recoveryDefaults := recovery.DefaultSettings()
	return Config{
		DataDir: dataDir,
		Relay: RelayConfig{
			HandshakeTimeout:    relayDefaults.HandshakeTimeout,
			ReconnectInterval:   relayDefaults.ReconnectInterval,
			ReconnectBackoffMax: relayDefaults.ReconnectBackoffMax,
			RelayCooldown:       relayDefaults.RelayCooldown,
		},
		Recovery: RecoveryConfig{
			RecoveryThreshold:     recoveryDefaults.RecoveryThreshold,
			VerificationThreshold: recoveryDefaults.VerificationThreshold,
		},
	}
}

// LoadFromPathWithDataDir loads configPath if non-empty (falling back
// to ./vauchi.yaml and $HOME/.vauchi/config.yaml), merges it over the
// defaults, applies environment overrides, and applies a dataDir
// override from the caller (e.g. a --data-dir flag) last.
func LoadFromPathWithDataDir(configPath, dataDir string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "vauchi.yaml")
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			candidates = append(candidates, home+string(os.PathSeparator)+DefaultDataDirName+string(os.PathSeparator)+"config.yaml")
		}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg
}

func merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Relay.URLs != nil {
		dst.Relay.URLs = src.Relay.URLs
	}
	if src.Relay.PinnedCertSHA256Hex != "" {
		dst.Relay.PinnedCertSHA256Hex = src.Relay.PinnedCertSHA256Hex
	}
	mergeIfSet(&dst.Relay.HandshakeTimeout, src.Relay.HandshakeTimeout)
	mergeIfSet(&dst.Relay.ReconnectInterval, src.Relay.ReconnectInterval)
	mergeIfSet(&dst.Relay.ReconnectBackoffMax, src.Relay.ReconnectBackoffMax)
	mergeIfSet(&dst.Relay.RelayCooldown, src.Relay.RelayCooldown)
	mergeIfSet(&dst.Recovery.RecoveryThreshold, src.Recovery.RecoveryThreshold)
	mergeIfSet(&dst.Recovery.VerificationThreshold, src.Recovery.VerificationThreshold)
}

func mergeIfSet[T comparable](dst *T, src T) {
	var zero T
	if src != zero {
		*dst = src
	}
}

// applyEnvOverrides layers VAUCHI_* environment variables over cfg,
// mirroring the daemon's own AIM_* override convention.
func applyEnvOverrides(cfg *Config) {
	if url := strings.TrimSpace(os.Getenv("VAUCHI_RELAY_URL")); url != "" {
		cfg.Relay.URLs = []string{url}
	}
	if dir := strings.TrimSpace(os.Getenv("VAUCHI_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if pin := strings.TrimSpace(os.Getenv("VAUCHI_RELAY_CERT_PIN")); pin != "" {
		cfg.Relay.PinnedCertSHA256Hex = pin
	}
	if v := strings.TrimSpace(os.Getenv("VAUCHI_RECOVERY_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recovery.RecoveryThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("VAUCHI_VERIFICATION_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recovery.VerificationThreshold = n
		}
	}
}

// PinnedCertSHA256 decodes the configured hex certificate pin, if any.
func (c RelayConfig) PinnedCertSHA256() ([]byte, error) {
	if c.PinnedCertSHA256Hex == "" {
		return nil, nil
	}
	return hex.DecodeString(c.PinnedCertSHA256Hex)
}

// ToRelayConfig builds the relay package's own Config from the loaded
// settings.
func (c RelayConfig) ToRelayConfig() (relay.Config, error) {
	pin, err := c.PinnedCertSHA256()
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		URLs:                c.URLs,
		PinnedCertSHA256:    pin,
		HandshakeTimeout:    c.HandshakeTimeout,
		ReconnectInterval:   c.ReconnectInterval,
		ReconnectBackoffMax: c.ReconnectBackoffMax,
		RelayCooldown:       c.RelayCooldown,
	}, nil
}

// ToRecoverySettings builds the recovery package's own Settings from
// the loaded configuration.
func (c RecoveryConfig) ToRecoverySettings() recovery.Settings {
	return recovery.Settings{
		RecoveryThreshold:     c.RecoveryThreshold,
		VerificationThreshold: c.VerificationThreshold,
	}
}
