package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFillsRelayAndRecoveryDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Relay.HandshakeTimeout <= 0 {
		t.Fatal("expected a nonzero default handshake timeout")
	}
	if cfg.Recovery.RecoveryThreshold != 3 || cfg.Recovery.VerificationThreshold != 2 {
		t.Fatalf("expected default recovery thresholds 3/2, got %+v", cfg.Recovery)
	}
}

func TestLoadFromPathWithDataDirMergesFileThenEnvThenFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vauchi.yaml")
	if err := os.WriteFile(path, []byte("relay:\n  urls:\n    - \"wss://from-file.example\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("VAUCHI_RELAY_URL", "wss://from-env.example")
	cfg := LoadFromPathWithDataDir(path, "/explicit/data/dir")

	if len(cfg.Relay.URLs) != 1 || cfg.Relay.URLs[0] != "wss://from-env.example" {
		t.Fatalf("expected env override to win over file, got %+v", cfg.Relay.URLs)
	}
	if cfg.DataDir != "/explicit/data/dir" {
		t.Fatalf("expected explicit data dir to win, got %q", cfg.DataDir)
	}
}

func TestToRelayConfigDecodesCertPin(t *testing.T) {
	cfg := RelayConfig{PinnedCertSHA256Hex: "aabbcc"}
	relayCfg, err := cfg.ToRelayConfig()
	if err != nil {
		t.Fatalf("to relay config: %v", err)
	}
	if len(relayCfg.PinnedCertSHA256) != 3 {
		t.Fatalf("expected 3 decoded pin bytes, got %d", len(relayCfg.PinnedCertSHA256))
	}
}
