package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("NEARSHARE_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.RelayURL != DefaultRelayURL {
		t.Fatalf("expected default relay URL %q, got %q", DefaultRelayURL, firstCfg.RelayURL)
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.DownloadDir != firstCfg.DownloadDir {
		t.Fatalf("expected stable download dir, got %q then %q", firstCfg.DownloadDir, secondCfg.DownloadDir)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("NEARSHARE_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &DeviceConfig{
		DeviceID:   "partial-device",
		DeviceName: "Partial",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "partial-device" {
		t.Fatalf("expected device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.RelayURL != DefaultRelayURL {
		t.Fatalf("expected relay URL to be normalized, got %q", cfg.RelayURL)
	}
	if len(cfg.StunServers) == 0 {
		t.Fatalf("expected STUN servers to be normalized")
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected chunk size to be normalized, got %d", cfg.ChunkSize)
	}
	if cfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("expected download dir to be normalized, got %q", cfg.DownloadDir)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load after normalize failed: %v", err)
	}
	if reloaded.RelayURL != DefaultRelayURL {
		t.Fatalf("expected normalized config to be persisted, got %q", reloaded.RelayURL)
	}
}

func TestTimeoutAccessorsFallBackToDefaults(t *testing.T) {
	cfg := &DeviceConfig{}
	if cfg.HandshakeTimeout() != DefaultHandshakeTimeout {
		t.Fatalf("expected default handshake timeout, got %v", cfg.HandshakeTimeout())
	}
	if cfg.StallTimeout() != DefaultStallTimeout {
		t.Fatalf("expected default stall timeout, got %v", cfg.StallTimeout())
	}

	cfg.HandshakeTimeoutSec = 5
	cfg.StallTimeoutSec = 7
	if cfg.HandshakeTimeout() != 5*time.Second {
		t.Fatalf("expected 5s handshake timeout, got %v", cfg.HandshakeTimeout())
	}
	if cfg.StallTimeout() != 7*time.Second {
		t.Fatalf("expected 7s stall timeout, got %v", cfg.StallTimeout())
	}
}
