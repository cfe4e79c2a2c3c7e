package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "nearshare"
	// DefaultRelayURL is the signaling relay used when no override exists.
	DefaultRelayURL = "wss://relay.nearshare.app/ws"
	// DefaultChunkSize is the transfer chunk payload size.
	DefaultChunkSize = 32 * 1024
	// DefaultHandshakeTimeout bounds peer connection establishment.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultStallTimeout fails an inbound transfer with no chunk activity.
	DefaultStallTimeout = 30 * time.Second
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DefaultStunServers are used for ICE when the config lists none.
var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID            string   `json:"device_id"`
	DeviceName          string   `json:"device_name"`
	RelayURL            string   `json:"relay_url"`
	StunServers         []string `json:"stun_servers"`
	ChunkSize           int      `json:"chunk_size"`
	HandshakeTimeoutSec int      `json:"handshake_timeout_sec"`
	StallTimeoutSec     int      `json:"stall_timeout_sec"`
	DownloadDir         string   `json:"download_dir"`
	ShareBaseURL        string   `json:"share_base_url"`
}

// HandshakeTimeout returns the configured handshake timeout as a duration.
func (c *DeviceConfig) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutSec <= 0 {
		return DefaultHandshakeTimeout
	}
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// StallTimeout returns the configured receive-stall timeout as a duration.
func (c *DeviceConfig) StallTimeout() time.Duration {
	if c.StallTimeoutSec <= 0 {
		return DefaultStallTimeout
	}
	return time.Duration(c.StallTimeoutSec) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NEARSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("NEARSHARE_DATA_DIR"); override != "" {
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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
func LoadOrCreate() (*DeviceConfig, string, error) {
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

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:            uuid.NewString(),
		DeviceName:          defaultDeviceName(),
		RelayURL:            DefaultRelayURL,
		StunServers:         append([]string(nil), DefaultStunServers...),
		ChunkSize:           DefaultChunkSize,
		HandshakeTimeoutSec: int(DefaultHandshakeTimeout / time.Second),
		StallTimeoutSec:     int(DefaultStallTimeout / time.Second),
		DownloadDir:         filepath.Join(dataDir, "downloads"),
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Nearshare Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}

	if len(cfg.StunServers) == 0 {
		cfg.StunServers = append([]string(nil), DefaultStunServers...)
		updated = true
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}

	if cfg.HandshakeTimeoutSec <= 0 {
		cfg.HandshakeTimeoutSec = int(DefaultHandshakeTimeout / time.Second)
		updated = true
	}

	if cfg.StallTimeoutSec <= 0 {
		cfg.StallTimeoutSec = int(DefaultStallTimeout / time.Second)
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	return updated
}
