// Package config loads broker configuration from files and environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"
)

// Config represents the broker configuration.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port int `json:"port,omitempty"`

	// DataDir is the directory for persisted sessions and launcher state.
	DataDir string `json:"dataDir,omitempty"`

	// DefaultAdapter names the adapter used when a create request omits one.
	DefaultAdapter string `json:"defaultAdapter,omitempty"`

	// DefaultCWD is the working directory for new sessions when unspecified.
	DefaultCWD string `json:"defaultCwd,omitempty"`

	// MaxConsumerMessageSize caps a single consumer frame, in bytes.
	MaxConsumerMessageSize int `json:"maxConsumerMessageSize,omitempty"`

	// IdleSessionTimeoutMs reaps sessions with no backend, no consumers and
	// no recent activity. Zero disables the reaper.
	IdleSessionTimeoutMs int64 `json:"idleSessionTimeoutMs,omitempty"`

	// ReconnectGracePeriodMs is how long a session may stay "starting"
	// before the watchdog relaunches it.
	ReconnectGracePeriodMs int64 `json:"reconnectGracePeriodMs,omitempty"`

	// InitializeTimeoutMs bounds the backend initialize handshake.
	InitializeTimeoutMs int64 `json:"initializeTimeoutMs,omitempty"`

	// KillGracePeriodMs is the SIGTERM to SIGKILL escalation delay.
	KillGracePeriodMs int64 `json:"killGracePeriodMs,omitempty"`

	// RPCTimeoutMs bounds a single JSON-RPC round trip to a backend.
	RPCTimeoutMs int64 `json:"rpcTimeoutMs,omitempty"`

	// Adapter holds per-adapter settings keyed by adapter name.
	Adapter map[string]AdapterConfig `json:"adapter,omitempty"`
}

// AdapterConfig holds per-adapter configuration.
type AdapterConfig struct {
	// Binary overrides the backend executable name.
	Binary string `json:"binary,omitempty"`
	// Args are extra arguments appended to the spawn command.
	Args []string `json:"args,omitempty"`
	// ListenPort is the local port a forward-launched backend listens on;
	// the broker dials it.
	ListenPort int `json:"listenPort,omitempty"`
	// URL is the peer URL for remote WebSocket backends.
	URL string `json:"url,omitempty"`
	// Env is extra environment for the spawned process.
	Env map[string]string `json:"env,omitempty"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:                   8080,
		DataDir:                "",
		DefaultAdapter:         "claude",
		MaxConsumerMessageSize: 1 << 20,
		IdleSessionTimeoutMs:   0,
		ReconnectGracePeriodMs: 15_000,
		InitializeTimeoutMs:    10_000,
		KillGracePeriodMs:      5_000,
		RPCTimeoutMs:           30_000,
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/beamcode/)
// 2. Project config (.beamcode/)
// 3. Environment variables
func Load(directory string) (*Config, error) {
	cfg := Default()

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "beamcode.json"), cfg)
	loadConfigFile(filepath.Join(globalPath, "beamcode.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".beamcode", "beamcode.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".beamcode", "beamcode.jsonc"), cfg)
	}

	applyEnvOverrides(cfg)

	if cfg.DataDir == "" {
		cfg.DataDir = GetPaths().StoragePath()
	}

	return cfg, nil
}

// loadConfigFile loads a single config file, tolerating JSONC comments.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	var fileCfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &fileCfg); err != nil {
		return err
	}

	mergeConfig(cfg, &fileCfg)
	return nil
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.DefaultAdapter != "" {
		target.DefaultAdapter = source.DefaultAdapter
	}
	if source.DefaultCWD != "" {
		target.DefaultCWD = source.DefaultCWD
	}
	if source.MaxConsumerMessageSize != 0 {
		target.MaxConsumerMessageSize = source.MaxConsumerMessageSize
	}
	if source.IdleSessionTimeoutMs != 0 {
		target.IdleSessionTimeoutMs = source.IdleSessionTimeoutMs
	}
	if source.ReconnectGracePeriodMs != 0 {
		target.ReconnectGracePeriodMs = source.ReconnectGracePeriodMs
	}
	if source.InitializeTimeoutMs != 0 {
		target.InitializeTimeoutMs = source.InitializeTimeoutMs
	}
	if source.KillGracePeriodMs != 0 {
		target.KillGracePeriodMs = source.KillGracePeriodMs
	}
	if source.RPCTimeoutMs != 0 {
		target.RPCTimeoutMs = source.RPCTimeoutMs
	}

	if source.Adapter != nil {
		if target.Adapter == nil {
			target.Adapter = make(map[string]AdapterConfig)
		}
		for k, v := range source.Adapter {
			target.Adapter[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("BEAMCODE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if dir := os.Getenv("BEAMCODE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if adapter := os.Getenv("BEAMCODE_ADAPTER"); adapter != "" {
		cfg.DefaultAdapter = adapter
	}
	if timeout := os.Getenv("BEAMCODE_IDLE_TIMEOUT_MS"); timeout != "" {
		if t, err := strconv.ParseInt(timeout, 10, 64); err == nil {
			cfg.IdleSessionTimeoutMs = t
		}
	}
}
