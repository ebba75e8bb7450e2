package config

import (
	"os"
	"path/filepath"
)

// Paths holds the standard directories used by the broker.
type Paths struct {
	Config string
	Data   string
}

// GetPaths returns the XDG-style paths for config and data.
func GetPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir = filepath.Join(home, ".config")
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		dataDir = filepath.Join(home, ".local", "share")
	}

	return Paths{
		Config: filepath.Join(configDir, "beamcode"),
		Data:   filepath.Join(dataDir, "beamcode"),
	}
}

// StoragePath returns the session storage directory.
func (p Paths) StoragePath() string {
	return filepath.Join(p.Data, "sessions")
}

// EnsurePaths creates the config and data directories.
func (p Paths) EnsurePaths() error {
	for _, dir := range []string{p.Config, p.Data, p.StoragePath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
