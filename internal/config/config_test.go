package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "claude", cfg.DefaultAdapter)
	assert.Equal(t, 1<<20, cfg.MaxConsumerMessageSize)
	assert.Equal(t, int64(5_000), cfg.KillGracePeriodMs)
	assert.Equal(t, int64(30_000), cfg.RPCTimeoutMs)
	assert.Equal(t, int64(0), cfg.IdleSessionTimeoutMs)
}

func TestProjectConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".beamcode"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".beamcode", "beamcode.json"), []byte(`{
		// project overrides
		"port": 9191,
		"defaultAdapter": "codex",
		"idleSessionTimeoutMs": 60000,
		"adapter": {"codex": {"binary": "/usr/local/bin/codex", "listenPort": 8123}}
	}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, "codex", cfg.DefaultAdapter)
	assert.Equal(t, int64(60000), cfg.IdleSessionTimeoutMs)
	assert.Equal(t, "/usr/local/bin/codex", cfg.Adapter["codex"].Binary)
	assert.Equal(t, 8123, cfg.Adapter["codex"].ListenPort)

	// Untouched values keep their defaults.
	assert.Equal(t, int64(5_000), cfg.KillGracePeriodMs)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("BEAMCODE_PORT", "7001")
	t.Setenv("BEAMCODE_ADAPTER", "gemini")
	t.Setenv("BEAMCODE_DATA_DIR", "/var/lib/beamcode")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, "gemini", cfg.DefaultAdapter)
	assert.Equal(t, "/var/lib/beamcode", cfg.DataDir)
}

func TestBadEnvIgnored(t *testing.T) {
	t.Setenv("BEAMCODE_PORT", "not-a-number")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}
