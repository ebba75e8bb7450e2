package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reset restores the default logger after a test reconfigures it.
func reset(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		Init(Config{Level: InfoLevel})
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, InfoLevel, ParseLevel("INFO"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, FatalLevel, ParseLevel("fatal"))
	assert.Equal(t, InfoLevel, ParseLevel("bogus"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
}

func TestLevelFiltering(t *testing.T) {
	reset(t)

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})

	Info().Msg("dropped")
	Warn().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestFileMirror(t *testing.T) {
	reset(t)

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "broker.log")
	Init(Config{Level: InfoLevel, Output: &buf, FilePath: path})

	Info().Str("k", "v").Msg("mirrored")
	Close()

	assert.Equal(t, "", FilePath())
	assert.Contains(t, buf.String(), "mirrored")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mirrored")
}

func TestScopedLoggers(t *testing.T) {
	reset(t)

	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	ForComponent("supervisor").Info().Msg("scoped")
	ForSession("11111111-1111-4111-8111-111111111111").Warn().Msg("session scoped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "supervisor", first["component"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", second["session_id"])
}

func TestInitFromEnv(t *testing.T) {
	reset(t)

	t.Setenv("BEAMCODE_LOG_LEVEL", "debug")
	t.Setenv("BEAMCODE_LOG_PRETTY", "")
	t.Setenv("BEAMCODE_LOG_FILE", filepath.Join(t.TempDir(), "env.log"))

	InitFromEnv()
	defer Close()

	assert.Equal(t, DebugLevel, Logger.GetLevel())
	assert.NotEqual(t, "", FilePath())
}
