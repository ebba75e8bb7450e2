// Package trace provides opt-in wire tracing controlled by environment
// variables. With BEAMCODE_TRACE unset the tracer is a no-op.
package trace

import (
	"os"
	"strings"

	"github.com/beamcode/beamcode/internal/logging"
)

// Level controls how much of each frame is traced.
type Level string

const (
	// LevelHeaders logs peer kind, direction, session and payload size only.
	LevelHeaders Level = "headers"
	// LevelFull logs entire payloads.
	LevelFull Level = "full"
	// LevelSmart logs payloads truncated to a readable size.
	LevelSmart Level = "smart"
)

const smartLimit = 512

// Tracer logs wire traffic for debugging.
type Tracer struct {
	enabled   bool
	level     Level
	sensitive bool
}

// FromEnv builds a tracer from BEAMCODE_TRACE, BEAMCODE_TRACE_LEVEL and
// BEAMCODE_TRACE_SENSITIVE.
func FromEnv() *Tracer {
	return &Tracer{
		enabled:   parseBool(os.Getenv("BEAMCODE_TRACE")),
		level:     parseLevel(os.Getenv("BEAMCODE_TRACE_LEVEL")),
		sensitive: parseBool(os.Getenv("BEAMCODE_TRACE_SENSITIVE")),
	}
}

// Enabled reports whether tracing is on.
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled
}

// Frame traces one wire frame. direction is "in" or "out"; kind names the
// peer ("consumer", "backend").
func (t *Tracer) Frame(direction, kind, sessionID string, payload []byte) {
	if !t.Enabled() {
		return
	}

	ev := logging.Debug().
		Str("trace", kind).
		Str("dir", direction).
		Str("session_id", sessionID).
		Int("bytes", len(payload))

	switch t.level {
	case LevelFull:
		ev = ev.Str("payload", t.redact(string(payload)))
	case LevelSmart:
		p := string(payload)
		if len(p) > smartLimit {
			p = p[:smartLimit] + "..."
		}
		ev = ev.Str("payload", t.redact(p))
	}

	ev.Msg("trace")
}

// redact blanks payloads when sensitive tracing is not enabled and the
// payload looks like it carries credentials.
func (t *Tracer) redact(payload string) string {
	if t.sensitive {
		return payload
	}
	lower := strings.ToLower(payload)
	if strings.Contains(lower, "token") || strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization") {
		return "[redacted]"
	}
	return payload
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseLevel(v string) Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "full":
		return LevelFull
	case "smart":
		return LevelSmart
	default:
		return LevelHeaders
	}
}
