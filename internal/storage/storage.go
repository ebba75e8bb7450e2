// Package storage provides the durable session store: one JSON file per
// session plus a launcher state file, written atomically.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrInvalidID = errors.New("not a canonical uuid v4")
)

// launcherFile is the launcher state file name inside the store directory.
const launcherFile = "launcher.json"

// uuidV4Pattern matches canonical lowercase UUID v4 only. Anything else is
// rejected at every boundary.
var uuidV4Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidSessionID reports whether id is a canonical lowercase UUID v4.
func ValidSessionID(id string) bool {
	return uuidV4Pattern.MatchString(id)
}

// Store persists sessions and launcher state under a single directory.
// Save is debounced; SaveSync writes through immediately.
type Store struct {
	dir      string
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	queued map[string]*types.PersistedSession
}

// New creates a store rooted at dir, creating it if needed and reaping any
// orphan temp files left by a crash.
func New(dir string, debounce time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	s := &Store{
		dir:      dir,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		queued:   make(map[string]*types.PersistedSession),
	}
	s.reapOrphans()
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// reapOrphans removes stale .tmp files so crashed partial writes are never
// observable.
func (s *Store) reapOrphans() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err == nil {
			logging.Warn().Str("file", entry.Name()).Msg("removed orphan temp file")
		}
	}
}

// Save schedules a debounced write of the session. Later calls for the same
// id replace the queued snapshot.
func (s *Store) Save(ps *types.PersistedSession) {
	if !ValidSessionID(ps.ID) {
		logging.Error().Str("session_id", ps.ID).Msg("refusing to save session with invalid id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queued[ps.ID] = ps
	if timer, ok := s.timers[ps.ID]; ok {
		timer.Reset(s.debounce)
		return
	}

	id := ps.ID
	s.timers[id] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		snapshot := s.queued[id]
		delete(s.queued, id)
		delete(s.timers, id)
		s.mu.Unlock()

		if snapshot == nil {
			return
		}
		if err := s.writeSession(snapshot); err != nil {
			logging.Error().Err(err).Str("session_id", id).Msg("debounced session save failed")
		}
	})
}

// SaveSync writes the session immediately and atomically, superseding any
// queued debounced write.
func (s *Store) SaveSync(ps *types.PersistedSession) error {
	if !ValidSessionID(ps.ID) {
		logging.Error().Str("session_id", ps.ID).Msg("refusing to save session with invalid id")
		return ErrInvalidID
	}

	s.mu.Lock()
	if timer, ok := s.timers[ps.ID]; ok {
		timer.Stop()
		delete(s.timers, ps.ID)
	}
	delete(s.queued, ps.ID)
	s.mu.Unlock()

	return s.writeSession(ps)
}

// Flush writes out every queued debounced save. Used at shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	pending := make([]*types.PersistedSession, 0, len(s.queued))
	for id, ps := range s.queued {
		if timer, ok := s.timers[id]; ok {
			timer.Stop()
			delete(s.timers, id)
		}
		pending = append(pending, ps)
		delete(s.queued, id)
	}
	s.mu.Unlock()

	for _, ps := range pending {
		if err := s.writeSession(ps); err != nil {
			logging.Error().Err(err).Str("session_id", ps.ID).Msg("flush save failed")
		}
	}
}

// writeSession writes <id>.json via temp file and rename.
func (s *Store) writeSession(ps *types.PersistedSession) error {
	return s.atomicWrite(ps.ID+".json", ps)
}

// atomicWrite marshals v and writes it to name with temp+fsync+rename
// semantics so readers see either the old or the new content.
func (s *Store) atomicWrite(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	finalPath := filepath.Join(s.dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Load reads one persisted session. Corrupt or empty files yield (nil, nil);
// a missing file yields ErrNotFound. Invalid ids are rejected.
func (s *Store) Load(id string) (*types.PersistedSession, error) {
	if !ValidSessionID(id) {
		logging.Error().Str("session_id", id).Msg("refusing to load session with invalid id")
		return nil, ErrInvalidID
	}

	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var ps types.PersistedSession
	if err := json.Unmarshal(data, &ps); err != nil {
		logging.Error().Err(err).Str("session_id", id).Msg("corrupt session file")
		return nil, nil
	}
	if ps.ID != id {
		logging.Error().Str("session_id", id).Str("file_id", ps.ID).Msg("session file id mismatch")
		return nil, nil
	}

	return &ps, nil
}

// LoadAll scans the directory and loads every valid persisted session.
// Files whose names are not canonical UUIDs are ignored.
func (s *Store) LoadAll() []*types.PersistedSession {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var sessions []*types.PersistedSession
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || name == launcherFile {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !ValidSessionID(id) {
			logging.Warn().Str("file", name).Msg("ignoring non-uuid session file")
			continue
		}
		ps, err := s.Load(id)
		if err != nil || ps == nil {
			continue
		}
		sessions = append(sessions, ps)
	}

	return sessions
}

// Delete removes a persisted session. Missing files are a no-op.
func (s *Store) Delete(id string) error {
	if !ValidSessionID(id) {
		return ErrInvalidID
	}

	s.mu.Lock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	delete(s.queued, id)
	s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

// SaveLauncherSync atomically writes the launcher records.
func (s *Store) SaveLauncherSync(records map[string]*types.LauncherRecord) error {
	filtered := make(map[string]*types.LauncherRecord, len(records))
	for id, rec := range records {
		if !ValidSessionID(id) {
			logging.Error().Str("session_id", id).Msg("dropping launcher record with invalid id")
			continue
		}
		filtered[id] = rec
	}
	return s.atomicWrite(launcherFile, filtered)
}

// LoadLauncher reads the launcher records. Corrupt or missing files yield an
// empty map, never an error.
func (s *Store) LoadLauncher() map[string]*types.LauncherRecord {
	records := make(map[string]*types.LauncherRecord)

	data, err := os.ReadFile(filepath.Join(s.dir, launcherFile))
	if err != nil || len(data) == 0 {
		return records
	}

	var loaded map[string]*types.LauncherRecord
	if err := json.Unmarshal(data, &loaded); err != nil {
		logging.Error().Err(err).Msg("corrupt launcher file")
		return records
	}

	for id, rec := range loaded {
		if !ValidSessionID(id) {
			logging.Warn().Str("session_id", id).Msg("ignoring launcher record with invalid id")
			continue
		}
		records[id] = rec
	}

	return records
}
