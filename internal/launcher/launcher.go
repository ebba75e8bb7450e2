// Package launcher owns the per-session process records: spawning backends
// through the supervisor, tracking their lifecycle states, and persisting
// the records across broker restarts.
package launcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/pkg/types"
)

// LaunchOptions parameterize a new session.
type LaunchOptions struct {
	AdapterName string
	CWD         string
	Name        string
	Payload     map[string]any
}

// Launcher manages launcher records and the supervisor beneath them.
type Launcher struct {
	sup      *supervisor.Supervisor
	store    *storage.Store
	adapters backend.Resolver
	bus      *event.Bus

	mu      sync.Mutex
	records map[string]*types.LauncherRecord
}

// New creates a launcher. store may be nil to run without persistence.
func New(sup *supervisor.Supervisor, store *storage.Store, adapters backend.Resolver, bus *event.Bus) *Launcher {
	l := &Launcher{
		sup:      sup,
		store:    store,
		adapters: adapters,
		bus:      bus,
		records:  make(map[string]*types.LauncherRecord),
	}
	sup.OnExit(l.handleExit)
	return l
}

// BreakerSnapshot exposes the supervisor breaker's visible state.
func (l *Launcher) BreakerSnapshot() *types.CircuitBreakerState {
	return l.sup.Breaker().Snapshot()
}

// Launch registers a new session and spawns its backend process when the
// adapter is forward-launch. The record starts in the starting state.
func (l *Launcher) Launch(opts LaunchOptions) (*types.LauncherRecord, error) {
	id := uuid.NewString()

	record := &types.LauncherRecord{
		SessionID:   id,
		State:       types.LauncherStarting,
		CWD:         opts.CWD,
		CreatedAt:   time.Now().UnixMilli(),
		AdapterName: opts.AdapterName,
		Name:        opts.Name,
	}

	l.mu.Lock()
	l.records[id] = record
	l.mu.Unlock()
	l.persist()

	if err := l.spawn(record, opts.Payload); err != nil {
		return nil, err
	}

	return l.copyRecord(id), nil
}

// spawn starts the backend process when the adapter builds spawn args;
// adapters that own their child or are dialed externally skip it.
func (l *Launcher) spawn(record *types.LauncherRecord, payload map[string]any) error {
	adapter, err := l.adapters.Resolve(record.AdapterName)
	if err != nil {
		return err
	}

	fl, ok := adapter.(backend.ForwardLaunchAdapter)
	if !ok {
		return nil
	}

	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["cwd"]; !ok {
		payload["cwd"] = record.CWD
	}
	if record.BackendSessionID != "" {
		payload["backendSessionId"] = record.BackendSessionID
	}

	spec, err := fl.BuildSpawnArgs(record.SessionID, payload)
	if err != nil {
		return err
	}

	handle, err := l.sup.SpawnProcess(record.SessionID, spec, record.AdapterName)
	if err != nil {
		l.mu.Lock()
		record.State = types.LauncherExited
		record.PID = nil
		l.mu.Unlock()
		l.persist()

		if _, open := err.(*supervisor.CircuitOpenError); open {
			l.emit(event.CircuitBreakerOpen, event.CircuitBreakerOpenData{
				SessionID: record.SessionID,
				Label:     record.AdapterName,
			})
		}
		return err
	}

	l.mu.Lock()
	pid := handle.PID
	record.PID = &pid
	record.State = types.LauncherStarting
	l.mu.Unlock()
	l.persist()

	return nil
}

// handleExit reacts to a supervised process exiting. A newer spawn may
// already be tracked for the session; its record must not be clobbered.
func (l *Launcher) handleExit(sessionID string, exitCode *int) {
	if _, stillRunning := l.sup.Get(sessionID); stillRunning {
		return
	}

	l.mu.Lock()
	record, ok := l.records[sessionID]
	if ok {
		record.PID = nil
		if record.State != types.LauncherArchived {
			record.State = types.LauncherExited
		}
	}
	archived := ok && record.Archived
	l.mu.Unlock()

	if !ok {
		return
	}
	l.persist()

	if !archived {
		l.emit(event.BackendRelaunchNeeded, event.BackendRelaunchNeededData{SessionID: sessionID})
	}
}

// Relaunch kills any running process and respawns with exponential backoff.
// Archived sessions are refused.
func (l *Launcher) Relaunch(sessionID string) error {
	l.mu.Lock()
	record, ok := l.records[sessionID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if record.Archived {
		l.mu.Unlock()
		return fmt.Errorf("session %s is archived", sessionID)
	}
	record.State = types.LauncherStarting
	l.mu.Unlock()
	l.persist()

	if err := l.sup.KillProcess(sessionID); err != nil {
		logging.ForSession(sessionID).Warn().Err(err).Msg("kill before relaunch failed")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		err := l.spawn(record, nil)
		if err != nil {
			if _, open := err.(*supervisor.CircuitOpenError); open {
				// The breaker gates relaunch storms; give up until recovery.
				return backoff.Permanent(err)
			}
		}
		return err
	}, policy)
}

// Kill stops the session's process.
func (l *Launcher) Kill(sessionID string) error {
	err := l.sup.KillProcess(sessionID)

	l.mu.Lock()
	if record, ok := l.records[sessionID]; ok {
		record.PID = nil
		if record.State != types.LauncherArchived {
			record.State = types.LauncherExited
		}
	}
	l.mu.Unlock()
	l.persist()

	return err
}

// KillAll stops every supervised process.
func (l *Launcher) KillAll() {
	l.sup.KillAll()
}

// GetSession returns a copy of the record.
func (l *Launcher) GetSession(sessionID string) (*types.LauncherRecord, bool) {
	rec := l.copyRecord(sessionID)
	return rec, rec != nil
}

// ListSessions returns copies of all records.
func (l *Launcher) ListSessions() []*types.LauncherRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*types.LauncherRecord, 0, len(l.records))
	for _, record := range l.records {
		c := *record
		out = append(out, &c)
	}
	return out
}

// GetStartingSessions returns the ids of records still in starting state.
func (l *Launcher) GetStartingSessions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for id, record := range l.records {
		if record.State == types.LauncherStarting && !record.Archived {
			out = append(out, id)
		}
	}
	return out
}

// MarkConnected transitions a record to connected.
func (l *Launcher) MarkConnected(sessionID string) {
	l.mu.Lock()
	if record, ok := l.records[sessionID]; ok && record.State != types.LauncherArchived {
		record.State = types.LauncherConnected
	}
	l.mu.Unlock()
	l.persist()
}

// SetBackendSessionID stores the backend's own id for resume.
func (l *Launcher) SetBackendSessionID(sessionID, backendSessionID string) {
	l.mu.Lock()
	if record, ok := l.records[sessionID]; ok {
		record.BackendSessionID = backendSessionID
	}
	l.mu.Unlock()
	l.persist()
}

// SetSessionName renames a session.
func (l *Launcher) SetSessionName(sessionID, name string) {
	l.mu.Lock()
	if record, ok := l.records[sessionID]; ok {
		record.Name = name
	}
	l.mu.Unlock()
	l.persist()
}

// SetArchived flags a session archived; archived sessions are never
// relaunched.
func (l *Launcher) SetArchived(sessionID string, archived bool) {
	l.mu.Lock()
	if record, ok := l.records[sessionID]; ok {
		record.Archived = archived
		if archived {
			record.State = types.LauncherArchived
		} else if record.PID == nil {
			record.State = types.LauncherExited
		}
	}
	l.mu.Unlock()
	l.persist()
}

// RemoveSession kills the process and deletes the record.
func (l *Launcher) RemoveSession(sessionID string) {
	if err := l.sup.KillProcess(sessionID); err != nil {
		logging.ForSession(sessionID).Warn().Err(err).Msg("kill during remove failed")
	}

	l.mu.Lock()
	delete(l.records, sessionID)
	l.mu.Unlock()
	l.persist()
}

// RestoreFromStorage loads launcher records. Records that were connected
// before the restart come back as starting so the watchdog can relaunch
// them.
func (l *Launcher) RestoreFromStorage() {
	if l.store == nil {
		return
	}

	loaded := l.store.LoadLauncher()

	l.mu.Lock()
	for id, record := range loaded {
		if record.State == types.LauncherConnected {
			record.State = types.LauncherStarting
		}
		record.PID = nil
		l.records[id] = record
	}
	l.mu.Unlock()
	l.persist()
}

// persist writes the launcher records synchronously.
func (l *Launcher) persist() {
	if l.store == nil {
		return
	}

	l.mu.Lock()
	snapshot := make(map[string]*types.LauncherRecord, len(l.records))
	for id, record := range l.records {
		c := *record
		snapshot[id] = &c
	}
	l.mu.Unlock()

	if err := l.store.SaveLauncherSync(snapshot); err != nil {
		logging.ForComponent("launcher").Error().Err(err).Msg("launcher state save failed")
	}
}

// copyRecord returns a copy of one record, or nil.
func (l *Launcher) copyRecord(sessionID string) *types.LauncherRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[sessionID]
	if !ok {
		return nil
	}
	c := *record
	return &c
}

// emit publishes a launcher event.
func (l *Launcher) emit(t event.EventType, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(event.Event{Type: t, Data: data})
}
