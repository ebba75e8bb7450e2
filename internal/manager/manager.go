// Package manager wires the launcher, bridge and adapters together and runs
// the watchdogs: relaunch dedup, reconnect grace, and the idle reaper.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/launcher"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/types"
)

// Config tunes the manager's watchdogs.
type Config struct {
	// ReconnectGracePeriod is how long a starting session may stay
	// unconnected before the watchdog relaunches it.
	ReconnectGracePeriod time.Duration
	// IdleSessionTimeout reaps sessions with no backend and no consumers.
	// Zero disables the reaper.
	IdleSessionTimeout time.Duration
}

// Result is the structured outcome of a top-level operation.
type Result struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Manager is the top level of the broker.
type Manager struct {
	cfg      Config
	bridge   *bridge.Bridge
	launcher *launcher.Launcher
	adapters backend.Resolver
	bus      *event.Bus

	mu          sync.Mutex
	relaunching map[string]bool

	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	unsubs   []func()
}

// New creates a manager over an existing bridge and launcher.
func New(cfg Config, br *bridge.Bridge, l *launcher.Launcher, adapters backend.Resolver, bus *event.Bus) *Manager {
	if cfg.ReconnectGracePeriod <= 0 {
		cfg.ReconnectGracePeriod = 15 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		bridge:      br,
		launcher:    l,
		adapters:    adapters,
		bus:         bus,
		relaunching: make(map[string]bool),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Bridge exposes the session bridge.
func (m *Manager) Bridge() *bridge.Bridge {
	return m.bridge
}

// Launcher exposes the session launcher.
func (m *Manager) Launcher() *launcher.Launcher {
	return m.launcher
}

// Start subscribes the event wiring and launches the watchdogs.
func (m *Manager) Start() {
	m.unsubs = append(m.unsubs,
		m.bus.Subscribe(event.BackendSessionID, func(e event.Event) {
			if data, ok := e.Data.(event.BackendSessionIDData); ok {
				m.launcher.SetBackendSessionID(data.SessionID, data.BackendSessionID)
			}
		}),
		m.bus.Subscribe(event.BackendConnected, func(e event.Event) {
			if data, ok := e.Data.(event.BackendConnectedData); ok {
				m.launcher.MarkConnected(data.SessionID)
			}
		}),
		m.bus.Subscribe(event.BackendRelaunchNeeded, func(e event.Event) {
			if data, ok := e.Data.(event.BackendRelaunchNeededData); ok {
				m.relaunch(data.SessionID)
			}
		}),
	)

	m.launcher.RestoreFromStorage()
	m.startReconnectWatchdog()
	m.startIdleReaper()
}

// relaunch performs a dedup-guarded relaunch: concurrent triggers for the
// same session collapse into one attempt. Archived sessions are skipped.
func (m *Manager) relaunch(sessionID string) {
	record, ok := m.launcher.GetSession(sessionID)
	if !ok || record.Archived {
		return
	}

	m.mu.Lock()
	if m.relaunching[sessionID] {
		m.mu.Unlock()
		return
	}
	m.relaunching[sessionID] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.relaunching, sessionID)
			m.mu.Unlock()
		}()

		if err := m.launcher.Relaunch(sessionID); err != nil {
			logging.ForSession(sessionID).Warn().Err(err).Msg("relaunch failed")
			return
		}

		// Dial-out adapters need the bridge to reconnect explicitly;
		// inverted CLIs will dial back in on their own.
		adapter, err := m.adapters.Resolve(record.AdapterName)
		if err != nil {
			return
		}
		if _, inverted := adapter.(backend.InvertedConnectionAdapter); inverted {
			return
		}

		s := m.sessionRecord(sessionID, record)
		if err := m.bridge.ConnectBackend(context.Background(), s); err != nil {
			logging.ForSession(sessionID).Warn().Err(err).Msg("backend reconnect failed")
		}
	}()
}

// sessionRecord materializes the bridge session for a launcher record.
func (m *Manager) sessionRecord(sessionID string, record *types.LauncherRecord) *bridge.Session {
	s := m.bridge.GetOrCreateSession(sessionID, record.AdapterName)
	s.SetLaunchInfo(record.AdapterName, record.CWD, record.Name, record.BackendSessionID)
	s.SetBreakerState(m.launcher.BreakerSnapshot())
	return s
}

// startReconnectWatchdog arms one grace timer per starting session; when
// the grace elapses and the session is still starting (and not archived),
// it is relaunched.
func (m *Manager) startReconnectWatchdog() {
	starting := m.launcher.GetStartingSessions()
	for _, sessionID := range starting {
		id := sessionID
		timer := time.AfterFunc(m.cfg.ReconnectGracePeriod, func() {
			record, ok := m.launcher.GetSession(id)
			if !ok || record.Archived || record.State != types.LauncherStarting {
				return
			}
			logging.ForSession(id).Info().Msg("reconnect grace elapsed, relaunching")
			m.relaunch(id)
		})
		go func() {
			<-m.stopCh
			timer.Stop()
		}()
	}
}

// startIdleReaper periodically closes sessions with no backend, no
// consumers, and stale activity.
func (m *Manager) startIdleReaper() {
	if m.cfg.IdleSessionTimeout <= 0 {
		return
	}

	interval := m.cfg.IdleSessionTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

// reapIdle closes every idle session.
func (m *Manager) reapIdle() {
	cutoff := m.now().UnixMilli() - m.cfg.IdleSessionTimeout.Milliseconds()

	var idle []string
	m.bridge.Sessions().Iterate(func(s *bridge.Session) {
		if s.HasBackend() || s.ConsumerCount() > 0 {
			return
		}
		if s.LastActivityMs() <= cutoff {
			idle = append(idle, s.ID)
		}
	})

	for _, id := range idle {
		logging.ForSession(id).Info().Msg("reaping idle session")
		m.CloseSession(id)
	}
}

// CreateSession launches a new session.
func (m *Manager) CreateSession(adapterName, cwd, name string) Result {
	if adapterName == "" {
		return Result{OK: false, Message: "adapter name is required"}
	}
	if _, err := m.adapters.Resolve(adapterName); err != nil {
		return Result{OK: false, Message: err.Error()}
	}

	record, err := m.launcher.Launch(launcher.LaunchOptions{
		AdapterName: adapterName,
		CWD:         cwd,
		Name:        name,
	})
	if err != nil {
		return Result{OK: false, Message: fmt.Sprintf("launch failed: %v", err)}
	}

	s := m.bridge.GetOrCreateSession(record.SessionID, adapterName)
	s.SetLaunchInfo(adapterName, cwd, name, "")

	return Result{OK: true, SessionID: record.SessionID, Message: "session created"}
}

// EnsureSession materializes the bridge record for a known launcher
// session. Unknown ids return false.
func (m *Manager) EnsureSession(sessionID string) (*bridge.Session, bool) {
	record, ok := m.launcher.GetSession(sessionID)
	if !ok {
		return nil, false
	}
	return m.sessionRecord(sessionID, record), true
}

// CloseSession tears a session down everywhere.
func (m *Manager) CloseSession(sessionID string) Result {
	if _, ok := m.launcher.GetSession(sessionID); !ok {
		if _, inBridge := m.bridge.Sessions().Get(sessionID); !inBridge {
			return Result{OK: true, Message: "session already gone"}
		}
	}

	m.launcher.RemoveSession(sessionID)
	m.bridge.CloseSession(sessionID)

	return Result{OK: true, SessionID: sessionID, Message: "session closed"}
}

// SetArchived archives or unarchives a session.
func (m *Manager) SetArchived(sessionID string, archived bool) Result {
	if _, ok := m.launcher.GetSession(sessionID); !ok {
		return Result{OK: false, Message: "session not found"}
	}
	m.launcher.SetArchived(sessionID, archived)
	m.bridge.SetArchived(sessionID, archived)
	return Result{OK: true, SessionID: sessionID, Message: "session updated"}
}

// HandleCLIConnection handles an inbound CLI WebSocket for inverted
// adapters. A false return tells the server to close the socket.
func (m *Manager) HandleCLIConnection(socket types.SocketLike, sessionID string) (backend.InvertedConnectionAdapter, bool) {
	record, ok := m.launcher.GetSession(sessionID)
	if !ok || record.Archived {
		return nil, false
	}

	adapter, err := m.adapters.Resolve(record.AdapterName)
	if err != nil {
		return nil, false
	}
	inverted, ok := adapter.(backend.InvertedConnectionAdapter)
	if !ok {
		return nil, false
	}

	s := m.sessionRecord(sessionID, record)
	if !s.HasBackend() {
		if err := m.bridge.ConnectBackend(context.Background(), s); err != nil {
			logging.ForSession(sessionID).Warn().Err(err).Msg("inverted connect failed")
			return nil, false
		}
	}

	if !inverted.DeliverSocket(sessionID, socket) {
		return nil, false
	}
	return inverted, true
}

// Stop shuts the broker down: watchdogs, children, persistence.
func (m *Manager) Stop() Result {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		for _, unsub := range m.unsubs {
			unsub()
		}
		m.launcher.KillAll()
		m.bridge.Shutdown()
	})
	return Result{OK: true, Message: "broker stopped"}
}
