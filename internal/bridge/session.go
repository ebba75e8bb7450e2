// Package bridge ties the per-session machinery together: the session
// registry, consumer fan-out, backend lifecycle, and message routing.
package bridge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/slashcmd"
	"github.com/beamcode/beamcode/pkg/types"
)

// passthroughRecord pairs a forwarded slash command with the consumer's
// request id, awaiting the backend's user echo.
type passthroughRecord struct {
	Command   string
	RequestID string
}

// pendingPermission is one outstanding permission request, keyed by
// request_id, remembering the backend-specific method so the response can
// be shaped to match.
type pendingPermission struct {
	RequestID string
	Method    string
	Request   *types.UnifiedMessage
}

// Session is the broker-side record for one agent session. All mutable
// fields are guarded by mu; live handles are owned exclusively by this
// record.
type Session struct {
	ID          string
	AdapterName string

	// BackendSessionID is the backend's own id for resume, mirrored from
	// the launcher record.
	BackendSessionID string

	mu sync.Mutex

	Name  string
	State types.SessionState

	Backend       backend.Session
	backendCancel context.CancelFunc

	PendingMessages     []*types.UnifiedMessage
	PendingPermissions  map[string]*pendingPermission
	PendingPassthroughs []passthroughRecord

	Consumers    map[types.SocketLike]types.ConsumerIdentity
	RateLimiters map[types.SocketLike]*rate.Limiter

	History      []*types.UnifiedMessage
	LastActivity int64

	QueuedMessage    *types.UnifiedMessage
	AnonymousCounter int

	Archived bool

	// Commands is the per-session slash command registry, reseeded on each
	// backend init.
	Commands *slashcmd.Registry

	// initResult is the shared in-flight (or finished) backend initialize;
	// concurrent triggers reuse it.
	initResult *initFuture

	// passthroughInstalled notes whether the backend handle intercepts
	// passthrough echoes itself.
	passthroughInstalled bool

	firstTurnEmitted    bool
	restoredFromStorage bool
	lastAuthStatus      *types.AuthStatusFrame
}

// initFuture is the one-shot result of a backend initialize handshake.
type initFuture struct {
	done chan struct{}
	caps *types.Capabilities
	err  error
}

// newSession creates an empty session record.
func newSession(id string) *Session {
	state := types.SessionState{SessionID: id}
	return &Session{
		ID:                 id,
		State:              state,
		PendingPermissions: make(map[string]*pendingPermission),
		Consumers:          make(map[types.SocketLike]types.ConsumerIdentity),
		RateLimiters:       make(map[types.SocketLike]*rate.Limiter),
		LastActivity:       time.Now().UnixMilli(),
		Commands:           slashcmd.NewRegistry(),
	}
}

// SetLaunchInfo mirrors launcher-record facts into the bridge session.
func (s *Session) SetLaunchInfo(adapterName, cwd, name, backendSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if adapterName != "" {
		s.AdapterName = adapterName
	}
	if cwd != "" && s.State.CWD == "" {
		s.State.CWD = cwd
	}
	if name != "" {
		s.Name = name
	}
	if backendSessionID != "" {
		s.BackendSessionID = backendSessionID
	}
}

// SetBreakerState surfaces the launcher breaker in the visible state.
func (s *Session) SetBreakerState(snapshot *types.CircuitBreakerState) {
	s.mu.Lock()
	s.State.CircuitBreaker = snapshot
	s.mu.Unlock()
}

// LastActivityMs returns the last activity timestamp.
func (s *Session) LastActivityMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActivity
}

// Touch updates the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActivity = time.Now().UnixMilli()
	s.mu.Unlock()
}

// ConsumerCount returns the number of attached consumers.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Consumers)
}

// HasBackend reports whether a backend handle is installed.
func (s *Session) HasBackend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Backend != nil
}

// snapshotState copies the user-visible state under the lock.
func (s *Session) snapshotState() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// StateSnapshot returns a copy of the user-visible state.
func (s *Session) StateSnapshot() types.SessionState {
	return s.snapshotState()
}

// persisted projects the serializable subset of the record.
func (s *Session) persisted() *types.PersistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := &types.PersistedSession{
		ID:       s.ID,
		State:    s.State,
		Archived: s.Archived,
	}
	ps.MessageHistory = append(ps.MessageHistory, s.History...)
	ps.PendingMessages = append(ps.PendingMessages, s.PendingMessages...)
	for _, perm := range s.PendingPermissions {
		ps.PendingPermissions = append(ps.PendingPermissions, types.PendingPermissionEntry{
			RequestID: perm.RequestID,
			Method:    perm.Method,
			Request:   perm.Request,
		})
	}
	return ps
}

// restore loads a persisted projection into the record.
func (s *Session) restore(ps *types.PersistedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.State = ps.State
	s.Archived = ps.Archived
	s.History = append(s.History[:0], ps.MessageHistory...)
	s.PendingMessages = append(s.PendingMessages[:0], ps.PendingMessages...)
	for _, entry := range ps.PendingPermissions {
		s.PendingPermissions[entry.RequestID] = &pendingPermission{
			RequestID: entry.RequestID,
			Method:    entry.Method,
			Request:   entry.Request,
		}
	}
}

// SessionStore is the in-memory session registry.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty registry.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session, creating an empty record on first touch.
func (st *SessionStore) GetOrCreate(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[id]; ok {
		return s
	}
	s := newSession(id)
	st.sessions[id] = s
	return s
}

// Get returns the session, if present.
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes the session record.
func (st *SessionStore) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Iterate calls fn for every session. fn must not mutate the registry.
func (st *SessionStore) Iterate(fn func(s *Session)) {
	st.mu.RLock()
	snapshot := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		snapshot = append(snapshot, s)
	}
	st.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}
