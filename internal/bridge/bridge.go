package bridge

import (
	"time"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/gate"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/pkg/types"
)

// Config tunes the bridge.
type Config struct {
	// MaxConsumerMessageSize caps one consumer frame, in bytes.
	MaxConsumerMessageSize int
	// InitializeTimeout bounds the backend initialize handshake.
	InitializeTimeout time.Duration
}

// DefaultConfig returns the standard bridge tuning.
func DefaultConfig() Config {
	return Config{
		MaxConsumerMessageSize: 1 << 20,
		InitializeTimeout:      10 * time.Second,
	}
}

// Bridge owns the session registry and routes every message between
// consumers and backends.
type Bridge struct {
	cfg      Config
	sessions *SessionStore
	storage  *storage.Store
	gate     *gate.Gate
	adapters backend.Resolver
	bus      *event.Bus
}

// New creates a bridge. storage may be nil to run without persistence;
// adapters may be nil when backends are connected externally (tests).
func New(cfg Config, store *storage.Store, g *gate.Gate, adapters backend.Resolver, bus *event.Bus) *Bridge {
	if cfg.MaxConsumerMessageSize <= 0 {
		cfg.MaxConsumerMessageSize = DefaultConfig().MaxConsumerMessageSize
	}
	if cfg.InitializeTimeout <= 0 {
		cfg.InitializeTimeout = DefaultConfig().InitializeTimeout
	}
	if g == nil {
		g = gate.New(nil)
	}
	if bus == nil {
		bus = event.NewBus()
	}
	return &Bridge{
		cfg:      cfg,
		sessions: NewSessionStore(),
		storage:  store,
		gate:     g,
		adapters: adapters,
		bus:      bus,
	}
}

// Sessions exposes the session registry.
func (b *Bridge) Sessions() *SessionStore {
	return b.sessions
}

// Bus exposes the bridge's event bus.
func (b *Bridge) Bus() *event.Bus {
	return b.bus
}

// GetOrCreateSession returns the session record, creating it on first touch
// and restoring any persisted state.
func (b *Bridge) GetOrCreateSession(id, adapterName string) *Session {
	s := b.sessions.GetOrCreate(id)

	s.mu.Lock()
	if s.AdapterName == "" {
		s.AdapterName = adapterName
	}
	restored := s.restoredFromStorage
	s.restoredFromStorage = true
	s.mu.Unlock()

	if !restored && b.storage != nil {
		if ps, err := b.storage.Load(id); err == nil && ps != nil {
			s.restore(ps)
		}
	}
	return s
}

// emit publishes a bridge event.
func (b *Bridge) emit(t event.EventType, data any) {
	b.bus.Publish(event.Event{Type: t, Data: data})
}

// persist schedules a debounced save of the session.
func (b *Bridge) persist(s *Session) {
	if b.storage == nil {
		return
	}
	b.storage.Save(s.persisted())
}

// persistSync writes the session through immediately.
func (b *Bridge) persistSync(s *Session) {
	if b.storage == nil {
		return
	}
	if err := b.storage.SaveSync(s.persisted()); err != nil {
		logging.ForSession(s.ID).Error().Err(err).Msg("session save failed")
	}
}

// CloseSession tears a session down: backend, consumers, registry entry,
// persisted record. Missing ids are a no-op.
func (b *Bridge) CloseSession(id string) {
	s, ok := b.sessions.Get(id)
	if !ok {
		return
	}

	b.DisconnectBackend(s, 1000, "session closed")

	s.mu.Lock()
	sockets := make([]types.SocketLike, 0, len(s.Consumers))
	for socket := range s.Consumers {
		sockets = append(sockets, socket)
	}
	s.Consumers = make(map[types.SocketLike]types.ConsumerIdentity)
	s.RateLimiters = nil
	s.mu.Unlock()

	for _, socket := range sockets {
		if err := socket.Close(1000, "session closed"); err != nil {
			logging.ForSession(id).Debug().Err(err).Msg("consumer close failed")
		}
	}

	b.sessions.Delete(id)
	if b.storage != nil {
		if err := b.storage.Delete(id); err != nil {
			logging.ForSession(id).Error().Err(err).Msg("session delete failed")
		}
	}

	b.emit(event.SessionClosed, event.SessionClosedData{SessionID: id})
}

// SetArchived flags the session record and persists synchronously.
func (b *Bridge) SetArchived(id string, archived bool) {
	s, ok := b.sessions.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	s.Archived = archived
	s.mu.Unlock()
	b.persistSync(s)
}

// Shutdown flushes every session to storage.
func (b *Bridge) Shutdown() {
	b.sessions.Iterate(func(s *Session) {
		b.persistSync(s)
	})
	if b.storage != nil {
		b.storage.Flush()
	}
}
