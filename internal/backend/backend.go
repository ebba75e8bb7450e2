// Package backend defines the pluggable backend adapter surface: how the
// broker connects to a coding-assistant process or remote peer and exchanges
// UnifiedMessages with it.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/pkg/types"
)

var (
	// ErrSessionClosed is returned by Send/SendRaw after Close.
	ErrSessionClosed = errors.New("backend session closed")
)

// UnsupportedRawError is returned by SendRaw when the backend has no native
// pre-serialized form.
type UnsupportedRawError struct {
	Adapter string
}

func (e *UnsupportedRawError) Error() string {
	return fmt.Sprintf("adapter %s does not accept raw messages", e.Adapter)
}

// Capabilities advertises what a backend supports.
type Capabilities struct {
	Streaming     bool   `json:"streaming"`
	Permissions   bool   `json:"permissions"`
	SlashCommands bool   `json:"slashCommands"`
	Availability  string `json:"availability"` // "local" | "remote"
	Teams         bool   `json:"teams"`
}

// ConnectOptions parameterize a backend connection.
type ConnectOptions struct {
	SessionID        string
	CWD              string
	Resume           bool
	BackendSessionID string
	AdapterOptions   map[string]any
	ExistingSocket   types.SocketLike
}

// Session is a live bidirectional stream to one backend.
type Session interface {
	// Send enqueues a message toward the backend without blocking on
	// backend internals. It fails once the session is closed.
	Send(msg *types.UnifiedMessage) error

	// SendRaw forwards a pre-serialized native message. Backends without a
	// raw form return UnsupportedRawError.
	SendRaw(text string) error

	// Messages is the single-subscriber inbound stream. It is closed when
	// the backend ends; a new stream requires a reconnect.
	Messages() <-chan *types.UnifiedMessage

	// Close terminates the stream and releases resources. Idempotent.
	Close() error
}

// PassthroughHandler inspects a backend message before routing; returning
// true consumes the message.
type PassthroughHandler func(msg *types.UnifiedMessage) bool

// PassthroughCapable is implemented by sessions whose backend echoes user
// messages for passthrough slash commands.
type PassthroughCapable interface {
	SetPassthroughHandler(fn PassthroughHandler)
}

// Adapter is a factory for backend sessions.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
}

// ForwardLaunchAdapter is implemented by adapters whose backend process the
// broker spawns. BuildSpawnArgs is the single source of truth for the
// backend's CLI surface.
type ForwardLaunchAdapter interface {
	Adapter
	BuildSpawnArgs(sessionID string, payload map[string]any) (supervisor.SpawnSpec, error)
}

// InvertedConnectionAdapter is implemented by adapters whose CLI dials into
// the broker (e.g. an SDK URL). The WebSocket server delivers the accepted
// socket; a false return tells the server to close it.
type InvertedConnectionAdapter interface {
	Adapter
	DeliverSocket(sessionID string, socket types.SocketLike) bool
	DeliverFrame(sessionID string, data []byte)
	SocketClosed(sessionID string)
}

// Resolver maps adapter names to adapters.
type Resolver interface {
	Resolve(name string) (Adapter, error)
}

// Registry is a map-backed Resolver.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry over the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Resolve implements Resolver.
func (r *Registry) Resolve(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown adapter: %q", name)
	}
	return a, nil
}

// Names lists the registered adapter names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
