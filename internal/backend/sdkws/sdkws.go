// Package sdkws implements the inverted-connection backend adapter: the
// broker spawns a CLI with an SDK URL pointing back at itself, and the CLI
// dials in over WebSocket. The accepted socket is delivered by the server
// after the bridge has connected the backend.
package sdkws

import (
	"context"
	"fmt"
	"sync"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/pkg/types"
)

// Options configure the adapter.
type Options struct {
	// Name is the adapter name ("claude").
	Name string
	// Binary is the CLI executable.
	Binary string
	// BrokerPort is the broker's own listen port, baked into the SDK URL.
	BrokerPort int
	// ExtraArgs are appended to the spawn command.
	ExtraArgs []string
	// Translator converts between the CLI dialect and UnifiedMessages.
	Translator backend.Translator
	// Tracer traces wire frames when enabled.
	Tracer *trace.Tracer
}

// Adapter accepts CLI connections delivered by the WebSocket server.
type Adapter struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an sdkws adapter.
func New(opts Options) *Adapter {
	if opts.Name == "" {
		opts.Name = "claude"
	}
	if opts.Binary == "" {
		opts.Binary = opts.Name
	}
	if opts.Translator.Inbound == nil {
		opts.Translator = backend.CarrierTranslator()
	}
	return &Adapter{opts: opts, sessions: make(map[string]*session)}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string {
	return a.opts.Name
}

// Capabilities implements backend.Adapter.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  "local",
	}
}

// BuildSpawnArgs implements backend.ForwardLaunchAdapter.
func (a *Adapter) BuildSpawnArgs(sessionID string, payload map[string]any) (supervisor.SpawnSpec, error) {
	sdkURL := fmt.Sprintf("ws://127.0.0.1:%d/cli/ws?session_id=%s", a.opts.BrokerPort, sessionID)
	args := []string{"--sdk-url", sdkURL, "--input-format", "stream-json", "--output-format", "stream-json"}
	if resume, _ := payload["backendSessionId"].(string); resume != "" {
		args = append(args, "--resume", resume)
	}
	args = append(args, a.opts.ExtraArgs...)

	cwd, _ := payload["cwd"].(string)
	return supervisor.SpawnSpec{Command: a.opts.Binary, Args: args, CWD: cwd}, nil
}

// Connect implements backend.Adapter. The returned session buffers outbound
// traffic until the CLI's socket arrives.
func (a *Adapter) Connect(ctx context.Context, opts backend.ConnectOptions) (backend.Session, error) {
	s := &session{
		adapter:   a,
		sessionID: opts.SessionID,
		messages:  make(chan *types.UnifiedMessage, 64),
		done:      make(chan struct{}),
	}

	if opts.ExistingSocket != nil {
		s.bindSocket(opts.ExistingSocket)
	}

	a.mu.Lock()
	if prev, ok := a.sessions[opts.SessionID]; ok {
		prev.Close()
	}
	a.sessions[opts.SessionID] = s
	a.mu.Unlock()

	return s, nil
}

// DeliverSocket implements backend.InvertedConnectionAdapter.
func (a *Adapter) DeliverSocket(sessionID string, socket types.SocketLike) bool {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	a.mu.Unlock()

	if !ok {
		return false
	}
	s.bindSocket(socket)
	return true
}

// DeliverFrame implements backend.InvertedConnectionAdapter.
func (a *Adapter) DeliverFrame(sessionID string, data []byte) {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	a.mu.Unlock()

	if !ok {
		return
	}
	s.handleFrame(data)
}

// SocketClosed implements backend.InvertedConnectionAdapter.
func (a *Adapter) SocketClosed(sessionID string) {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	a.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
}

// forget drops the adapter's reference to a closed session.
func (a *Adapter) forget(s *session) {
	a.mu.Lock()
	if a.sessions[s.sessionID] == s {
		delete(a.sessions, s.sessionID)
	}
	a.mu.Unlock()
}

// session is one CLI connection, possibly still waiting for its socket.
type session struct {
	adapter   *Adapter
	sessionID string

	mu      sync.Mutex
	socket  types.SocketLike
	backlog [][]byte

	passthrough backend.PassthroughHandler

	messages chan *types.UnifiedMessage

	// outMu guards emit vs channel close.
	outMu     sync.Mutex
	outClosed bool

	closeOnce sync.Once
	done      chan struct{}
}

// emit pushes a translated message to the stream, giving up when the
// session closes mid-send.
func (s *session) emit(msg *types.UnifiedMessage) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

// bindSocket attaches the delivered socket and drains the backlog.
func (s *session) bindSocket(socket types.SocketLike) {
	s.mu.Lock()
	s.socket = socket
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	for _, frame := range backlog {
		if err := socket.Send(frame); err != nil {
			logging.ForSession(s.sessionID).Warn().Err(err).Msg("backlog flush failed")
			return
		}
	}
}

// writeFrame sends a frame to the CLI, buffering while the socket is absent.
func (s *session) writeFrame(data []byte) error {
	select {
	case <-s.done:
		return backend.ErrSessionClosed
	default:
	}

	s.adapter.opts.Tracer.Frame("out", "backend", s.sessionID, data)

	s.mu.Lock()
	socket := s.socket
	if socket == nil {
		// CLI has not dialed in yet; hold the frame until it does. Spawn
		// plus dial is bounded by the reconnect watchdog, so the backlog
		// cannot grow unboundedly.
		s.backlog = append(s.backlog, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return socket.Send(data)
}

// Send implements backend.Session.
func (s *session) Send(msg *types.UnifiedMessage) error {
	select {
	case <-s.done:
		return backend.ErrSessionClosed
	default:
	}

	native, ok := s.adapter.opts.Translator.Outbound(msg)
	if !ok {
		return nil
	}
	return s.writeFrame(native)
}

// SendRaw implements backend.Session. The stream-json control envelope is
// already the native form, so raw text passes straight through.
func (s *session) SendRaw(text string) error {
	return s.writeFrame([]byte(text))
}

// Messages implements backend.Session.
func (s *session) Messages() <-chan *types.UnifiedMessage {
	return s.messages
}

// SetPassthroughHandler implements backend.PassthroughCapable.
func (s *session) SetPassthroughHandler(fn backend.PassthroughHandler) {
	s.mu.Lock()
	s.passthrough = fn
	s.mu.Unlock()
}

// handleFrame translates one inbound CLI frame and routes it.
func (s *session) handleFrame(data []byte) {
	s.adapter.opts.Tracer.Frame("in", "backend", s.sessionID, data)

	msg, ok := s.adapter.opts.Translator.Inbound(data)
	if !ok || msg == nil {
		return
	}

	s.mu.Lock()
	passthrough := s.passthrough
	s.mu.Unlock()

	if passthrough != nil && passthrough(msg) {
		return
	}

	s.emit(msg)
}

// Close implements backend.Session.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		socket := s.socket
		s.socket = nil
		s.mu.Unlock()
		if socket != nil {
			socket.Close(1000, "session closed")
		}

		s.outMu.Lock()
		s.outClosed = true
		close(s.messages)
		s.outMu.Unlock()

		s.adapter.forget(s)
	})
	return nil
}
