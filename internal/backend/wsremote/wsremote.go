// Package wsremote implements the backend adapter for peers reached over an
// outbound WebSocket connection: a spawned CLI listening on a local port
// (codex app-server) or an arbitrary remote broker peer.
package wsremote

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/backend/rpc"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/supervisor"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/pkg/types"
)

// Options configure the adapter.
type Options struct {
	// Name is the adapter name ("codex", "ws").
	Name string
	// Binary is the executable for forward-launched backends; empty for
	// purely remote peers.
	Binary string
	// ListenPort is the local port a forward-launched backend listens on.
	ListenPort int
	// URL is the fixed peer URL for remote backends; overridable per
	// session via AdapterOptions["url"].
	URL string
	// Translator converts between the peer dialect and UnifiedMessages.
	Translator backend.Translator
	// RPCTimeout bounds control-plane requests.
	RPCTimeout time.Duration
	// DialTimeout bounds the connection attempt.
	DialTimeout time.Duration
	// Tracer traces wire frames when enabled.
	Tracer *trace.Tracer
}

// Adapter dials out to a WebSocket peer.
type Adapter struct {
	opts Options
}

// New creates a wsremote adapter.
func New(opts Options) *Adapter {
	if opts.Name == "" {
		opts.Name = "ws"
	}
	if opts.Translator.Inbound == nil {
		opts.Translator = backend.CarrierTranslator()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Adapter{opts: opts}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string {
	return a.opts.Name
}

// Capabilities implements backend.Adapter.
func (a *Adapter) Capabilities() backend.Capabilities {
	availability := "remote"
	if a.opts.Binary != "" {
		availability = "local"
	}
	return backend.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: false,
		Availability:  availability,
	}
}

// BuildSpawnArgs implements backend.ForwardLaunchAdapter for backends the
// broker launches before dialing in.
func (a *Adapter) BuildSpawnArgs(sessionID string, payload map[string]any) (supervisor.SpawnSpec, error) {
	if a.opts.Binary == "" {
		return supervisor.SpawnSpec{}, fmt.Errorf("adapter %s is not forward-launch", a.opts.Name)
	}
	cwd, _ := payload["cwd"].(string)
	return supervisor.SpawnSpec{
		Command: a.opts.Binary,
		Args:    []string{"app-server", "--listen", fmt.Sprintf("ws://127.0.0.1:%d", a.opts.ListenPort)},
		CWD:     cwd,
	}, nil
}

// Connect implements backend.Adapter.
func (a *Adapter) Connect(ctx context.Context, opts backend.ConnectOptions) (backend.Session, error) {
	peerURL := a.opts.URL
	if u, ok := opts.AdapterOptions["url"].(string); ok && u != "" {
		peerURL = u
	}
	if peerURL == "" && a.opts.ListenPort > 0 {
		peerURL = fmt.Sprintf("ws://127.0.0.1:%d", a.opts.ListenPort)
	}
	if peerURL == "" {
		return nil, fmt.Errorf("adapter %s: no peer url", a.opts.Name)
	}
	if _, err := url.Parse(peerURL); err != nil {
		return nil, fmt.Errorf("adapter %s: bad peer url: %w", a.opts.Name, err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: a.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, peerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peerURL, err)
	}

	s := &session{
		adapter:   a,
		sessionID: opts.SessionID,
		conn:      conn,
		messages:  make(chan *types.UnifiedMessage, 64),
		done:      make(chan struct{}),
	}
	s.rpc = rpc.NewClient(s.writeFrame, a.opts.RPCTimeout)

	go s.readLoop()

	return s, nil
}

// session is one live WebSocket connection to a backend peer.
type session struct {
	adapter   *Adapter
	sessionID string
	conn      *websocket.Conn
	rpc       *rpc.Client

	writeMu sync.Mutex

	messages chan *types.UnifiedMessage

	closeOnce sync.Once
	done      chan struct{}
}

// writeFrame writes one text frame, serializing concurrent writers.
func (s *session) writeFrame(data []byte) error {
	select {
	case <-s.done:
		return backend.ErrSessionClosed
	default:
	}

	s.adapter.opts.Tracer.Frame("out", "backend", s.sessionID, data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
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
		// No native action for this message kind.
		return nil
	}
	return s.writeFrame(native)
}

// SendRaw implements backend.Session.
func (s *session) SendRaw(text string) error {
	return s.writeFrame([]byte(text))
}

// Messages implements backend.Session.
func (s *session) Messages() <-chan *types.UnifiedMessage {
	return s.messages
}

// Initialize performs the control-plane initialize handshake and returns
// the backend's capabilities.
func (s *session) Initialize(ctx context.Context) (*types.Capabilities, error) {
	result, err := s.rpc.Request(ctx, "initialize", map[string]any{
		"session_id": s.sessionID,
	})
	if err != nil {
		return nil, err
	}

	caps, err := backend.ParseCapabilities(result)
	if err != nil {
		return nil, err
	}
	return caps, nil
}

// readLoop consumes inbound frames until the connection ends.
func (s *session) readLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				logging.ForSession(s.sessionID).Debug().Err(err).Msg("backend stream ended")
			}
			s.rpc.Close()
			return
		}

		s.adapter.opts.Tracer.Frame("in", "backend", s.sessionID, data)

		// Control-plane responses resolve pending RPCs and stop here.
		if s.rpc.HandleFrame(data) {
			continue
		}

		msg, ok := s.adapter.opts.Translator.Inbound(data)
		if !ok || msg == nil {
			continue
		}

		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

// Close implements backend.Session.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.rpc.Close()
		s.conn.Close()
	})
	return nil
}
