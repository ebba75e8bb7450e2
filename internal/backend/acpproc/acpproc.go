// Package acpproc implements the backend adapter for ACP-speaking
// subprocesses (gemini --experimental-acp). The adapter owns the child: it
// is spawned with stdio pipes at connect time and exchanges
// newline-delimited JSON-RPC frames.
package acpproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/backend/rpc"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/trace"
	"github.com/beamcode/beamcode/pkg/types"
)

// Options configure the adapter.
type Options struct {
	// Name is the adapter name ("gemini", "acp").
	Name string
	// Binary is the executable to spawn.
	Binary string
	// Args are passed to the executable.
	Args []string
	// Translator converts ACP notifications to UnifiedMessages.
	Translator backend.Translator
	// RPCTimeout bounds each ACP round trip.
	RPCTimeout time.Duration
	// Tracer traces wire frames when enabled.
	Tracer *trace.Tracer
}

// Adapter spawns an ACP subprocess per session.
type Adapter struct {
	opts Options
}

// New creates an acpproc adapter.
func New(opts Options) *Adapter {
	if opts.Name == "" {
		opts.Name = "acp"
	}
	if opts.Binary == "" {
		opts.Binary = opts.Name
	}
	if len(opts.Args) == 0 {
		opts.Args = []string{"--experimental-acp"}
	}
	if opts.Translator.Inbound == nil {
		opts.Translator = Translator()
	}
	return &Adapter{opts: opts}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string {
	return a.opts.Name
}

// Capabilities implements backend.Adapter.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: "local",
	}
}

// Connect implements backend.Adapter: spawn the subprocess and wire pipes.
func (a *Adapter) Connect(ctx context.Context, opts backend.ConnectOptions) (backend.Session, error) {
	cmd := exec.Command(a.opts.Binary, a.opts.Args...)
	cmd.Dir = opts.CWD
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", a.opts.Binary, err)
	}

	s := &session{
		adapter:   a,
		sessionID: opts.SessionID,
		cmd:       cmd,
		stdin:     stdin,
		messages:  make(chan *types.UnifiedMessage, 64),
		done:      make(chan struct{}),
	}
	s.rpc = rpc.NewClient(s.writeFrame, a.opts.RPCTimeout)

	go s.readLoop(bufio.NewReader(stdout))
	go func() {
		cmd.Wait()
		s.Close()
	}()

	return s, nil
}

// session is one live ACP subprocess.
type session struct {
	adapter   *Adapter
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	rpc       *rpc.Client

	writeMu sync.Mutex

	messages  chan *types.UnifiedMessage
	closeOnce sync.Once
	done      chan struct{}
}

// writeFrame writes one newline-delimited frame to the child's stdin.
func (s *session) writeFrame(data []byte) error {
	select {
	case <-s.done:
		return backend.ErrSessionClosed
	default:
	}

	s.adapter.opts.Tracer.Frame("out", "backend", s.sessionID, data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.stdin.Write(append(data, '\n'))
	return err
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

// SendRaw implements backend.Session. ACP has no raw envelope form.
func (s *session) SendRaw(text string) error {
	return &backend.UnsupportedRawError{Adapter: s.adapter.opts.Name}
}

// Messages implements backend.Session.
func (s *session) Messages() <-chan *types.UnifiedMessage {
	return s.messages
}

// Initialize implements backend.Initializer over ACP.
func (s *session) Initialize(ctx context.Context) (*types.Capabilities, error) {
	result, err := s.rpc.Request(ctx, "initialize", map[string]any{
		"protocolVersion": 1,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{"readTextFile": false, "writeTextFile": false},
		},
	})
	if err != nil {
		return nil, err
	}
	return backend.ParseCapabilities(result)
}

// readLoop consumes stdout frames until the child exits.
func (s *session) readLoop(r *bufio.Reader) {
	defer close(s.messages)

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			s.rpc.Close()
			return
		}

		s.adapter.opts.Tracer.Frame("in", "backend", s.sessionID, line)

		if s.rpc.HandleFrame(line) {
			continue
		}

		msg, ok := s.adapter.opts.Translator.Inbound(line)
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

// Close implements backend.Session: terminate the child and its group.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.rpc.Close()
		s.stdin.Close()
		if s.cmd.Process != nil {
			if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM); err != nil {
				logging.ForSession(s.sessionID).Debug().Err(err).Msg("acp terminate failed")
			}
		}
	})
	return nil
}

// Translator returns the ACP dialect translator: session/update
// notifications become unified messages, session/request_permission becomes
// a permission_request, and everything else is dropped or unknown.
func Translator() backend.Translator {
	return backend.Translator{
		Inbound:  translateInbound,
		Outbound: translateOutbound,
	}
}

func translateInbound(native []byte) (*types.UnifiedMessage, bool) {
	var frame struct {
		Method string          `json:"method"`
		ID     any             `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(native, &frame); err != nil || frame.Method == "" {
		return nil, false
	}

	switch frame.Method {
	case "session/update":
		var params struct {
			Update struct {
				SessionUpdate string `json:"sessionUpdate"`
				Content       struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"update"`
		}
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return &types.UnifiedMessage{Type: types.MessageUnknown}, true
		}
		switch params.Update.SessionUpdate {
		case "agent_message_chunk":
			return &types.UnifiedMessage{
				Type:    types.MessageAssistant,
				Role:    types.RoleAssistant,
				Content: []types.ContentBlock{&types.TextBlock{Type: "text", Text: params.Update.Content.Text}},
			}, true
		case "agent_thought_chunk":
			return &types.UnifiedMessage{
				Type:    types.MessageAssistant,
				Role:    types.RoleAssistant,
				Content: []types.ContentBlock{&types.ThinkingBlock{Type: "thinking", Thinking: params.Update.Content.Text}},
			}, true
		default:
			return &types.UnifiedMessage{
				Type:     types.MessageStreamEvent,
				Metadata: map[string]any{"event": params.Update.SessionUpdate},
			}, true
		}
	case "session/request_permission":
		var params map[string]any
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			params = map[string]any{}
		}
		md := map[string]any{
			"method":     frame.Method,
			"request_id": fmt.Sprintf("%v", frame.ID),
		}
		for k, v := range params {
			md[k] = v
		}
		return &types.UnifiedMessage{Type: types.MessagePermissionRequest, Metadata: md}, true
	default:
		return &types.UnifiedMessage{
			Type:     types.MessageUnknown,
			Metadata: map[string]any{"method": frame.Method},
		}, true
	}
}

func translateOutbound(msg *types.UnifiedMessage) ([]byte, bool) {
	switch msg.Type {
	case types.MessageUserMessage:
		req := rpc.Request{
			JSONRPC: "2.0",
			Method:  "session/prompt",
			Params: map[string]any{
				"prompt": []map[string]any{{"type": "text", "text": msg.PlainText()}},
			},
		}
		data, err := json.Marshal(req)
		return data, err == nil
	case types.MessageInterrupt:
		req := rpc.Request{JSONRPC: "2.0", Method: "session/cancel"}
		data, err := json.Marshal(req)
		return data, err == nil
	case types.MessagePermissionResponse:
		resp := rpc.Response{JSONRPC: "2.0", ID: msg.MetaString("request_id")}
		outcome := "selected"
		if msg.MetaString("behavior") == "deny" {
			outcome = "cancelled"
		}
		result, err := json.Marshal(map[string]any{
			"outcome": map[string]any{"outcome": outcome, "optionId": msg.MetaString("option_id")},
		})
		if err != nil {
			return nil, false
		}
		resp.Result = result
		data, err := json.Marshal(resp)
		return data, err == nil
	default:
		return nil, false
	}
}
