package bridge

import (
	"encoding/json"
	"sync"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/pkg/types"
)

// mockSocket records every frame sent to it.
type mockSocket struct {
	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func newMockSocket() *mockSocket {
	return &mockSocket{}
}

func (m *mockSocket) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make([]byte, len(data))
	copy(c, data)
	m.frames = append(m.frames, c)
	return nil
}

func (m *mockSocket) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.closeCode = code
		m.closeReason = reason
	}
	return nil
}

func (m *mockSocket) isClosed() (bool, int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.closeCode, m.closeReason
}

// frameTypes decodes the type discriminator of every received frame.
func (m *mockSocket) frameTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.frames))
	for _, data := range m.frames {
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err == nil {
			out = append(out, frame.Type)
		}
	}
	return out
}

// framesOfType returns the decoded frames with the given type.
func (m *mockSocket) framesOfType(frameType string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []map[string]any
	for _, data := range m.frames {
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame["type"] == frameType {
			out = append(out, frame)
		}
	}
	return out
}

// mockBackend is an in-memory backend session.
type mockBackend struct {
	mu          sync.Mutex
	sent        []*types.UnifiedMessage
	sendErr     error
	passthrough backend.PassthroughHandler
	messages    chan *types.UnifiedMessage
	closed      bool
}

func newMockBackend() *mockBackend {
	return &mockBackend{messages: make(chan *types.UnifiedMessage, 16)}
}

func (m *mockBackend) Send(msg *types.UnifiedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockBackend) SendRaw(text string) error {
	return &backend.UnsupportedRawError{Adapter: "mock"}
}

func (m *mockBackend) Messages() <-chan *types.UnifiedMessage {
	return m.messages
}

func (m *mockBackend) SetPassthroughHandler(fn backend.PassthroughHandler) {
	m.mu.Lock()
	m.passthrough = fn
	m.mu.Unlock()
}

// deliver pushes a message through the passthrough hook and, when not
// consumed, onto the stream.
func (m *mockBackend) deliver(msg *types.UnifiedMessage) {
	m.mu.Lock()
	fn := m.passthrough
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	if fn != nil && fn(msg) {
		return
	}
	m.messages <- msg
}

func (m *mockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.messages)
	}
	return nil
}

func (m *mockBackend) sentMessages() []*types.UnifiedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.UnifiedMessage(nil), m.sent...)
}
