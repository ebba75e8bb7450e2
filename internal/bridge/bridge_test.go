package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/gate"
	"github.com/beamcode/beamcode/pkg/types"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	return New(Config{MaxConsumerMessageSize: 1024}, nil, gate.New(nil), nil, event.NewBus())
}

func attachMock(b *Bridge, s *Session) *mockBackend {
	mb := newMockBackend()
	ctx, cancel := context.WithCancel(context.Background())
	b.AttachBackend(s, mb, cancel, ctx)
	return mb
}

func openConsumer(b *Bridge, s *Session) *mockSocket {
	sock := newMockSocket()
	b.HandleConsumerOpen(context.Background(), sock, gate.ConnectionContext{SessionID: s.ID})
	return sock
}

func sendFrame(b *Bridge, s *Session, sock *mockSocket, frame any) {
	data, _ := json.Marshal(frame)
	b.HandleConsumerMessage(sock, s.ID, data)
}

// indexOf returns the first position of v in list, or -1.
func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}

func TestAnonymousOpenAndReplay(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")

	s.mu.Lock()
	s.History = append(s.History, &types.UnifiedMessage{
		Type: types.MessageAssistant,
		Role: types.RoleAssistant,
		Content: []types.ContentBlock{
			&types.TextBlock{Type: "text", Text: "hello"},
		},
	})
	s.mu.Unlock()

	var relaunches []string
	var mu sync.Mutex
	b.Bus().Subscribe(event.BackendRelaunchNeeded, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if data, ok := e.Data.(event.BackendRelaunchNeededData); ok {
			relaunches = append(relaunches, data.SessionID)
		}
	})

	sock := openConsumer(b, s)

	frames := sock.frameTypes()
	idIdx := indexOf(frames, "identity")
	initIdx := indexOf(frames, "session_init")
	histIdx := indexOf(frames, "message_history")
	discIdx := indexOf(frames, "cli_disconnected")

	require.GreaterOrEqual(t, idIdx, 0)
	assert.Equal(t, 0, idIdx, "identity must be the first frame")
	assert.Greater(t, initIdx, idIdx)
	assert.Greater(t, histIdx, initIdx)
	assert.Greater(t, discIdx, histIdx)

	identity := sock.framesOfType("identity")[0]
	assert.Equal(t, "anonymous-1", identity["userId"])
	assert.Equal(t, "User 1", identity["displayName"])
	assert.Equal(t, "participant", identity["role"])

	history := sock.framesOfType("message_history")[0]
	messages := history["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "assistant", messages[0].(map[string]any)["type"])

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(relaunches) == 1 && relaunches[0] == s.ID
	}, time.Second, 10*time.Millisecond)
}

func TestSecondConsumerGetsNextAnonymousIdentity(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")

	openConsumer(b, s)
	sock2 := openConsumer(b, s)

	identity := sock2.framesOfType("identity")[0]
	assert.Equal(t, "anonymous-2", identity["userId"])
}

func TestPreConnectQueueFlush(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)

	sendFrame(b, s, sock, map[string]any{"type": "user_message", "content": "Hello"})

	s.mu.Lock()
	require.Len(t, s.PendingMessages, 1)
	require.NotNil(t, s.QueuedMessage)
	s.mu.Unlock()

	mb := attachMock(b, s)

	sent := mb.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, types.MessageUserMessage, sent[0].Type)
	assert.Equal(t, "Hello", sent[0].PlainText())

	s.mu.Lock()
	assert.Empty(t, s.PendingMessages)
	assert.Nil(t, s.QueuedMessage)
	s.mu.Unlock()

	assert.NotEmpty(t, sock.framesOfType("cli_connected"))
}

func TestPendingOrderPreserved(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)

	for i := 0; i < 5; i++ {
		sendFrame(b, s, sock, map[string]any{"type": "user_message", "content": fmt.Sprintf("msg-%d", i)})
	}

	mb := attachMock(b, s)

	sent := mb.sentMessages()
	require.Len(t, sent, 5)
	for i, msg := range sent {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.PlainText())
	}
}

func TestPassthroughInterception(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)
	mb := attachMock(b, s)

	sendFrame(b, s, sock, map[string]any{
		"type": "slash_command", "command": "/context", "request_id": "r1",
	})

	// The command is forwarded to the backend as a user message.
	sent := mb.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "/context", sent[0].PlainText())

	// The backend's next user echo is consumed into a command result.
	mb.deliver(&types.UnifiedMessage{
		Type: types.MessageUserMessage,
		Role: types.RoleUser,
		Metadata: map[string]any{
			"content": "<local-command-stdout>ctx output</local-command-stdout>",
		},
	})

	require.Eventually(t, func() bool {
		return len(sock.framesOfType("slash_command_result")) == 1
	}, time.Second, 10*time.Millisecond)

	result := sock.framesOfType("slash_command_result")[0]
	assert.Equal(t, "/context", result["command"])
	assert.Equal(t, "r1", result["request_id"])
	assert.Equal(t, "ctx output", result["content"])
	assert.Equal(t, "pty", result["source"])

	// The raw echo is not retained in history.
	s.mu.Lock()
	for _, msg := range s.History {
		assert.NotEqual(t, types.MessageUserMessage, msg.Type)
	}
	s.mu.Unlock()

	// A second echo is a regular message again.
	mb.deliver(&types.UnifiedMessage{
		Type:    types.MessageUserMessage,
		Role:    types.RoleUser,
		Content: []types.ContentBlock{&types.TextBlock{Type: "text", Text: "just chatting"}},
	})

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.History) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, sock.framesOfType("slash_command_result"), 1)
}

func TestEmulatedHelpCommand(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)

	sendFrame(b, s, sock, map[string]any{
		"type": "slash_command", "command": "/help", "request_id": "r9",
	})

	results := sock.framesOfType("slash_command_result")
	require.Len(t, results, 1)
	assert.Equal(t, "emulated", results[0]["source"])
	assert.Equal(t, "r9", results[0]["request_id"])
	assert.Contains(t, results[0]["content"], "/help")
	assert.Contains(t, results[0]["content"], "/cost")
}

func TestPermissionDeny(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)
	mb := attachMock(b, s)

	b.routeUnifiedMessage(s, &types.UnifiedMessage{
		Type: types.MessagePermissionRequest,
		Metadata: map[string]any{
			"request_id": "p1",
			"tool_name":  "Bash",
			"input":      map[string]any{"command": "rm -rf /"},
		},
	})

	s.mu.Lock()
	_, pending := s.PendingPermissions["p1"]
	s.mu.Unlock()
	require.True(t, pending)
	require.Len(t, sock.framesOfType("permission_request"), 1)

	sendFrame(b, s, sock, map[string]any{
		"type": "permission_response", "request_id": "p1", "behavior": "deny",
	})

	s.mu.Lock()
	assert.Empty(t, s.PendingPermissions)
	s.mu.Unlock()

	sent := mb.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, types.MessagePermissionResponse, sent[0].Type)
	assert.Equal(t, "deny", sent[0].MetaString("decision"))
	assert.Equal(t, "p1", sent[0].MetaString("request_id"))

	// A duplicate response is dropped silently.
	sendFrame(b, s, sock, map[string]any{
		"type": "permission_response", "request_id": "p1", "behavior": "deny",
	})
	assert.Len(t, mb.sentMessages(), 1)
}

func TestPermissionDecisionShaping(t *testing.T) {
	assert.Equal(t, "accept", decisionString("item/commandExecution/requestApproval", "allow"))
	assert.Equal(t, "decline", decisionString("item/commandExecution/requestApproval", "deny"))
	assert.Equal(t, "approved", decisionString("execCommandApproval", "allow"))
	assert.Equal(t, "denied", decisionString("execCommandApproval", "deny"))
	assert.Equal(t, "allow", decisionString("", "allow"))
	assert.Equal(t, "deny", decisionString("", "deny"))
}

func TestOversizeClose(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)
	other := openConsumer(b, s)

	big := map[string]any{
		"type":    "user_message",
		"content": strings.Repeat("x", 2048),
	}
	sendFrame(b, s, sock, big)

	closed, code, reason := sock.isClosed()
	assert.True(t, closed)
	assert.Equal(t, types.CloseMessageTooBig, code)
	assert.Equal(t, "Message Too Big", reason)

	// Siblings are unaffected.
	otherClosed, _, _ := other.isClosed()
	assert.False(t, otherClosed)

	// A payload of exactly the limit is accepted.
	payload := fmt.Sprintf(`{"type":"user_message","content":"%s"}`, strings.Repeat("y", 1024-36))
	require.Len(t, payload, 1024)
	b.HandleConsumerMessage(other, s.ID, []byte(payload))
	otherClosed, _, _ = other.isClosed()
	assert.False(t, otherClosed)
}

func TestSetAdapterRejected(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)

	sendFrame(b, s, sock, map[string]any{"type": "set_adapter", "adapter": "codex"})

	errs := sock.framesOfType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "Adapter cannot be changed mid-session", errs[0]["message"])
}

func TestObserverIsReadOnly(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")

	sock := newMockSocket()
	b.acceptConsumer(s, sock, types.ConsumerIdentity{
		UserID: "obs-1", DisplayName: "Observer", Role: types.RoleObserver,
	})

	sendFrame(b, s, sock, map[string]any{"type": "user_message", "content": "hi"})
	sendFrame(b, s, sock, map[string]any{"type": "slash_command", "command": "/help"})

	errs := sock.framesOfType("error")
	assert.Len(t, errs, 2)

	s.mu.Lock()
	assert.Empty(t, s.PendingMessages)
	s.mu.Unlock()

	// The socket stays open.
	closed, _, _ := sock.isClosed()
	assert.False(t, closed)
}

func TestDisconnectCancelsPendingPermissions(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)
	attachMock(b, s)

	b.routeUnifiedMessage(s, &types.UnifiedMessage{
		Type:     types.MessagePermissionRequest,
		Metadata: map[string]any{"request_id": "p7", "tool_name": "Edit"},
	})

	b.DisconnectBackend(s, 1001, "going away")

	s.mu.Lock()
	assert.Empty(t, s.PendingPermissions)
	assert.Nil(t, s.Backend)
	s.mu.Unlock()

	cancelled := sock.framesOfType("permission_cancelled")
	require.Len(t, cancelled, 1)
	assert.Equal(t, "p7", cancelled[0]["request_id"])
	assert.NotEmpty(t, sock.framesOfType("cli_disconnected"))

	// Disconnecting again is a no-op.
	b.DisconnectBackend(s, 1001, "again")
	assert.Len(t, sock.framesOfType("permission_cancelled"), 1)
}

func TestStreamEndTreatedAsDisconnect(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)
	mb := attachMock(b, s)

	mb.Close()

	require.Eventually(t, func() bool {
		return !s.HasBackend()
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sock.framesOfType("cli_disconnected")) >= 2 // one at open, one now
	}, time.Second, 10*time.Millisecond)
}

func TestBackendMessagesRoutedInOrder(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	openConsumer(b, s)
	mb := attachMock(b, s)

	for i := 0; i < 10; i++ {
		mb.deliver(&types.UnifiedMessage{
			Type:    types.MessageAssistant,
			Role:    types.RoleAssistant,
			Content: []types.ContentBlock{&types.TextBlock{Type: "text", Text: fmt.Sprintf("m%d", i)}},
		})
	}

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.History) == 10
	}, time.Second, 10*time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.History {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.PlainText())
	}
}

func TestSessionInitReseedsCommands(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	openConsumer(b, s)
	attachMock(b, s)

	b.routeUnifiedMessage(s, &types.UnifiedMessage{
		Type: types.MessageSessionInit,
		Metadata: map[string]any{
			"model":          "sonnet-4",
			"slash_commands": []any{"/commit", "/review"},
			"skills":         []any{map[string]any{"name": "deploy", "description": "Deploy the app"}},
		},
	})

	_, ok := s.Commands.Lookup("/commit")
	assert.True(t, ok)
	_, ok = s.Commands.Lookup("/deploy")
	assert.True(t, ok)
	// Built-ins survive reseeding.
	_, ok = s.Commands.Lookup("/help")
	assert.True(t, ok)

	assert.Equal(t, "sonnet-4", s.StateSnapshot().Model)

	// A second init clears the previous dynamic layer.
	b.routeUnifiedMessage(s, &types.UnifiedMessage{
		Type:     types.MessageSessionInit,
		Metadata: map[string]any{"slash_commands": []any{"/rebase"}},
	})
	_, ok = s.Commands.Lookup("/commit")
	assert.False(t, ok)
	_, ok = s.Commands.Lookup("/rebase")
	assert.True(t, ok)
}

func TestResultRollupAndFirstTurn(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)
	attachMock(b, s)

	var firstTurns []event.SessionFirstTurnData
	var mu sync.Mutex
	b.Bus().Subscribe(event.SessionFirstTurn, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if data, ok := e.Data.(event.SessionFirstTurnData); ok {
			firstTurns = append(firstTurns, data)
		}
	})

	sendFrame(b, s, sock, map[string]any{"type": "user_message", "content": "first question"})

	b.routeUnifiedMessage(s, &types.UnifiedMessage{
		Type: types.MessageResult,
		Metadata: map[string]any{
			"num_turns":      float64(1),
			"total_cost_usd": 0.25,
			"usage":          map[string]any{"input_tokens": float64(100), "output_tokens": float64(50)},
		},
	})
	b.routeUnifiedMessage(s, &types.UnifiedMessage{
		Type:     types.MessageResult,
		Metadata: map[string]any{"num_turns": float64(2), "total_cost_usd": 0.10},
	})

	state := s.StateSnapshot()
	assert.InDelta(t, 0.35, state.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(100), state.TotalTokensIn)
	assert.Equal(t, int64(50), state.TotalTokensOut)
	assert.Equal(t, 2, state.NumTurns)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(firstTurns) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCloseSessionMissingIsNoOp(t *testing.T) {
	b := newTestBridge(t)
	b.CloseSession(uuid.NewString())
}

func TestRateLimitExceeded(t *testing.T) {
	b := newTestBridge(t)
	s := b.GetOrCreateSession(uuid.NewString(), "mock")
	sock := openConsumer(b, s)
	attachMock(b, s)

	// Burn through the full bucket.
	for i := 0; i < 150; i++ {
		sendFrame(b, s, sock, map[string]any{"type": "interrupt"})
	}

	errs := sock.framesOfType("error")
	require.NotEmpty(t, errs)
	assert.Equal(t, "Rate limit exceeded", errs[0]["message"])

	closed, _, _ := sock.isClosed()
	assert.False(t, closed)
}
