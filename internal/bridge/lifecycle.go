package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/types"
)

// ConnectBackend resolves the session's adapter and connects a backend,
// replacing any prior handle atomically. Adapter failures propagate to the
// caller; everything downstream of a successful connect is asynchronous.
func (b *Bridge) ConnectBackend(ctx context.Context, s *Session) error {
	// Close out any previous backend first; the replacement is silent.
	s.mu.Lock()
	prev := s.Backend
	prevCancel := s.backendCancel
	s.Backend = nil
	s.backendCancel = nil
	s.mu.Unlock()

	if prev != nil {
		if prevCancel != nil {
			prevCancel()
		}
		prev.Close()
	}

	if b.adapters == nil {
		return fmt.Errorf("no adapter resolver configured")
	}

	s.mu.Lock()
	adapterName := s.AdapterName
	cwd := s.State.CWD
	backendSessionID := s.BackendSessionID
	s.mu.Unlock()

	adapter, err := b.adapters.Resolve(adapterName)
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	handle, err := adapter.Connect(ctx, backend.ConnectOptions{
		SessionID:        s.ID,
		CWD:              cwd,
		Resume:           backendSessionID != "",
		BackendSessionID: backendSessionID,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("connect %s: %w", adapterName, err)
	}

	b.AttachBackend(s, handle, cancel, streamCtx)
	return nil
}

// AttachBackend installs a connected handle: passthrough interception,
// pending flush, and the stream consumer. Used by ConnectBackend and by
// tests that connect a backend directly.
func (b *Bridge) AttachBackend(s *Session, handle backend.Session, cancel context.CancelFunc, streamCtx context.Context) {
	s.mu.Lock()
	s.Backend = handle
	s.backendCancel = cancel
	s.QueuedMessage = nil
	s.passthroughInstalled = false
	if pc, ok := handle.(backend.PassthroughCapable); ok {
		s.passthroughInstalled = true
		pc.SetPassthroughHandler(func(msg *types.UnifiedMessage) bool {
			return b.interceptPassthrough(s, msg)
		})
	}
	s.mu.Unlock()

	b.Broadcast(s, types.NewCLIConnectedFrame())
	b.emit(event.BackendConnected, event.BackendConnectedData{SessionID: s.ID, AdapterName: s.AdapterName})

	b.flushPending(s, handle)

	go b.consumeStream(s, handle, streamCtx)
}

// flushPending drains queued messages to the backend in order. A send
// failure surfaces an error event and stops the flush; the remainder stays
// queued.
func (b *Bridge) flushPending(s *Session, handle backend.Session) {
	for {
		s.mu.Lock()
		if len(s.PendingMessages) == 0 || s.Backend != handle {
			s.mu.Unlock()
			return
		}
		msg := s.PendingMessages[0]
		s.PendingMessages = s.PendingMessages[1:]
		s.mu.Unlock()

		if err := handle.Send(msg); err != nil {
			b.emit(event.BrokerError, event.ErrorData{
				SessionID: s.ID,
				Source:    "flushPending",
				Message:   err.Error(),
			})
			return
		}
	}
}

// consumeStream routes backend messages until the stream ends or the
// session's abort fires. An end without an explicit disconnect is treated
// as an unexpected disconnect.
func (b *Bridge) consumeStream(s *Session, handle backend.Session, ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-handle.Messages():
			if !ok {
				select {
				case <-ctx.Done():
					// Explicit disconnect already ran.
				default:
					b.streamEnded(s, handle)
				}
				return
			}
			// Re-check the abort between messages.
			select {
			case <-ctx.Done():
				return
			default:
			}
			b.routeUnifiedMessage(s, msg)
		}
	}
}

// streamEnded handles an unexpected backend stream end.
func (b *Bridge) streamEnded(s *Session, handle backend.Session) {
	s.mu.Lock()
	if s.Backend != handle {
		s.mu.Unlock()
		return
	}
	s.Backend = nil
	s.backendCancel = nil
	cancelled := s.takePendingPermissionsLocked()
	s.mu.Unlock()

	handle.Close()

	for _, requestID := range cancelled {
		b.BroadcastToParticipants(s, types.NewPermissionCancelledFrame(requestID))
	}

	b.Broadcast(s, types.NewCLIDisconnectedFrame())
	b.emit(event.BackendDisconnected, event.BackendDisconnectedData{
		SessionID: s.ID,
		Reason:    "stream ended",
	})
	b.persist(s)
}

// takePendingPermissionsLocked clears the pending permission map and
// returns the cancelled request ids. Caller holds s.mu.
func (s *Session) takePendingPermissionsLocked() []string {
	if len(s.PendingPermissions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.PendingPermissions))
	for id := range s.PendingPermissions {
		ids = append(ids, id)
	}
	s.PendingPermissions = make(map[string]*pendingPermission)
	return ids
}

// SendToBackend forwards a message to the live backend. With no backend it
// warns and returns; the caller is expected to have queued the message.
// Send failures are contained: they surface as error events.
func (b *Bridge) SendToBackend(s *Session, msg *types.UnifiedMessage) {
	s.mu.Lock()
	handle := s.Backend
	s.mu.Unlock()

	if handle == nil {
		logging.ForSession(s.ID).Warn().Str("type", string(msg.Type)).Msg("no backend for message")
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("backend send panicked: %v", r)
			}
		}()
		return handle.Send(msg)
	}()
	if err != nil {
		b.emit(event.BrokerError, event.ErrorData{
			SessionID: s.ID,
			Source:    "sendToBackend",
			Message:   err.Error(),
		})
	}
}

// DisconnectBackend closes the backend explicitly, cancelling the consume
// loop and every pending permission. A session with no backend is a no-op.
func (b *Bridge) DisconnectBackend(s *Session, code int, reason string) {
	s.mu.Lock()
	handle := s.Backend
	cancel := s.backendCancel
	s.Backend = nil
	s.backendCancel = nil
	cancelled := s.takePendingPermissionsLocked()
	s.mu.Unlock()

	if handle == nil {
		return
	}

	if cancel != nil {
		cancel()
	}
	handle.Close()

	for _, requestID := range cancelled {
		b.BroadcastToParticipants(s, types.NewPermissionCancelledFrame(requestID))
	}

	b.emit(event.BackendDisconnected, event.BackendDisconnectedData{
		SessionID: s.ID,
		Code:      code,
		Reason:    reason,
	})
	b.Broadcast(s, types.NewCLIDisconnectedFrame())
	b.persist(s)
}

// interceptPassthrough consumes the next backend user echo after a
// passthrough command was forwarded. It returns false for anything else.
func (b *Bridge) interceptPassthrough(s *Session, msg *types.UnifiedMessage) bool {
	if msg.Type != types.MessageUserMessage || msg.Role != types.RoleUser {
		return false
	}

	s.mu.Lock()
	if len(s.PendingPassthroughs) == 0 {
		s.mu.Unlock()
		return false
	}
	record := s.PendingPassthroughs[0]
	s.PendingPassthroughs = s.PendingPassthroughs[1:]
	s.mu.Unlock()

	content := echoText(msg)

	source := "pty"
	if msg.MetaString("source") == "cli" {
		source = "cli"
	}

	b.Broadcast(s, types.SlashCommandResultFrame{
		Type:      "slash_command_result",
		Command:   record.Command,
		Content:   content,
		Source:    source,
		RequestID: record.RequestID,
	})
	return true
}

// echoText flattens a user echo into plain text: content blocks are
// concatenated; otherwise the raw metadata content is coerced (strings:
// as-is; arrays: concatenate text blocks and string parts; objects: .text
// when a string; anything else: "").
func echoText(msg *types.UnifiedMessage) string {
	text := msg.PlainText()
	if text == "" && msg.Metadata != nil {
		switch raw := msg.Metadata["content"].(type) {
		case string:
			text = raw
		case []any:
			var parts []string
			for _, item := range raw {
				switch v := item.(type) {
				case string:
					parts = append(parts, v)
				case map[string]any:
					if t, ok := v["text"].(string); ok {
						parts = append(parts, t)
					}
				}
			}
			text = strings.Join(parts, "")
		case map[string]any:
			if t, ok := raw["text"].(string); ok {
				text = t
			}
		}
	}
	return stripCommandWrapper(text)
}

// stripCommandWrapper unwraps <local-command-stdout> envelopes produced by
// CLI command echoes.
func stripCommandWrapper(text string) string {
	const openTag, closeTag = "<local-command-stdout>", "</local-command-stdout>"
	start := strings.Index(text, openTag)
	if start < 0 {
		return text
	}
	end := strings.Index(text, closeTag)
	if end < 0 || end < start {
		return text
	}
	return text[start+len(openTag) : end]
}
