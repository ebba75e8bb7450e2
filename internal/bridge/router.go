package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/slashcmd"
	"github.com/beamcode/beamcode/pkg/types"
)

// routeConsumerMessage dispatches one validated, authorized inbound frame.
func (b *Bridge) routeConsumerMessage(s *Session, socket types.SocketLike, identity types.ConsumerIdentity, inbound *types.InboundMessage) {
	switch inbound.Type {
	case types.InboundUserMessage:
		msg := types.NewUserMessage(inbound.Content)
		if len(inbound.Images) > 0 {
			for _, img := range inbound.Images {
				msg.Content = append(msg.Content, &types.ImageBlock{
					Type:   "image",
					Source: map[string]any{"media_type": img.MediaType, "data": img.Data, "url": img.URL},
				})
			}
		}
		b.forwardOrQueue(s, msg, true)

	case types.InboundPermissionResponse:
		b.handlePermissionResponse(s, inbound)

	case types.InboundInterrupt:
		b.forwardOrQueue(s, &types.UnifiedMessage{Type: types.MessageInterrupt, Role: types.RoleUser}, false)

	case types.InboundSetModel:
		// Optimistic update; the backend's echo overwrites it again.
		s.mu.Lock()
		s.State.Model = inbound.Model
		s.mu.Unlock()
		b.forwardOrQueue(s, types.NewConfigurationChange("set_model", map[string]any{"model": inbound.Model}), false)

	case types.InboundSetPermissionMode:
		s.mu.Lock()
		s.State.PermissionMode = types.PermissionMode(inbound.Mode)
		s.mu.Unlock()
		b.forwardOrQueue(s, types.NewConfigurationChange("set_permission_mode", map[string]any{"mode": inbound.Mode}), false)

	case types.InboundSetAdapter:
		b.SendTo(socket, types.NewErrorFrame("Adapter cannot be changed mid-session"))

	case types.InboundSlashCommand:
		b.handleSlashCommand(s, socket, inbound)
	}
}

// forwardOrQueue sends to the backend, or queues in pendingMessages when
// none is connected. asQueuedUX additionally mirrors the message into the
// single-slot queued message for pre-connect UX.
func (b *Bridge) forwardOrQueue(s *Session, msg *types.UnifiedMessage, asQueuedUX bool) {
	s.mu.Lock()
	connected := s.Backend != nil
	if !connected {
		s.PendingMessages = append(s.PendingMessages, msg)
		if asQueuedUX {
			s.QueuedMessage = msg
		}
	}
	s.mu.Unlock()

	if connected {
		b.SendToBackend(s, msg)
	} else {
		b.persist(s)
	}
}

// handleSlashCommand routes a slash command per its registry kind.
func (b *Bridge) handleSlashCommand(s *Session, socket types.SocketLike, inbound *types.InboundMessage) {
	command := strings.TrimSpace(inbound.Command)
	if inbound.RequestID == "" {
		inbound.RequestID = ulid.Make().String()
	}
	cmd, known := s.Commands.Lookup(command)

	if known && (cmd.Kind == slashcmd.KindConsumerLocal || cmd.Kind == slashcmd.KindRelay) {
		content, err := b.renderCommand(s, cmd)
		if err != nil {
			b.SendTo(socket, types.SlashCommandErrorFrame{
				Type:    "slash_command_error",
				Command: command,
				Error:   err.Error(),
			})
			return
		}
		b.SendTo(socket, types.SlashCommandResultFrame{
			Type:      "slash_command_result",
			Command:   command,
			Content:   content,
			Source:    slashcmd.SourceEmulated,
			RequestID: inbound.RequestID,
		})
		return
	}

	// Passthrough and unknown commands are forwarded as user messages; the
	// backend reports unknown ones. Known passthroughs additionally arm the
	// echo interceptor.
	if known && cmd.Kind == slashcmd.KindPassthrough {
		s.mu.Lock()
		s.PendingPassthroughs = append(s.PendingPassthroughs, passthroughRecord{
			Command:   cmd.Name,
			RequestID: inbound.RequestID,
		})
		s.mu.Unlock()
	}

	b.forwardOrQueue(s, types.NewUserMessage(command), false)
}

// renderCommand answers consumer-local and relay commands from the broker's
// own state.
func (b *Bridge) renderCommand(s *Session, cmd slashcmd.Command) (string, error) {
	state := s.snapshotState()

	switch cmd.Name {
	case "/help":
		return s.Commands.HelpText(), nil
	case "/clear":
		return "Conversation cleared.", nil
	case "/model":
		if state.Model == "" {
			return "No model reported yet.", nil
		}
		return fmt.Sprintf("Current model: %s", state.Model), nil
	case "/status":
		status := "unknown"
		if state.Status != nil {
			status = string(*state.Status)
		}
		connected := "disconnected"
		if s.HasBackend() {
			connected = "connected"
		}
		return fmt.Sprintf("Backend: %s\nStatus: %s\nPermission mode: %s", connected, status, state.PermissionMode), nil
	case "/config":
		var sb strings.Builder
		fmt.Fprintf(&sb, "Session: %s\n", state.SessionID)
		fmt.Fprintf(&sb, "Model: %s\n", state.Model)
		fmt.Fprintf(&sb, "CWD: %s\n", state.CWD)
		fmt.Fprintf(&sb, "Permission mode: %s\n", state.PermissionMode)
		if len(state.Tools) > 0 {
			fmt.Fprintf(&sb, "Tools: %s\n", strings.Join(state.Tools, ", "))
		}
		return sb.String(), nil
	case "/cost":
		return fmt.Sprintf("Total cost: $%.4f over %d turns (in: %d tokens, out: %d tokens)",
			state.TotalCostUSD, state.NumTurns, state.TotalTokensIn, state.TotalTokensOut), nil
	default:
		return "", fmt.Errorf("command %s cannot be answered locally", cmd.Name)
	}
}

// routeUnifiedMessage handles one backend message: history append, state
// mutation, and consumer fan-out.
func (b *Bridge) routeUnifiedMessage(s *Session, msg *types.UnifiedMessage) {
	// Backends without their own passthrough hook still get echoes
	// intercepted here.
	s.mu.Lock()
	installed := s.passthroughInstalled
	s.mu.Unlock()
	if !installed && b.interceptPassthrough(s, msg) {
		return
	}

	s.Touch()

	switch msg.Type {
	case types.MessageSessionInit:
		b.handleSessionInit(s, msg)

	case types.MessageAssistant:
		b.appendHistory(s, msg)
		b.Broadcast(s, types.NewAssistantFrame(msg))

	case types.MessageUserMessage:
		b.appendHistory(s, msg)
		b.Broadcast(s, msg)

	case types.MessageStreamEvent:
		if eventName(msg) == "message_start" {
			running := types.StatusRunning
			s.mu.Lock()
			s.State.Status = &running
			s.mu.Unlock()
			b.Broadcast(s, types.NewStatusChangeFrame(&running))
		}
		b.Broadcast(s, types.StreamEventFrame{
			Type:            "stream_event",
			Event:           msg.Metadata["event"],
			ParentToolUseID: msg.MetaString("parent_tool_use_id"),
		})

	case types.MessageResult:
		b.handleResult(s, msg)

	case types.MessageStatusChange:
		b.handleStatusChange(s, msg)

	case types.MessagePermissionRequest:
		b.handlePermissionRequest(s, msg)

	case types.MessagePermissionCancelled:
		requestID := msg.MetaString("request_id")
		s.mu.Lock()
		delete(s.PendingPermissions, requestID)
		s.mu.Unlock()
		b.BroadcastToParticipants(s, types.NewPermissionCancelledFrame(requestID))

	case types.MessageToolProgress:
		b.appendHistory(s, msg)
		b.Broadcast(s, types.ToolProgressFrame{Type: "tool_progress", Metadata: msg.Metadata})

	case types.MessageToolUseSummary:
		b.appendHistory(s, msg)
		b.Broadcast(s, types.ToolUseSummaryFrame{Type: "tool_use_summary", Metadata: msg.Metadata})

	case types.MessageAuthStatus:
		frame := types.AuthStatusFrame{
			Type:             "auth_status",
			IsAuthenticating: msg.Metadata["isAuthenticating"] == true,
			Output:           msg.MetaString("output"),
			Error:            msg.MetaString("error"),
		}
		s.mu.Lock()
		s.lastAuthStatus = &frame
		s.mu.Unlock()
		b.Broadcast(s, frame)

	case types.MessageConfigurationChange:
		// Echo overwrite of the optimistic update.
		s.mu.Lock()
		if model := msg.MetaString("model"); model != "" {
			s.State.Model = model
		}
		if mode := msg.MetaString("mode"); mode != "" {
			s.State.PermissionMode = types.PermissionMode(mode)
		}
		s.mu.Unlock()

	default:
		logging.ForSession(s.ID).Debug().Str("type", string(msg.Type)).Msg("unhandled backend message")
	}

	b.persist(s)
}

// appendHistory records a visible event in arrival order, assigning a
// stable id to messages that arrived without one.
func (b *Bridge) appendHistory(s *Session, msg *types.UnifiedMessage) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	s.mu.Lock()
	s.History = append(s.History, msg)
	s.mu.Unlock()
}

// eventName extracts the stream event name from metadata.
func eventName(msg *types.UnifiedMessage) string {
	switch ev := msg.Metadata["event"].(type) {
	case string:
		return ev
	case map[string]any:
		name, _ := ev["type"].(string)
		return name
	default:
		return ""
	}
}

// handleSessionInit applies the init snapshot, reseeds the command
// registry, triggers the initialize handshake, and fans the state out.
func (b *Bridge) handleSessionInit(s *Session, msg *types.UnifiedMessage) {
	s.mu.Lock()
	if model := msg.MetaString("model"); model != "" {
		s.State.Model = model
	}
	if cwd := msg.MetaString("cwd"); cwd != "" {
		s.State.CWD = cwd
	}
	if mode := msg.MetaString("permissionMode"); mode != "" {
		s.State.PermissionMode = types.PermissionMode(mode)
	}
	if tools, ok := msg.Metadata["tools"].([]any); ok {
		s.State.Tools = toStrings(tools)
	}
	if cmds, ok := msg.Metadata["slash_commands"].([]any); ok {
		s.State.SlashCommands = toStrings(cmds)
	}
	if skills, ok := msg.Metadata["skills"].([]any); ok {
		s.State.Skills = toSkills(skills)
	}
	slashCommands := s.State.SlashCommands
	skills := s.State.Skills
	backendID := msg.MetaString("session_id")
	handle := s.Backend
	s.mu.Unlock()

	// Built-ins survive; the dynamic layer is swapped wholesale.
	s.Commands.Reseed(slashCommands, skills)

	if backendID != "" && backendID != s.ID {
		s.mu.Lock()
		s.BackendSessionID = backendID
		s.mu.Unlock()
		b.emit(event.BackendSessionID, event.BackendSessionIDData{
			SessionID:        s.ID,
			BackendSessionID: backendID,
		})
	}

	b.Broadcast(s, types.NewSessionInitFrame(s.snapshotState()))

	if init, ok := handle.(backend.Initializer); ok {
		b.ensureInitialize(s, init)
	} else {
		// No control-plane handshake: derive capabilities from the init.
		b.applyCapabilities(s, b.fallbackCapabilities(s))
	}
}

// ensureInitialize starts the backend initialize handshake at most once per
// session record; later triggers, including those after a reconnect, return
// without starting another.
func (b *Bridge) ensureInitialize(s *Session, init backend.Initializer) {
	s.mu.Lock()
	if s.initResult != nil {
		s.mu.Unlock()
		return
	}
	future := &initFuture{done: make(chan struct{})}
	s.initResult = future
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.InitializeTimeout)
		defer cancel()

		caps, err := init.Initialize(ctx)
		future.caps = caps
		future.err = err
		close(future.done)

		if err != nil {
			if ctx.Err() != nil {
				b.emit(event.CapabilitiesTimeout, event.CapabilitiesTimeoutData{SessionID: s.ID})
			}
			logging.ForSession(s.ID).Warn().Err(err).Msg("initialize failed, using emulated capabilities")
			b.applyCapabilities(s, b.fallbackCapabilities(s))
			return
		}
		b.applyCapabilities(s, caps)
	}()
}

// fallbackCapabilities derives emulated capabilities from the init's
// slash_commands and skills.
func (b *Bridge) fallbackCapabilities(s *Session) *types.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()

	caps := &types.Capabilities{Skills: s.State.Skills}
	for _, name := range s.State.SlashCommands {
		caps.Commands = append(caps.Commands, types.CommandInfo{Name: name})
	}
	if s.State.Model != "" {
		caps.Models = []types.ModelInfo{{ID: s.State.Model}}
	}
	return caps
}

// applyCapabilities stores capabilities, enriches the registry in place,
// and broadcasts capabilities_ready.
func (b *Bridge) applyCapabilities(s *Session, caps *types.Capabilities) {
	if caps == nil {
		return
	}

	s.mu.Lock()
	s.State.Capabilities = caps
	s.mu.Unlock()

	s.Commands.Enrich(caps.Commands)
	b.Broadcast(s, types.NewCapabilitiesReadyFrame(*caps))
	b.persist(s)
}

// handleResult rolls turn accounting into the session state.
func (b *Bridge) handleResult(s *Session, msg *types.UnifiedMessage) {
	data := resultData(msg)

	s.mu.Lock()
	s.State.TotalCostUSD += data.TotalCostUSD
	if data.NumTurns > 0 {
		s.State.NumTurns = data.NumTurns
	}
	if usage := data.Usage; usage != nil {
		if in, ok := usage["input_tokens"].(float64); ok {
			s.State.TotalTokensIn += int64(in)
		}
		if out, ok := usage["output_tokens"].(float64); ok {
			s.State.TotalTokensOut += int64(out)
		}
	}
	idle := types.StatusIdle
	s.State.Status = &idle
	first := !s.firstTurnEmitted && data.NumTurns == 1
	if first {
		s.firstTurnEmitted = true
	}
	firstUser := firstUserText(s.History)
	s.mu.Unlock()

	b.appendHistory(s, msg)
	b.Broadcast(s, types.ResultFrame{Type: "result", Data: data})
	b.Broadcast(s, types.NewStatusChangeFrame(&idle))

	if first {
		b.emit(event.SessionFirstTurn, event.SessionFirstTurnData{
			SessionID:        s.ID,
			FirstUserMessage: firstUser,
		})
	}
}

// firstUserText finds the first user message text in history. Caller holds
// s.mu.
func firstUserText(history []*types.UnifiedMessage) string {
	for _, msg := range history {
		if msg.Type == types.MessageUserMessage {
			return msg.PlainText()
		}
	}
	return ""
}

// handleStatusChange applies a backend status update.
func (b *Bridge) handleStatusChange(s *Session, msg *types.UnifiedMessage) {
	s.mu.Lock()
	var status *types.SessionStatus
	if v := msg.MetaString("status"); v != "" {
		st := types.SessionStatus(v)
		status = &st
	}
	s.State.Status = status
	if mode := msg.MetaString("permissionMode"); mode != "" {
		s.State.PermissionMode = types.PermissionMode(mode)
	}
	s.mu.Unlock()

	b.Broadcast(s, types.NewStatusChangeFrame(status))
}

// resultData projects result metadata into the wire shape.
func resultData(msg *types.UnifiedMessage) types.ResultData {
	data := types.ResultData{}
	md := msg.Metadata
	if md == nil {
		return data
	}

	data.Subtype = msg.MetaString("subtype")
	data.Result = msg.MetaString("result")
	if v, ok := md["is_error"].(bool); ok {
		data.IsError = v
	}
	if v, ok := md["duration_ms"].(float64); ok {
		data.DurationMs = int64(v)
	}
	if v, ok := md["duration_api_ms"].(float64); ok {
		data.DurationAPIMs = int64(v)
	}
	if v, ok := md["num_turns"].(float64); ok {
		data.NumTurns = int(v)
	}
	if v, ok := md["num_turns"].(int); ok {
		data.NumTurns = v
	}
	if v, ok := md["total_cost_usd"].(float64); ok {
		data.TotalCostUSD = v
	}
	if v, ok := md["usage"].(map[string]any); ok {
		data.Usage = v
	}
	if v, ok := md["lines_added"].(float64); ok {
		data.LinesAdded = int(v)
	}
	if v, ok := md["lines_removed"].(float64); ok {
		data.LinesRemoved = int(v)
	}
	return data
}

// toStrings coerces a JSON array into strings.
func toStrings(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// toSkills coerces a JSON array into skill infos.
func toSkills(items []any) []types.SkillInfo {
	out := make([]types.SkillInfo, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, types.SkillInfo{Name: v})
		case map[string]any:
			name, _ := v["name"].(string)
			desc, _ := v["description"].(string)
			if name != "" {
				out = append(out, types.SkillInfo{Name: name, Description: desc})
			}
		}
	}
	return out
}
