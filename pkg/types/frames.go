package types

// Outbound consumer frame shapes. Every frame carries a "type" discriminator;
// constructors keep the discriminator strings in one place.

// IdentityFrame is the first frame a consumer receives after auth.
type IdentityFrame struct {
	Type        string       `json:"type"` // "identity"
	UserID      string       `json:"userId"`
	DisplayName string       `json:"displayName"`
	Role        ConsumerRole `json:"role"`
}

func NewIdentityFrame(id ConsumerIdentity) IdentityFrame {
	return IdentityFrame{Type: "identity", UserID: id.UserID, DisplayName: id.DisplayName, Role: id.Role}
}

// SessionInitFrame carries the full session state snapshot.
type SessionInitFrame struct {
	Type    string       `json:"type"` // "session_init"
	Session SessionState `json:"session"`
}

func NewSessionInitFrame(state SessionState) SessionInitFrame {
	return SessionInitFrame{Type: "session_init", Session: state}
}

// MessageHistoryFrame replays history to a late-joining consumer.
type MessageHistoryFrame struct {
	Type     string            `json:"type"` // "message_history"
	Messages []*UnifiedMessage `json:"messages"`
}

func NewMessageHistoryFrame(messages []*UnifiedMessage) MessageHistoryFrame {
	return MessageHistoryFrame{Type: "message_history", Messages: messages}
}

// CapabilitiesReadyFrame announces the backend's initialize result.
type CapabilitiesReadyFrame struct {
	Type     string         `json:"type"` // "capabilities_ready"
	Commands []CommandInfo  `json:"commands,omitempty"`
	Models   []ModelInfo    `json:"models,omitempty"`
	Account  map[string]any `json:"account,omitempty"`
	Skills   []SkillInfo    `json:"skills,omitempty"`
}

func NewCapabilitiesReadyFrame(caps Capabilities) CapabilitiesReadyFrame {
	return CapabilitiesReadyFrame{
		Type:     "capabilities_ready",
		Commands: caps.Commands,
		Models:   caps.Models,
		Account:  caps.Account,
		Skills:   caps.Skills,
	}
}

// StatusChangeFrame reports the backend activity state.
type StatusChangeFrame struct {
	Type   string         `json:"type"` // "status_change"
	Status *SessionStatus `json:"status"`
}

func NewStatusChangeFrame(status *SessionStatus) StatusChangeFrame {
	return StatusChangeFrame{Type: "status_change", Status: status}
}

// SimpleFrame is a frame with no payload (cli_connected, cli_disconnected).
type SimpleFrame struct {
	Type string `json:"type"`
}

func NewCLIConnectedFrame() SimpleFrame    { return SimpleFrame{Type: "cli_connected"} }
func NewCLIDisconnectedFrame() SimpleFrame { return SimpleFrame{Type: "cli_disconnected"} }

// PermissionRequestFrame forwards a pending permission request to participants.
type PermissionRequestFrame struct {
	Type    string          `json:"type"` // "permission_request"
	Request *UnifiedMessage `json:"request"`
}

func NewPermissionRequestFrame(req *UnifiedMessage) PermissionRequestFrame {
	return PermissionRequestFrame{Type: "permission_request", Request: req}
}

// PermissionCancelledFrame retracts a pending permission request.
type PermissionCancelledFrame struct {
	Type      string `json:"type"` // "permission_cancelled"
	RequestID string `json:"request_id"`
}

func NewPermissionCancelledFrame(requestID string) PermissionCancelledFrame {
	return PermissionCancelledFrame{Type: "permission_cancelled", RequestID: requestID}
}

// AssistantFrame carries an assistant message; nested sub-agent messages
// carry a parent tool-use link.
type AssistantFrame struct {
	Type            string          `json:"type"` // "assistant"
	Message         *UnifiedMessage `json:"message"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
}

func NewAssistantFrame(msg *UnifiedMessage) AssistantFrame {
	return AssistantFrame{Type: "assistant", Message: msg, ParentToolUseID: msg.MetaString("parent_tool_use_id")}
}

// StreamEventFrame carries a raw streaming event.
type StreamEventFrame struct {
	Type            string `json:"type"` // "stream_event"
	Event           any    `json:"event"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

// ResultFrame carries turn accounting.
type ResultFrame struct {
	Type string     `json:"type"` // "result"
	Data ResultData `json:"data"`
}

// ToolProgressFrame forwards backend tool progress.
type ToolProgressFrame struct {
	Type     string         `json:"type"` // "tool_progress"
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolUseSummaryFrame forwards a backend tool-use summary.
type ToolUseSummaryFrame struct {
	Type     string         `json:"type"` // "tool_use_summary"
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SlashCommandResultFrame is the rendered output of a slash command.
type SlashCommandResultFrame struct {
	Type      string `json:"type"` // "slash_command_result"
	Command   string `json:"command"`
	Content   string `json:"content"`
	Source    string `json:"source"` // "emulated" | "pty" | "cli"
	RequestID string `json:"request_id,omitempty"`
}

// SlashCommandErrorFrame reports a failed slash command.
type SlashCommandErrorFrame struct {
	Type    string `json:"type"` // "slash_command_error"
	Command string `json:"command"`
	Error   string `json:"error"`
}

// AuthStatusFrame reports backend authentication progress.
type AuthStatusFrame struct {
	Type             string `json:"type"` // "auth_status"
	IsAuthenticating bool   `json:"isAuthenticating"`
	Output           string `json:"output,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ErrorFrame reports an error to a single consumer.
type ErrorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: "error", Message: message}
}

// PresenceFrame lists the currently connected consumers.
type PresenceFrame struct {
	Type      string             `json:"type"` // "presence"
	Consumers []ConsumerIdentity `json:"consumers"`
}

func NewPresenceFrame(consumers []ConsumerIdentity) PresenceFrame {
	return PresenceFrame{Type: "presence", Consumers: consumers}
}

// QueuedUserMessageFrame replays the single pre-connect queued message.
type QueuedUserMessageFrame struct {
	Type    string          `json:"type"` // "queued_user_message"
	Message *UnifiedMessage `json:"message"`
}
