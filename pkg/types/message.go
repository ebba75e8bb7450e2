// Package types provides the core data types for the beamcode broker.
package types

import "encoding/json"

// MessageType identifies the kind of a UnifiedMessage.
type MessageType string

const (
	MessageUserMessage         MessageType = "user_message"
	MessageAssistant           MessageType = "assistant"
	MessageStreamEvent         MessageType = "stream_event"
	MessageResult              MessageType = "result"
	MessagePermissionRequest   MessageType = "permission_request"
	MessagePermissionResponse  MessageType = "permission_response"
	MessagePermissionCancelled MessageType = "permission_cancelled"
	MessageToolProgress        MessageType = "tool_progress"
	MessageToolUseSummary      MessageType = "tool_use_summary"
	MessageConfigurationChange MessageType = "configuration_change"
	MessageSessionInit         MessageType = "session_init"
	MessageStatusChange        MessageType = "status_change"
	MessageAuthStatus          MessageType = "auth_status"
	MessageInterrupt           MessageType = "interrupt"
	MessageUnknown             MessageType = "unknown"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// UnifiedMessage is the protocol-agnostic message envelope. Translators map
// each backend's native wire format to and from this shape; everything inside
// the broker operates on the tagged Type instead of raw JSON.
type UnifiedMessage struct {
	Type     MessageType    `json:"type"`
	Role     Role           `json:"role,omitempty"`
	Content  []ContentBlock `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ID       string         `json:"id,omitempty"`
}

// NewUserMessage builds a user_message with a single text block.
func NewUserMessage(text string) *UnifiedMessage {
	return &UnifiedMessage{
		Type:    MessageUserMessage,
		Role:    RoleUser,
		Content: []ContentBlock{&TextBlock{Type: "text", Text: text}},
	}
}

// NewConfigurationChange builds a configuration_change message with the given
// subtype and extra metadata fields.
func NewConfigurationChange(subtype string, fields map[string]any) *UnifiedMessage {
	md := map[string]any{"subtype": subtype}
	for k, v := range fields {
		md[k] = v
	}
	return &UnifiedMessage{Type: MessageConfigurationChange, Role: RoleUser, Metadata: md}
}

// PlainText concatenates the text blocks of the message content.
func (m *UnifiedMessage) PlainText() string {
	var out string
	for _, block := range m.Content {
		if t, ok := block.(*TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// MetaString returns a string metadata field, or "" when absent or not a string.
func (m *UnifiedMessage) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// rawUnifiedMessage mirrors UnifiedMessage with raw content for unmarshaling.
type rawUnifiedMessage struct {
	Type     MessageType       `json:"type"`
	Role     Role              `json:"role,omitempty"`
	Content  []json.RawMessage `json:"content,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	ID       string            `json:"id,omitempty"`
}

// UnmarshalJSON decodes the tagged content blocks.
func (m *UnifiedMessage) UnmarshalJSON(data []byte) error {
	var raw rawUnifiedMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Type = raw.Type
	m.Role = raw.Role
	m.Metadata = raw.Metadata
	m.ID = raw.ID
	m.Content = nil

	for _, rb := range raw.Content {
		block, err := UnmarshalContentBlock(rb)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, block)
	}

	return nil
}
