package backend

import (
	"encoding/json"

	"github.com/beamcode/beamcode/pkg/types"
)

// InboundTranslator maps one native wire message to at most one
// UnifiedMessage. A false return drops the message (e.g. keep_alive).
// Translators are pure; connection state lives in the session handle.
type InboundTranslator func(native []byte) (*types.UnifiedMessage, bool)

// OutboundTranslator maps one UnifiedMessage to at most one native wire
// message. A false return means the backend has no equivalent action.
type OutboundTranslator func(msg *types.UnifiedMessage) ([]byte, bool)

// Translator pairs the two directions for one backend dialect.
type Translator struct {
	Inbound  InboundTranslator
	Outbound OutboundTranslator
}

// CarrierTranslator returns the identity translator for peers that already
// speak the unified schema: inbound frames parse directly into
// UnifiedMessage (falling back to unknown on alien shapes), outbound
// messages serialize as-is.
func CarrierTranslator() Translator {
	return Translator{
		Inbound: func(native []byte) (*types.UnifiedMessage, bool) {
			var msg types.UnifiedMessage
			if err := json.Unmarshal(native, &msg); err != nil || msg.Type == "" {
				var raw map[string]any
				if err := json.Unmarshal(native, &raw); err != nil {
					return nil, false
				}
				return &types.UnifiedMessage{Type: types.MessageUnknown, Metadata: raw}, true
			}
			return &msg, true
		},
		Outbound: func(msg *types.UnifiedMessage) ([]byte, bool) {
			data, err := json.Marshal(msg)
			if err != nil {
				return nil, false
			}
			return data, true
		},
	}
}
