package event

import "github.com/beamcode/beamcode/pkg/types"

// BackendConnectedData is the payload for BackendConnected.
type BackendConnectedData struct {
	SessionID   string `json:"sessionId"`
	AdapterName string `json:"adapterName,omitempty"`
}

// BackendDisconnectedData is the payload for BackendDisconnected.
type BackendDisconnectedData struct {
	SessionID string `json:"sessionId"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BackendRelaunchNeededData is the payload for BackendRelaunchNeeded.
type BackendRelaunchNeededData struct {
	SessionID string `json:"sessionId"`
}

// BackendSessionIDData is the payload for BackendSessionID, carrying the
// backend's own session identifier for resume.
type BackendSessionIDData struct {
	SessionID        string `json:"sessionId"`
	BackendSessionID string `json:"backendSessionId"`
}

// ConsumerData is the payload for ConsumerConnected / ConsumerDisconnected.
type ConsumerData struct {
	SessionID     string                  `json:"sessionId"`
	ConsumerCount int                     `json:"consumerCount"`
	Identity      *types.ConsumerIdentity `json:"identity,omitempty"`
}

// MessageInboundData is the payload for MessageInbound.
type MessageInboundData struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

// SessionFirstTurnData is the payload for SessionFirstTurn.
type SessionFirstTurnData struct {
	SessionID        string `json:"sessionId"`
	FirstUserMessage string `json:"firstUserMessage,omitempty"`
}

// SessionClosedData is the payload for SessionClosed.
type SessionClosedData struct {
	SessionID string `json:"sessionId"`
}

// RateLimitExceededData is the payload for RateLimitExceeded.
type RateLimitExceededData struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

// CapabilitiesTimeoutData is the payload for CapabilitiesTimeout.
type CapabilitiesTimeoutData struct {
	SessionID string `json:"sessionId"`
}

// CircuitBreakerOpenData is the payload for CircuitBreakerOpen.
type CircuitBreakerOpenData struct {
	SessionID string `json:"sessionId,omitempty"`
	Label     string `json:"label,omitempty"`
}

// ErrorData is the payload for BrokerError.
type ErrorData struct {
	SessionID string `json:"sessionId,omitempty"`
	Source    string `json:"source,omitempty"`
	Message   string `json:"message"`
}
