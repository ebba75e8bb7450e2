package bridge

import (
	"regexp"

	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/types"
)

// numericLooking matches request ids that should target a numeric JSON-RPC
// id in the response.
var numericLooking = regexp.MustCompile(`^[0-9]+$`)

// handlePermissionRequest stores a backend permission request and forwards
// it to participant consumers. Duplicate request ids replace the prior
// record so at most one request per id is ever pending.
func (b *Bridge) handlePermissionRequest(s *Session, msg *types.UnifiedMessage) {
	requestID := msg.MetaString("request_id")
	if requestID == "" {
		logging.ForSession(s.ID).Warn().Msg("permission request without request_id")
		return
	}

	s.mu.Lock()
	s.PendingPermissions[requestID] = &pendingPermission{
		RequestID: requestID,
		Method:    msg.MetaString("method"),
		Request:   msg,
	}
	s.mu.Unlock()

	b.appendHistory(s, msg)
	b.BroadcastToParticipants(s, types.NewPermissionRequestFrame(msg))
	b.persist(s)
}

// handlePermissionResponse translates a consumer's allow/deny into the
// backend's native decision shape. Unknown request ids (already handled or
// expired) are dropped silently.
func (b *Bridge) handlePermissionResponse(s *Session, inbound *types.InboundMessage) {
	s.mu.Lock()
	record, ok := s.PendingPermissions[inbound.RequestID]
	if ok {
		delete(s.PendingPermissions, inbound.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	response := &types.UnifiedMessage{
		Type: types.MessagePermissionResponse,
		Role: types.RoleUser,
		Metadata: map[string]any{
			"request_id": record.RequestID,
			"behavior":   inbound.Behavior,
			"method":     record.Method,
			"decision":   decisionString(record.Method, inbound.Behavior),
		},
	}
	if inbound.Message != "" {
		response.Metadata["message"] = inbound.Message
	}
	if numericLooking.MatchString(record.RequestID) {
		response.Metadata["rpc_id"] = record.RequestID
	}
	if record.Request != nil {
		if toolUseID := record.Request.MetaString("tool_use_id"); toolUseID != "" {
			response.Metadata["tool_use_id"] = toolUseID
		}
	}

	b.SendToBackend(s, response)
	b.persist(s)
}

// decisionString maps allow/deny onto the vocabulary the originating
// method expects.
func decisionString(method, behavior string) string {
	allow := behavior == "allow"

	switch method {
	case "item/commandExecution/requestApproval":
		if allow {
			return "accept"
		}
		return "decline"
	case "execCommandApproval", "applyPatchApproval":
		if allow {
			return "approved"
		}
		return "denied"
	default:
		if allow {
			return "allow"
		}
		return "deny"
	}
}
