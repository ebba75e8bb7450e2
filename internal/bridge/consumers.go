package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/gate"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/types"
)

// HandleConsumerOpen admits a new consumer socket: authenticate (or assign
// an anonymous identity), then replay identity, state, history,
// capabilities and pending permissions, in that order.
func (b *Bridge) HandleConsumerOpen(ctx context.Context, socket types.SocketLike, connCtx gate.ConnectionContext) {
	s, ok := b.sessions.Get(connCtx.SessionID)
	if !ok {
		socket.Close(types.CloseSessionNotFound, "Session not found")
		return
	}

	var identity types.ConsumerIdentity

	if b.gate.HasAuthenticator() {
		resolved, err := b.gate.Authenticate(ctx, socket, connCtx)
		if err != nil || resolved == nil {
			socket.Close(types.CloseAuthFailed, "Authentication failed")
			return
		}
		// The session may have been torn down while auth was in flight.
		if _, ok := b.sessions.Get(connCtx.SessionID); !ok {
			socket.Close(types.CloseSessionNotFound, "Session not found")
			return
		}
		identity = *resolved
	} else {
		s.mu.Lock()
		s.AnonymousCounter++
		identity = gate.AnonymousIdentity(s.AnonymousCounter)
		s.mu.Unlock()
	}

	b.acceptConsumer(s, socket, identity)
}

// acceptConsumer performs the ordered admission sequence.
func (b *Bridge) acceptConsumer(s *Session, socket types.SocketLike, identity types.ConsumerIdentity) {
	s.mu.Lock()
	s.Consumers[socket] = identity
	if s.RateLimiters == nil {
		s.RateLimiters = make(map[types.SocketLike]*rate.Limiter)
	}
	s.RateLimiters[socket] = gate.NewBucket()
	s.mu.Unlock()

	s.Touch()

	b.SendTo(socket, types.NewIdentityFrame(identity))

	b.resolveGitInfo(s)
	b.SendTo(socket, types.NewSessionInitFrame(s.snapshotState()))

	s.mu.Lock()
	history := append([]*types.UnifiedMessage(nil), s.History...)
	caps := s.State.Capabilities
	var pendingPerms []*types.UnifiedMessage
	if identity.Role == types.RoleParticipant {
		for _, perm := range s.PendingPermissions {
			pendingPerms = append(pendingPerms, perm.Request)
		}
	}
	queued := s.QueuedMessage
	authStatus := s.lastAuthStatus
	connected := s.Backend != nil
	count := len(s.Consumers)
	s.mu.Unlock()

	if len(history) > 0 {
		b.SendTo(socket, types.NewMessageHistoryFrame(history))
	}
	if caps != nil {
		b.SendTo(socket, types.NewCapabilitiesReadyFrame(*caps))
	}
	if authStatus != nil {
		b.SendTo(socket, *authStatus)
	}
	for _, perm := range pendingPerms {
		b.SendTo(socket, types.NewPermissionRequestFrame(perm))
	}
	if queued != nil {
		b.SendTo(socket, types.QueuedUserMessageFrame{Type: "queued_user_message", Message: queued})
	}

	b.presence(s)
	b.emit(event.ConsumerConnected, event.ConsumerData{
		SessionID:     s.ID,
		ConsumerCount: count,
		Identity:      &identity,
	})

	if connected {
		b.SendTo(socket, types.NewCLIConnectedFrame())
	} else {
		b.SendTo(socket, types.NewCLIDisconnectedFrame())
		b.emit(event.BackendRelaunchNeeded, event.BackendRelaunchNeededData{SessionID: s.ID})
	}
}

// HandleConsumerMessage validates, authorizes and routes one inbound frame.
func (b *Bridge) HandleConsumerMessage(socket types.SocketLike, sessionID string, data []byte) {
	s, ok := b.sessions.Get(sessionID)
	if !ok {
		return
	}

	s.Touch()

	if len(data) > b.cfg.MaxConsumerMessageSize {
		socket.Close(types.CloseMessageTooBig, "Message Too Big")
		return
	}

	var inbound types.InboundMessage
	if err := json.Unmarshal(data, &inbound); err != nil {
		logging.ForSession(sessionID).Warn().Err(err).Msg("invalid consumer JSON")
		return
	}
	if err := inbound.Validate(); err != nil {
		logging.ForSession(sessionID).Warn().Err(err).Msg("invalid consumer message")
		return
	}

	s.mu.Lock()
	identity, known := s.Consumers[socket]
	bucket := s.RateLimiters[socket]
	s.mu.Unlock()

	if !known {
		// The socket closed between queue admission and dispatch; the
		// message is suppressed silently.
		return
	}

	if err := gate.Authorize(identity, inbound.Type); err != nil {
		b.SendTo(socket, types.NewErrorFrame(err.Error()))
		return
	}

	if !gate.CheckRateLimit(bucket) {
		b.SendTo(socket, types.NewErrorFrame("Rate limit exceeded"))
		b.emit(event.RateLimitExceeded, event.RateLimitExceededData{
			SessionID: s.ID,
			UserID:    identity.UserID,
		})
		return
	}

	b.emit(event.MessageInbound, event.MessageInboundData{SessionID: s.ID, Type: inbound.Type})
	b.routeConsumerMessage(s, socket, identity, &inbound)
}

// HandleConsumerClose detaches a socket: any pending auth is cancelled, the
// socket's bucket is released, and presence is re-broadcast.
func (b *Bridge) HandleConsumerClose(socket types.SocketLike, sessionID string) {
	b.gate.CancelPendingAuth(socket)

	s, ok := b.sessions.Get(sessionID)
	if !ok {
		return
	}

	s.mu.Lock()
	identity, known := s.Consumers[socket]
	delete(s.Consumers, socket)
	delete(s.RateLimiters, socket)
	count := len(s.Consumers)
	s.mu.Unlock()

	var identityPtr *types.ConsumerIdentity
	if known {
		identityPtr = &identity
	}
	b.emit(event.ConsumerDisconnected, event.ConsumerData{
		SessionID:     s.ID,
		ConsumerCount: count,
		Identity:      identityPtr,
	})
	b.presence(s)
}

// resolveGitInfo fills best-effort repository info for the session cwd by
// reading .git directly; failures leave the field untouched.
func (b *Bridge) resolveGitInfo(s *Session) {
	s.mu.Lock()
	cwd := s.State.CWD
	already := s.State.Git != nil
	s.mu.Unlock()

	if cwd == "" || already {
		return
	}

	head, err := os.ReadFile(filepath.Join(cwd, ".git", "HEAD"))
	if err != nil {
		return
	}

	branch := strings.TrimSpace(string(head))
	branch = strings.TrimPrefix(branch, "ref: refs/heads/")

	s.mu.Lock()
	s.State.Git = &types.GitInfo{Branch: branch}
	s.mu.Unlock()
}
