package bridge

import (
	"encoding/json"

	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/pkg/types"
)

// Broadcast serializes the frame and fans it out to every consumer.
// Transport errors on individual sockets are logged and do not affect
// siblings.
func (b *Bridge) Broadcast(s *Session, frame any) {
	b.fanOut(s, frame, false)
}

// BroadcastToParticipants fans out to participant consumers only.
func (b *Bridge) BroadcastToParticipants(s *Session, frame any) {
	b.fanOut(s, frame, true)
}

func (b *Bridge) fanOut(s *Session, frame any, participantsOnly bool) {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.ForSession(s.ID).Error().Err(err).Msg("broadcast marshal failed")
		return
	}

	s.mu.Lock()
	targets := make([]types.SocketLike, 0, len(s.Consumers))
	for socket, identity := range s.Consumers {
		if participantsOnly && identity.Role != types.RoleParticipant {
			continue
		}
		targets = append(targets, socket)
	}
	s.mu.Unlock()

	for _, socket := range targets {
		if err := socket.Send(data); err != nil {
			logging.ForSession(s.ID).Warn().Err(err).Msg("consumer send failed")
		}
	}
}

// SendTo sends a frame to a single consumer socket.
func (b *Bridge) SendTo(socket types.SocketLike, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error().Err(err).Msg("frame marshal failed")
		return
	}
	if err := socket.Send(data); err != nil {
		logging.Warn().Err(err).Msg("consumer send failed")
	}
}

// presence broadcasts the current consumer roster.
func (b *Bridge) presence(s *Session) {
	s.mu.Lock()
	consumers := make([]types.ConsumerIdentity, 0, len(s.Consumers))
	for _, identity := range s.Consumers {
		consumers = append(consumers, identity)
	}
	s.mu.Unlock()

	b.Broadcast(s, types.NewPresenceFrame(consumers))
}
