package server

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/beamcode/beamcode/internal/gate"
	"github.com/beamcode/beamcode/internal/logging"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/pkg/types"
)

// upgrader accepts any origin; cross-origin policy is enforced by the
// deployment, not the broker.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSocket adapts a gorilla connection to types.SocketLike. Writes are
// serialized; Close is idempotent.
type wsSocket struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

// Send implements types.SocketLike.
func (ws *wsSocket) Send(data []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return websocket.ErrCloseSent
	}
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements types.SocketLike.
func (ws *wsSocket) Close(code int, reason string) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	ws.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	ws.mu.Unlock()

	return ws.conn.Close()
}

// consumerWS upgrades a consumer connection and pumps its frames into the
// bridge.
func (s *Server) consumerWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !storage.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if _, ok := s.manager.EnsureSession(sessionID); !ok {
		// Upgrade anyway so the client receives the structured close code.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		newWSSocket(conn).Close(types.CloseSessionNotFound, "Session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ForComponent("server").Warn().Err(err).Msg("consumer upgrade failed")
		return
	}
	// Transport backstop above the broker's own size check, which closes
	// with the proper reason at the configured limit.
	conn.SetReadLimit(2 * int64(s.config.MaxConsumerMessageSize))

	socket := newWSSocket(conn)
	bridge := s.manager.Bridge()

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	bridge.HandleConsumerOpen(r.Context(), socket, gate.ConnectionContext{
		SessionID:  sessionID,
		RemoteAddr: r.RemoteAddr,
		Headers:    headers,
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.tracer.Frame("in", "consumer", sessionID, data)
		bridge.HandleConsumerMessage(socket, sessionID, data)
	}

	bridge.HandleConsumerClose(socket, sessionID)
	socket.Close(1000, "")
}

// cliWS accepts inbound connections from backend CLIs (inverted adapters).
func (s *Server) cliWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if !storage.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ForComponent("server").Warn().Err(err).Msg("cli upgrade failed")
		return
	}
	socket := newWSSocket(conn)

	adapter, ok := s.manager.HandleCLIConnection(socket, sessionID)
	if !ok {
		socket.Close(types.CloseSessionNotFound, "Session not found")
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.tracer.Frame("in", "backend", sessionID, data)
		adapter.DeliverFrame(sessionID, data)
	}

	adapter.SocketClosed(sessionID)
	socket.Close(1000, "")
}
