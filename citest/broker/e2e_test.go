package broker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/beamcode/beamcode/internal/backend"
	"github.com/beamcode/beamcode/internal/bridge"
	"github.com/beamcode/beamcode/internal/event"
	"github.com/beamcode/beamcode/internal/gate"
	"github.com/beamcode/beamcode/internal/launcher"
	"github.com/beamcode/beamcode/internal/manager"
	"github.com/beamcode/beamcode/internal/server"
	"github.com/beamcode/beamcode/internal/storage"
	"github.com/beamcode/beamcode/internal/supervisor"
)

// stubAdapter registers sessions but never connects a real backend.
type stubAdapter struct{}

func (stubAdapter) Name() string                       { return "stub" }
func (stubAdapter) Capabilities() backend.Capabilities { return backend.Capabilities{} }
func (stubAdapter) Connect(ctx context.Context, opts backend.ConnectOptions) (backend.Session, error) {
	return nil, fmt.Errorf("stub adapter has no backend")
}

// wsClient wraps a consumer connection for the specs.
type wsClient struct {
	conn *websocket.Conn
}

func (c *wsClient) readFrame(timeout time.Duration) (map[string]any, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// readUntil skips frames until one of the wanted type arrives.
func (c *wsClient) readUntil(frameType string, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame, err := c.readFrame(time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if frame["type"] == frameType {
			return frame, nil
		}
	}
	return nil, fmt.Errorf("no %s frame before deadline", frameType)
}

func (c *wsClient) send(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

var _ = Describe("Broker end to end", func() {
	var (
		ts  *httptest.Server
		mgr *manager.Manager
	)

	BeforeEach(func() {
		store, err := storage.New(GinkgoT().TempDir(), 0)
		Expect(err).NotTo(HaveOccurred())

		bus := event.NewBus()
		adapters := backend.NewRegistry(stubAdapter{})
		sup := supervisor.New(supervisor.DefaultConfig())
		l := launcher.New(sup, store, adapters, bus)

		br := bridge.New(bridge.Config{MaxConsumerMessageSize: 2048}, store, gate.New(nil), adapters, bus)

		mgr = manager.New(manager.Config{ReconnectGracePeriod: time.Hour}, br, l, adapters, bus)
		mgr.Start()

		cfg := server.DefaultConfig()
		cfg.MaxConsumerMessageSize = 2048
		ts = httptest.NewServer(server.New(cfg, mgr).Router())
	})

	AfterEach(func() {
		ts.Close()
		mgr.Stop()
	})

	createSession := func() string {
		body, _ := json.Marshal(map[string]string{"adapter": "stub", "name": "e2e"})
		resp, err := http.Post(ts.URL+"/session", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var result manager.Result
		Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
		Expect(result.OK).To(BeTrue())
		return result.SessionID
	}

	dial := func(sessionID string) *wsClient {
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session/" + sessionID + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { conn.Close() })
		return &wsClient{conn: conn}
	}

	It("creates and lists sessions over HTTP", func() {
		id := createSession()

		resp, err := http.Get(ts.URL + "/session")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var records []map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
		Expect(records).To(HaveLen(1))
		Expect(records[0]["sessionId"]).To(Equal(id))
		Expect(records[0]["state"]).To(Equal("starting"))
	})

	It("admits an anonymous consumer with identity first", func() {
		id := createSession()
		client := dial(id)

		identity, err := client.readFrame(2 * time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(identity["type"]).To(Equal("identity"))
		Expect(identity["userId"]).To(Equal("anonymous-1"))
		Expect(identity["displayName"]).To(Equal("User 1"))
		Expect(identity["role"]).To(Equal("participant"))

		init, err := client.readFrame(2 * time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(init["type"]).To(Equal("session_init"))

		disc, err := client.readUntil("cli_disconnected", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(disc).NotTo(BeNil())
	})

	It("answers /help as an emulated slash command", func() {
		id := createSession()
		client := dial(id)

		_, err := client.readUntil("cli_disconnected", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())

		Expect(client.send(map[string]any{
			"type": "slash_command", "command": "/help", "request_id": "r1",
		})).To(Succeed())

		result, err := client.readUntil("slash_command_result", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(result["source"]).To(Equal("emulated"))
		Expect(result["request_id"]).To(Equal("r1"))
		Expect(result["content"]).To(ContainSubstring("/help"))
	})

	It("closes oversize frames with 1009", func() {
		id := createSession()
		client := dial(id)

		_, err := client.readUntil("cli_disconnected", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())

		Expect(client.send(map[string]any{
			"type":    "user_message",
			"content": strings.Repeat("x", 4096),
		})).To(Succeed())

		var closeErr *websocket.CloseError
		for {
			_, readErr := client.readFrame(2 * time.Second)
			if readErr == nil {
				continue
			}
			var ok bool
			closeErr, ok = readErr.(*websocket.CloseError)
			Expect(ok).To(BeTrue(), "expected a close error, got %v", readErr)
			break
		}
		Expect(closeErr.Code).To(Equal(1009))
	})

	It("rejects consumers for unknown sessions with 4404", func() {
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session/00000000-0000-4000-8000-000000000000/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, readErr := conn.ReadMessage()
		closeErr, ok := readErr.(*websocket.CloseError)
		Expect(ok).To(BeTrue(), "expected a close error, got %v", readErr)
		Expect(closeErr.Code).To(Equal(4404))
	})

	It("deletes sessions over HTTP", func() {
		id := createSession()

		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/session/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		getResp, err := http.Get(ts.URL + "/session/" + id)
		Expect(err).NotTo(HaveOccurred())
		defer getResp.Body.Close()
		Expect(getResp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("archives and unarchives sessions", func() {
		id := createSession()

		resp, err := http.Post(ts.URL+"/session/"+id+"/archive", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/session/"+id+"/archive", nil)
		resp, err = http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
