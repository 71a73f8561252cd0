package api

import (
	"errors"
	"sync"
	"syscall"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	customlog "github.com/open-teleop/blobtracker/pkg/log"
)

// clientBuffer is how many telemetry messages a slow browser may lag behind
// before messages are dropped for it.
const clientBuffer = 16

type hubClient struct {
	send chan []byte
}

// TelemetryHub fans JSON telemetry out to websocket clients. It implements
// processing.MessagePublisher; a client that cannot keep up loses messages
// rather than stalling the publisher.
type TelemetryHub struct {
	logger  customlog.Logger
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

// NewTelemetryHub creates an empty hub.
func NewTelemetryHub(logger customlog.Logger) *TelemetryHub {
	if logger == nil {
		logger = customlog.NewDiscardLogger()
	}
	return &TelemetryHub{
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
}

// RegisterTelemetryRoutes mounts the hub at /ws/telemetry.
func RegisterTelemetryRoutes(app *fiber.App, hub *TelemetryHub) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/telemetry", websocket.New(hub.Handler))
	hub.logger.Infof("Registered telemetry websocket at /ws/telemetry")
}

// PublishMessage queues data for every connected client. The topic is not
// forwarded; browsers only ever receive telemetry.
func (h *TelemetryHub) PublishMessage(topic string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debugf("Websocket client is behind, dropped %s message", topic)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *TelemetryHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *TelemetryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *TelemetryHub) register() (*hubClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	c := &hubClient{send: make(chan []byte, clientBuffer)}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *TelemetryHub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

// Handler serves one websocket connection until either side closes it.
func (h *TelemetryHub) Handler(conn *websocket.Conn) {
	client, ok := h.register()
	if !ok {
		return
	}
	defer h.unregister(client)
	h.logger.Infof("Telemetry WebSocket connected: %s (%d clients)", conn.RemoteAddr(), h.ClientCount())

	// Inbound frames are ignored; reading is how a close is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.logClose(err)
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debugf("Telemetry WS write failed: %v", err)
				return
			}
		case <-done:
			h.logger.Infof("Telemetry WebSocket disconnected: %s", conn.RemoteAddr())
			return
		}
	}
}

func (h *TelemetryHub) logClose(err error) {
	switch {
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
		h.logger.Warnf("Telemetry WS read error: %v", err)
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		h.logger.Debugf("Telemetry WS connection reset")
	default:
		h.logger.Debugf("Telemetry WS connection closed: %v", err)
	}
}
