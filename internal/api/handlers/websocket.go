package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/reachscan/internal/api/middleware"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/metrics"
	"github.com/anstrom/reachscan/internal/scanning"
)

const (
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	bufferSize      = 256                                                // Size of the broadcast channel buffer
	clientBuffer    = 64                                                 // Messages queued per client before it is dropped
)

// Feed event types.
const (
	EventResult        = "result"
	EventPassStarted   = "pass_started"
	EventPassCompleted = "pass_completed"
	EventPassFailed    = "pass_failed"
)

// Message is one event on the result feed.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PassEvent is the payload of the pass lifecycle events.
type PassEvent struct {
	PassID  string            `json:"pass_id"`
	Summary *scanning.Summary `json:"summary,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans scan events out to connected websocket clients. A client whose
// queue fills up is disconnected rather than slowing the scan down.
type Hub struct {
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	upgrader websocket.Upgrader

	clients    map[*client]bool
	broadcast  chan Message
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

// NewHub creates a hub and starts its event loop.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Hub{
		logger:  logger.WithFields("handler", "websocket"),
		metrics: metrics.GetGlobalMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is read-only and carries no credentials.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		broadcast:  make(chan Message, bufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
	}

	go h.run()

	return h
}

// ServeWS upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	h.logger.Debug("New result feed connection", "request_id", requestID, "remote_addr", r.RemoteAddr)

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	go h.writePump(c, requestID)
	h.readPump(c, requestID)
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case <-h.shutdown:
			h.mutex.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mutex.Unlock()
			h.metrics.SetWebSocketClients(0)
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.metrics.SetWebSocketClients(n)

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mutex.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mutex.Unlock()
	h.metrics.SetWebSocketClients(n)
}

func (h *Hub) fanOut(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal feed event", "type", msg.Type, "error", err)
		return
	}

	h.mutex.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mutex.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Result feed client too slow, disconnecting")
		h.remove(c)
	}
	h.metrics.IncrementWebSocketEvents(msg.Type, "sent")
}

// readPump discards client messages and notices when the peer goes away.
func (h *Hub) readPump(c *client, requestID string) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("Failed to set read deadline", "request_id", requestID, "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (h *Hub) writePump(c *client, requestID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		}
	}
}

func (h *Hub) publish(msg Message) error {
	select {
	case <-h.shutdown:
		return fmt.Errorf("result feed closed")
	default:
	}

	select {
	case h.broadcast <- msg:
		return nil
	default:
		h.metrics.IncrementWebSocketEvents(msg.Type, "dropped")
		return fmt.Errorf("broadcast channel full")
	}
}

// BroadcastResult publishes a reachable address.
func (h *Hub) BroadcastResult(result scanning.Result) error {
	return h.publish(Message{Type: EventResult, Timestamp: time.Now().UTC(), Data: result})
}

// BroadcastPassStarted publishes the start of a pass.
func (h *Hub) BroadcastPassStarted(passID string) error {
	return h.publish(Message{
		Type:      EventPassStarted,
		Timestamp: time.Now().UTC(),
		Data:      PassEvent{PassID: passID},
	})
}

// BroadcastPassFinished publishes a pass outcome. A non-nil err marks the
// pass as failed.
func (h *Hub) BroadcastPassFinished(summary scanning.Summary, err error) error {
	event := PassEvent{PassID: summary.PassID, Summary: &summary}
	eventType := EventPassCompleted
	if err != nil {
		eventType = EventPassFailed
		event.Error = err.Error()
	}
	return h.publish(Message{Type: eventType, Timestamp: time.Now().UTC(), Data: event})
}

// Clients returns the number of connected feed clients.
func (h *Hub) Clients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the event loop.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.shutdown)
		h.logger.Debug("Result feed closed")
	})
	return nil
}
