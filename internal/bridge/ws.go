package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"membank/internal/async"
	"membank/internal/bus"
	"membank/internal/logging"
	"membank/internal/task"
)

const (
	// wsWriteTimeout bounds one frame write. A client that cannot keep up
	// is disconnected instead of stalling the broadcast loop.
	wsWriteTimeout = 5 * time.Second
	// wsSendQueue bounds the per-client outbound buffer.
	wsSendQueue = 64
	// snapshotLimit caps how many records ride in the connect snapshot.
	snapshotLimit = 100
)

// wsMessage is the envelope for every frame the bridge pushes.
type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// hub owns the WebSocket connections and relays bus events to them.
type hub struct {
	deps     Deps
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	sub  *bus.Subscription
	done chan struct{}
}

func newHub(deps Deps, logger logging.Logger) *hub {
	return &hub{
		deps:   deps,
		logger: logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only server; the CORS layer already gates browsers.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
}

// start attaches the hub to the event bus and begins broadcasting.
func (h *hub) start() {
	if h.deps.Events == nil {
		return
	}
	h.sub = h.deps.Events.Subscribe("dashboard-ws", 0)
	async.Go(h.logger, "ws-broadcast", h.broadcastLoop)
}

func (h *hub) stop() {
	select {
	case <-h.done:
		return
	default:
	}
	close(h.done)
	if h.deps.Events != nil && h.sub != nil {
		h.deps.Events.Unsubscribe(h.sub)
	}
	h.mu.Lock()
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	h.mu.Unlock()
	wsClientsGauge.Set(0)
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcastLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.sub.C:
			if !ok {
				return
			}
			h.broadcast(wsMessage{Type: string(event.Kind), Payload: event})
		}
	}
}

// broadcast queues the message on every client; a client with a full queue
// is disconnected.
func (h *hub) broadcast(msg wsMessage) {
	var stalled []*wsClient
	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range stalled {
		h.logger.Warn("dropping stalled websocket client")
		h.remove(client)
	}
}

func (h *hub) remove(client *wsClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if present {
		client.close()
		wsClientsGauge.Set(float64(h.clientCount()))
	}
}

// handleUpgrade promotes the HTTP request to a WebSocket, sends the corpus
// snapshot, and then streams change events.
func (h *hub) handleUpgrade(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan wsMessage, wsSendQueue)}
	// Snapshot is queued before the client is visible to broadcast or stop,
	// so the dashboard always renders it before any event.
	client.send <- wsMessage{Type: "snapshot", Payload: map[string]any{
		"memories": h.deps.Memories.List("", snapshotLimit),
		"tasks":    h.deps.Tasks.List(task.ListOptions{Limit: snapshotLimit}),
	}}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	wsClientsGauge.Set(float64(h.clientCount()))
	h.logger.Info("websocket client connected (%d active)", h.clientCount())

	async.Go(h.logger, "ws-writer", func() { h.writeLoop(client) })
	async.Go(h.logger, "ws-reader", func() { h.readLoop(client) })
}

func (h *hub) writeLoop(client *wsClient) {
	defer client.conn.Close()
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := client.conn.WriteJSON(msg); err != nil {
			h.logger.Debug("websocket write: %v", err)
			h.remove(client)
			return
		}
	}
}

// readLoop drains inbound frames. The protocol is push-only, so reads exist
// to notice disconnects promptly.
func (h *hub) readLoop(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}
