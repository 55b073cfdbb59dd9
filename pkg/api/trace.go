package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/conductor/pkg/bus"
	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/core/failfast"
)

// TraceBridge streams bus traffic to WebSocket clients for debugging.
// Each delivered message is pushed as JSON to every connected client
// whose participant filter matches.
type TraceBridge struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*traceClient
	mu       sync.RWMutex
	logger   core.Logger
}

type traceClient struct {
	conn *websocket.Conn
	// filter limits the stream to messages sent by or to this
	// participant; empty means everything.
	filter  string
	writeMu sync.Mutex
}

type traceEvent struct {
	Op      string       `json:"op"`
	Message *bus.Message `json:"message"`
}

// NewTraceBridge attaches a tap to the bus and returns the bridge.
func NewTraceBridge(b *bus.Bus, logger core.Logger) *TraceBridge {
	failfast.NotNil(b, "bus")
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	t := &TraceBridge{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*traceClient),
		logger:  logger,
	}
	b.AddTap(t.fanout)
	return t
}

// HandleWebSocket upgrades the connection and registers the client.
// The optional ?participant= query filters the stream.
func (t *TraceBridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	client := &traceClient{
		conn:   conn,
		filter: r.URL.Query().Get("participant"),
	}

	t.mu.Lock()
	t.clients[conn] = client
	t.mu.Unlock()

	go t.readUntilClose(client)
}

// fanout is the bus tap. It must not block message delivery, so slow
// clients are dropped rather than waited on.
func (t *TraceBridge) fanout(msg *bus.Message) {
	t.mu.RLock()
	clients := make([]*traceClient, 0, len(t.clients))
	for _, c := range t.clients {
		if c.matches(msg) {
			clients = append(clients, c)
		}
	}
	t.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	ev := &traceEvent{Op: "message", Message: msg}
	for _, c := range clients {
		go func(c *traceClient) {
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteJSON(ev); err != nil {
				t.removeClient(c.conn)
			}
		}(c)
	}
}

func (c *traceClient) matches(msg *bus.Message) bool {
	if c.filter == "" {
		return true
	}
	return msg.From == c.filter || msg.To == c.filter
}

// readUntilClose drains the connection; clients are not expected to
// send anything, the loop exists to detect disconnects.
func (t *TraceBridge) readUntilClose(c *traceClient) {
	defer t.removeClient(c.conn)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Errorf("websocket read error: %v", err)
			}
			return
		}
	}
}

func (t *TraceBridge) removeClient(conn *websocket.Conn) {
	t.mu.Lock()
	_, ok := t.clients[conn]
	delete(t.clients, conn)
	t.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// ClientCount reports connected trace clients.
func (t *TraceBridge) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}
