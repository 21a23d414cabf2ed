package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"codeheal/internal/events"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Source    string      `json:"source,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketManager streams bus events to dashboard clients. Each client has
// its own writer goroutine; a client whose buffer is full is dropped.
type WebSocketManager struct {
	clients  map[*client]bool
	mutex    sync.RWMutex
	upgrader websocket.Upgrader

	history     [][]byte
	historySize int

	stop func()
	wg   sync.WaitGroup
}

// NewWebSocketManager creates a manager that replays up to historySize
// recent messages to clients that send client_ready.
func NewWebSocketManager(historySize int) *WebSocketManager {
	if historySize < 0 {
		historySize = 0
	}
	return &WebSocketManager{
		clients:     make(map[*client]bool),
		historySize: historySize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Forward broadcasts every bus event until the bus closes or Close is called
func (wsm *WebSocketManager) Forward(bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe("websocket")
	wsm.stop = unsubscribe
	wsm.wg.Add(1)
	go func() {
		defer wsm.wg.Done()
		for e := range ch {
			var data interface{} = e.Data
			if e.Data == nil {
				data = e.Payload
			}
			wsm.broadcast(WSMessage{Type: string(e.Type), Timestamp: e.Timestamp, Data: data, Source: e.Source})
		}
	}()
}

// HandleConnection upgrades the request and serves the client until it disconnects
func (wsm *WebSocketManager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ Failed to upgrade connection: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	wsm.mutex.Lock()
	wsm.clients[c] = true
	count := len(wsm.clients)
	wsm.mutex.Unlock()
	log.Printf("🔗 Dashboard client connected from %s (%d total)", r.RemoteAddr, count)

	go wsm.writePump(c)
	wsm.readPump(c)

	wsm.remove(c)
	log.Printf("🔌 Dashboard client disconnected (%d total)", wsm.GetConnectionCount())
}

func (wsm *WebSocketManager) readPump(c *client) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️  WebSocket error: %v", err)
			}
			return
		}

		var data map[string]interface{}
		if err := json.Unmarshal(message, &data); err != nil {
			continue
		}

		switch data["type"] {
		case "client_ready":
			wsm.replay(c)
		case "ping":
			wsm.enqueue(c, WSMessage{Type: "pong", Timestamp: time.Now(), Data: map[string]interface{}{"status": "ok"}})
		}
	}
}

func (wsm *WebSocketManager) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (wsm *WebSocketManager) remove(c *client) {
	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()
	if wsm.clients[c] {
		delete(wsm.clients, c)
		close(c.send)
	}
}

func (wsm *WebSocketManager) replay(c *client) {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	if !wsm.clients[c] {
		return
	}
	for _, msg := range wsm.history {
		select {
		case c.send <- msg:
		default:
			return
		}
	}
}

func (wsm *WebSocketManager) enqueue(c *client, message WSMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	if !wsm.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// BroadcastMessage sends a message of msgType to every client
func (wsm *WebSocketManager) BroadcastMessage(msgType string, data interface{}) {
	wsm.broadcast(WSMessage{Type: msgType, Timestamp: time.Now(), Data: data})
}

func (wsm *WebSocketManager) broadcast(message WSMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("⚠️  Failed to marshal WebSocket message: %v", err)
		return
	}

	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()

	if wsm.historySize > 0 {
		wsm.history = append(wsm.history, data)
		if len(wsm.history) > wsm.historySize {
			wsm.history = wsm.history[len(wsm.history)-wsm.historySize:]
		}
	}

	for c := range wsm.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("⚠️  Dashboard client too slow, dropping connection")
			delete(wsm.clients, c)
			close(c.send)
		}
	}
}

// GetConnectionCount returns the number of active connections
func (wsm *WebSocketManager) GetConnectionCount() int {
	wsm.mutex.RLock()
	defer wsm.mutex.RUnlock()
	return len(wsm.clients)
}

// Close stops forwarding and disconnects every client
func (wsm *WebSocketManager) Close() {
	if wsm.stop != nil {
		wsm.stop()
	}
	wsm.wg.Wait()

	wsm.mutex.Lock()
	defer wsm.mutex.Unlock()
	for c := range wsm.clients {
		delete(wsm.clients, c)
		close(c.send)
	}
}
