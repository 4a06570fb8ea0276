package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Broadcaster fans EpochSnapshot updates out to connected websocket
// dashboard clients, following games_ws_backend/hub/hub.go's
// register/unregister/per-client-send-channel shape: one writer
// goroutine per client, a buffered Send channel, and the hub (here,
// the Broadcaster itself) owning the connected-client set.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewBroadcaster builds an empty Broadcaster. Call Attach(cache) to
// wire it to a Cache's Record calls.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[*wsClient]struct{})}
}

// Attach registers the broadcaster as an Observer on cache so every
// recorded epoch snapshot is pushed to all connected clients.
func (b *Broadcaster) Attach(cache *Cache) {
	cache.Observe(b.broadcast)
}

func (b *Broadcaster) broadcast(snap EpochSnapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		slog.Error("metrics broadcaster: marshal snapshot", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- payload:
		default:
			// Slow client: drop the client rather than block the
			// broadcaster on one stalled connection.
			close(c.send)
			delete(b.clients, c)
		}
	}
}

// ServeWs upgrades r to a websocket connection and registers it as a
// broadcast recipient until it disconnects.
func (b *Broadcaster) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("metrics broadcaster: upgrade failed", "error", err, "remoteAddr", r.RemoteAddr)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 16)}
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	go b.writePump(client)
	go b.readPump(client)
}

func (b *Broadcaster) readPump(c *wsClient) {
	defer b.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broadcaster) remove(c *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	c.conn.Close()
}
