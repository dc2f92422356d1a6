package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans lifecycle and status messages out to connected
// WebSocket clients. The latest lifecycle and status messages are
// retained so a new client immediately sees where the server stands.
type Broadcaster struct {
	logger *log.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	retainMu      sync.Mutex
	lastLifecycle []byte
	lastStatus    []byte
}

func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// AddClient registers conn and replays the retained lifecycle and
// status messages to it. The replay happens before registration, so
// no broadcast can race the replay sends.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.retainMu.Lock()
	replay := [][]byte{b.lastLifecycle, b.lastStatus}
	b.retainMu.Unlock()

	for _, data := range replay {
		if data == nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client too slow for even the replay, drop it
		}
	}

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// PublishLifecycle broadcasts a lifecycle transition and retains it
// for late joiners.
func (b *Broadcaster) PublishLifecycle(p LifecyclePayload) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	b.broadcast(WSMessage{Type: MsgLifecycle, Payload: p}, &b.lastLifecycle)
}

// PublishStatus broadcasts a status poll result and retains it for
// late joiners.
func (b *Broadcaster) PublishStatus(p StatusPayload) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	b.broadcast(WSMessage{Type: MsgStatus, Payload: p}, &b.lastStatus)
}

// PublishError broadcasts an error message. Errors are not retained.
func (b *Broadcaster) PublishError(msg string) {
	b.broadcast(WSMessage{Type: MsgError, Payload: ErrorPayload{
		Message:   msg,
		Timestamp: time.Now(),
	}}, nil)
}

func (b *Broadcaster) broadcast(msg WSMessage, retain *[]byte) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Printf("[ws] broadcast marshal error: %v", err)
		return
	}

	if retain != nil {
		b.retainMu.Lock()
		*retain = data
		b.retainMu.Unlock()
	}

	// Sends happen under the read lock: RemoveClient closes c.send
	// under the write lock, so a send can never hit a closed channel.
	b.mu.RLock()
	var slow []*client
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		b.logger.Printf("[ws] client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
