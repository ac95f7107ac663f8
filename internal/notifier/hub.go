package notifier

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"shelfplay/internal/models"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

// Event is the wire envelope pushed to connected clients.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

type client struct {
	userID string
	admin  bool
	conn   *websocket.Conn
	send   chan Event
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans session and progress events out to connected websocket clients.
// Delivery is fire and forget: a slow client's events are dropped, and a
// client that cannot keep up at all is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// PublishToUser pushes an event to every connection the user has open.
func (h *Hub) PublishToUser(userID, event string, payload any) {
	h.broadcast(Event{Name: event, Payload: payload}, func(c *client) bool {
		return c.userID == userID
	})
}

// PublishToAdmins pushes an event to every connected admin.
func (h *Hub) PublishToAdmins(event string, payload any) {
	h.broadcast(Event{Name: event, Payload: payload}, func(c *client) bool {
		return c.admin
	})
}

func (h *Hub) broadcast(ev Event, match func(*client) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			// No delivery guarantee; drop rather than block a publisher.
		}
	}
}

// ClientCount reports how many websocket clients are attached.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeClient upgrades the request and attaches the authenticated user's
// connection to the hub until the client goes away.
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request, user *models.User) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("notifier: upgrading connection for %s: %v", user.Username, err)
		return
	}

	c := &client{
		userID: user.ID,
		admin:  user.IsAdmin,
		conn:   conn,
		send:   make(chan Event, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.detach(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(c)
				return
			}
		}
	}
}

// readLoop drains inbound frames so pongs and close frames are processed;
// clients have nothing to say to the hub.
func (h *Hub) readLoop(c *client) {
	defer h.detach(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, attached := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if attached {
		c.close()
	}
}
