package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/filipc77/cowrite/internal/comments"
)

const (
	writeWait       = 10 * time.Second
	clientSendQueue = 16
	broadcastQueue  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from the same local process.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type    string            `json:"type"`
	File    string            `json:"file,omitempty"`
	Comment *comments.Comment `json:"comment,omitempty"`
}

// Hub pushes store events to connected UI clients.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[*client]bool

	done     chan struct{}
	stopOnce sync.Once
	unsubs   []func()
}

// NewHub creates a hub subscribed to the store's events. Call Run in a
// goroutine and Stop on shutdown.
func NewHub(events *comments.Events) *Hub {
	h := &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, broadcastQueue),
		clients:    make(map[*client]bool),
		done:       make(chan struct{}),
	}
	h.unsubs = append(h.unsubs,
		events.OnChange(func(file string) {
			h.send(wsMessage{Type: "change", File: file})
		}),
		events.OnNewComment(func(c *comments.Comment) {
			h.send(wsMessage{Type: "new_comment", File: c.File, Comment: c})
		}),
		events.OnReopened(func(c *comments.Comment) {
			h.send(wsMessage{Type: "comment_reopened", File: c.File, Comment: c})
		}),
	)
	return h
}

// send queues a message for broadcast. It is called from store event
// callbacks and must never block.
func (h *Hub) send(m wsMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// Run owns the client set until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Stop unsubscribes from the store and disconnects all clients.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		for _, unsub := range h.unsubs {
			unsub()
		}
		close(h.done)
	})
}

// ServeWS upgrades an HTTP request to a websocket client connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientSendQueue)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump discards inbound messages, the UI talks to the server over the
// REST API. It exists to detect the peer closing the connection.
func (c *client) readPump() {
	defer func() {
		c.drop()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *client) drop() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}
