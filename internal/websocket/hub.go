package capacityws

import (
	"context"
	"encoding/json"
	"log/slog"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/saeid-a/EnrollBack/internal/models"
)

// Hub fans lesson capacity snapshots out to the sockets watching that lesson.
// All subscription state is owned by the Run goroutine.
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan models.LessonCapacity
	done       chan struct{}
	logger     *slog.Logger
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	lessonID int64
	send     chan []byte
}

type Message struct {
	Type string `json:"type"`
	models.LessonCapacity
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan models.LessonCapacity, 64),
		done:       make(chan struct{}),
		logger:     logger.With("component", "capacity_hub"),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, lessonID int64) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		lessonID: lessonID,
		send:     make(chan []byte, 16),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for lessonID, set := range h.clients {
				for client := range set {
					close(client.send)
				}
				delete(h.clients, lessonID)
			}
			return
		case client := <-h.register:
			set, ok := h.clients[client.lessonID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.lessonID] = set
			}
			set[client] = struct{}{}
		case client := <-h.unregister:
			h.remove(client)
		case snapshot := <-h.broadcast:
			h.deliver(snapshot)
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// PublishCapacity never blocks the caller. When the queue is full the snapshot
// is dropped; the next change sends a fresh one.
func (h *Hub) PublishCapacity(snapshot models.LessonCapacity) {
	select {
	case h.broadcast <- snapshot:
	default:
		h.logger.Warn("capacity broadcast queue full, snapshot dropped", "lesson_id", snapshot.LessonID)
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.lessonID]
	if !ok {
		return
	}
	if _, exists := set[client]; exists {
		delete(set, client)
		close(client.send)
	}
	if len(set) == 0 {
		delete(h.clients, client.lessonID)
	}
}

func (h *Hub) deliver(snapshot models.LessonCapacity) {
	set, ok := h.clients[snapshot.LessonID]
	if !ok {
		return
	}

	payload, err := encodeSnapshot(snapshot)
	if err != nil {
		h.logger.Error("encode capacity snapshot", "error", err)
		return
	}

	for client := range set {
		select {
		case client.send <- payload:
		default:
			// slow reader
			delete(set, client)
			close(client.send)
		}
	}
	if len(set) == 0 {
		delete(h.clients, snapshot.LessonID)
	}
}

func encodeSnapshot(snapshot models.LessonCapacity) ([]byte, error) {
	return json.Marshal(Message{Type: "capacity", LessonCapacity: snapshot})
}

// Push queues an initial snapshot for this client only.
func (c *Client) Push(snapshot models.LessonCapacity) bool {
	payload, err := encodeSnapshot(snapshot)
	if err != nil {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// ReadPump only watches for the peer going away; viewers never send data.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
