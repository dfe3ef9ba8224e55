package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gofiber/contrib/websocket"

	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/model"
)

// Client represents a WebSocket subscriber of one job. Send is never
// closed; Done is closed once the hub drops the client.
type Client struct {
	JobID string
	Send  chan []byte

	done chan struct{}
	once sync.Once
}

// NewClient creates a subscriber of jobID with a send buffer of size buffer
func NewClient(jobID string, buffer int) *Client {
	return &Client{JobID: jobID, Send: make(chan []byte, buffer), done: make(chan struct{})}
}

// Done is closed when the hub has removed the client
func (c *Client) Done() <-chan struct{} {
	c.init()
	return c.done
}

func (c *Client) init() {
	c.once.Do(func() {
		if c.done == nil {
			c.done = make(chan struct{})
		}
	})
}

// trySend queues data unless the buffer is full or the client was removed
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.Done():
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu  sync.RWMutex
	log logr.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		log:        log.WithName("websocket"),
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.V(1).Info("client registered", "jobId", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.V(1).Info("client unregistered", "jobId", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow subscriber; drop it rather than stall the hub.
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	client.init()
	close(client.done)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	client.init()
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribers returns the number of clients watching jobID
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Notify implements progress.Notifier
func (h *Hub) Notify(job *model.Job) {
	h.Publish(model.NewJobEvent(job))
}

// Publish converts a job event into the matching client message. It never
// blocks; messages are dropped when the hub is saturated.
func (h *Hub) Publish(ev model.JobEvent) {
	data, err := Encode(ev)
	if err != nil {
		h.log.Error(err, "failed to marshal job message", "jobId", ev.JobID)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: ev.JobID, Message: data}:
	default:
		h.log.Info("broadcast buffer full, dropping job message", "jobId", ev.JobID)
	}
}

// Encode renders a job event as the client message for its status
func Encode(ev model.JobEvent) ([]byte, error) {
	var msg interface{}
	switch ev.Status {
	case model.JobStatusCompleted:
		msg = model.WSCompleteMessage{Type: model.WSMessageTypeComplete, JobID: ev.JobID, Result: ev.Result}
	case model.JobStatusFailed:
		wsErr := model.WSError{Code: "JOB_FAILED", Message: ev.Message, Stage: ev.Stage}
		if ev.Error != nil {
			wsErr = model.WSError{Code: ev.Error.Code, Message: ev.Error.Message, Stage: ev.Error.Stage}
		}
		msg = model.WSErrorMessage{Type: model.WSMessageTypeError, JobID: ev.JobID, Error: wsErr}
	default:
		msgType := model.WSMessageTypeProgress
		if ev.Status == model.JobStatusCancelled {
			msgType = model.WSMessageTypeCancel
		}
		msg = model.WSProgressMessage{
			Type:            msgType,
			JobID:           ev.JobID,
			Progress:        ev.Progress,
			Status:          ev.Status,
			Stage:           ev.Stage,
			Message:         ev.Message,
			CompletedStages: ev.Stages,
		}
	}
	return json.Marshal(msg)
}

// HandleConnection serves one WebSocket connection until it closes. A
// non-nil snapshot is sent once the client is registered.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, snapshot []byte) {
	client := NewClient(jobID, 256)

	h.Register(client)
	defer h.Unregister(client)

	if snapshot != nil {
		client.trySend(snapshot)
	}

	// Writer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-client.Done():
				_ = c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Info("websocket closed unexpectedly", "jobId", jobID, "error", err.Error())
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			client.trySend(data)
		}
	}
}
