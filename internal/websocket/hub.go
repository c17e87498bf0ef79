package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vidstash/backend/internal/download"
	"github.com/vidstash/backend/internal/logger"
	"github.com/vidstash/backend/internal/metrics"
)

const broadcastBuffer = 256

// Hub maintains the set of active clients and broadcasts job events to them.
// A job event reaches the owner's connections and every admin connection.
type Hub struct {
	// Registered clients by user ID
	clients map[string]map[*Client]bool
	admins  map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *envelope
	done       chan struct{}

	metrics *metrics.Metrics
	log     *logger.Logger
	mu      sync.RWMutex
}

type envelope struct {
	userID  string
	payload []byte
}

// NewHub creates a new Hub instance.
func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		admins:     make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *envelope, broadcastBuffer),
		done:       make(chan struct{}),
		metrics:    m,
		log:        logger.Default().WithComponent("websocket"),
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing every
// client's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.clients {
				for client := range clients {
					h.drop(client)
				}
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]bool)
			}
			h.clients[client.userID][client] = true
			if client.isAdmin {
				h.admins[client] = true
			}
			h.mu.Unlock()
			h.metrics.IncWSConnections()

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.userID] {
				h.send(client, msg.payload)
			}
			for client := range h.admins {
				if client.userID != msg.userID {
					h.send(client, msg.payload)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds client to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// send must be called with mu held.
func (h *Hub) send(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		// slow reader
		h.drop(client)
	}
}

// drop must be called with mu held. Dropping an unknown client is a no-op.
func (h *Hub) drop(client *Client) {
	clients, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	delete(h.admins, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.userID)
	}
	h.metrics.DecWSConnections()
}

// Publish implements download.Notifier. It never blocks: when the hub is
// backed up the event is dropped, and clients resync with the next one.
func (h *Hub) Publish(ctx context.Context, event download.Event) {
	if event.Job == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error(ctx, "failed to encode job event", err)
		return
	}

	select {
	case h.broadcast <- &envelope{userID: event.Job.UserID, payload: payload}:
	default:
		h.log.Warn(ctx, "dropping job event, hub is backed up", map[string]interface{}{
			"job_id": event.Job.ID,
			"type":   string(event.Type),
		})
	}
}

// ClientCount returns the number of connected clients for a user.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
