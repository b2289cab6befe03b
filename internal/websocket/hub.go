package websocket

import (
	"encoding/json"
	"sync"

	"crisis-chat/internal/metrics"
	"crisis-chat/internal/models"
	"crisis-chat/pkg/logger"
)

// Hub fans events out to every connection subscribed to one room. A single
// Run goroutine per room means subscribers observe events in exactly the
// order they were enqueued; the registry enqueues message events under the
// session lock, so broadcast order equals transcript order.
type Hub struct {
	roomID     string
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
}

func NewHub(roomID string) *Hub {
	return &Hub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			// Drain anything already enqueued (e.g. the room_closed
			// event) before going away. Connections outlive the room;
			// their send channels belong to the clients, not to this hub.
			for {
				select {
				case message := <-h.broadcast:
					h.broadcastToAll(message)
				default:
					return
				}
			}

		case client := <-h.register:
			h.clients[client] = true
			logger.Debug("Connection %s subscribed to room %s", client.connectionID, h.roomID)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				logger.Debug("Connection %s unsubscribed from room %s", client.connectionID, h.roomID)
			}

		case message := <-h.broadcast:
			h.broadcastToAll(message)
		}
	}
}

// broadcastToAll delivers to every subscriber. A subscriber that cannot
// keep up loses this one frame; the broadcast still reaches everyone else.
func (h *Hub) broadcastToAll(message []byte) {
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			metrics.BroadcastDrops.Inc()
		}
	}
}

func (h *Hub) Shutdown() {
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
}

// Manager keeps one hub per live room and implements the Broadcaster used
// by the registry and escalator.
type Manager struct {
	mutex sync.Mutex
	hubs  map[string]*Hub
}

func NewManager() *Manager {
	return &Manager{
		hubs: make(map[string]*Hub),
	}
}

func (m *Manager) GetHub(roomID string) *Hub {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	hub, exists := m.hubs[roomID]
	if !exists {
		hub = NewHub(roomID)
		m.hubs[roomID] = hub
		go hub.Run()
	}
	return hub
}

// Broadcast implements services.Broadcaster.
func (m *Manager) Broadcast(roomID string, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Error marshaling event for room %s: %v", roomID, err)
		return
	}
	hub := m.GetHub(roomID)
	select {
	case hub.broadcast <- data:
	case <-hub.shutdown:
		// A hub torn down mid-call may never drain its buffer again; the
		// frame is lost like any other delivery failure.
		metrics.BroadcastDrops.Inc()
	}
}

// CloseRoom tears the hub down once the room is closed. The shutdown
// signal goes through the same run loop as broadcasts, so any room_closed
// event already enqueued is delivered first.
func (m *Manager) CloseRoom(roomID string) {
	m.mutex.Lock()
	hub, exists := m.hubs[roomID]
	if exists {
		delete(m.hubs, roomID)
	}
	m.mutex.Unlock()

	if exists {
		hub.Shutdown()
	}
}
