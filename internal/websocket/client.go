package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"crisis-chat/internal/models"
	"crisis-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one live connection. A participant holds a single room; a
// responder may be subscribed to several at once, all multiplexed over
// the same send channel.
type Client struct {
	conn         *websocket.Conn
	send         chan []byte
	supervisor   *Supervisor
	connectionID string
	userID       string
	role         models.SenderRole

	mu    sync.Mutex
	rooms map[string]*Hub
}

func NewClient(conn *websocket.Conn, supervisor *Supervisor, userID string, role models.SenderRole) *Client {
	return &Client{
		conn:         conn,
		send:         make(chan []byte, 256),
		supervisor:   supervisor,
		connectionID: uuid.NewString(),
		userID:       userID,
		role:         role,
		rooms:        make(map[string]*Hub),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.supervisor.Disconnect(c)
		c.conn.Close()
	}()

	// Set read deadline and pong handler for connection health
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error on connection %s: %v", c.connectionID, err)
			}
			break
		}

		var event models.ClientEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.SendEvent(models.Event{Type: models.EventError, Error: "could not read that message, please try again"})
			continue
		}

		c.supervisor.Dispatch(c, event)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error on connection %s: %v", c.connectionID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendEvent delivers one event to this connection only. Best-effort: a
// connection that cannot keep up loses the frame.
func (c *Client) SendEvent(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Error marshaling event: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) joinRoom(roomID string, hub *Hub) {
	c.mu.Lock()
	c.rooms[roomID] = hub
	c.mu.Unlock()
	select {
	case hub.register <- c:
	case <-hub.shutdown:
		// The room closed between lookup and subscribe; nothing is
		// listening on register anymore.
		c.mu.Lock()
		delete(c.rooms, roomID)
		c.mu.Unlock()
	}
}

func (c *Client) leaveRoom(roomID string) {
	c.mu.Lock()
	hub, ok := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if ok {
		select {
		case hub.unregister <- c:
		case <-hub.shutdown:
		}
	}
}

func (c *Client) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Client) roomIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
