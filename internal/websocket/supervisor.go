package websocket

import (
	"errors"
	"strings"
	"sync"
	"time"

	"crisis-chat/internal/metrics"
	"crisis-chat/internal/models"
	"crisis-chat/internal/risk"
	"crisis-chat/internal/services"
	"crisis-chat/pkg/logger"

	"github.com/gorilla/websocket"
)

// Supervisor is the single entry point for every live connection. It owns
// the connection lifecycle (join, send, disconnect) and dispatches each
// inbound event to the component that owns it: registry, matcher,
// escalator, hub manager.
type Supervisor struct {
	registry  *services.Registry
	presence  *services.Presence
	matcher   *services.Matcher
	escalator *services.Escalator
	hubs      *Manager

	defaultUrgency int

	mu             sync.Mutex
	responderConns map[string]*Client
}

func NewSupervisor(registry *services.Registry, presence *services.Presence, matcher *services.Matcher, escalator *services.Escalator, hubs *Manager, defaultUrgency int) *Supervisor {
	s := &Supervisor{
		registry:       registry,
		presence:       presence,
		matcher:        matcher,
		escalator:      escalator,
		hubs:           hubs,
		defaultUrgency: defaultUrgency,
		responderConns: make(map[string]*Client),
	}
	registry.SetBroadcaster(hubs)
	escalator.SetBroadcaster(hubs)
	matcher.SetListener(s)
	return s
}

// Connect attaches a verified identity to a new connection and starts its
// pumps. A responder connection is an availability event, so matching is
// retried immediately.
func (s *Supervisor) Connect(conn *websocket.Conn, userID string, role models.SenderRole, specialties []string) *Client {
	client := NewClient(conn, s, userID, role)

	if role == models.RoleResponder {
		s.mu.Lock()
		s.responderConns[userID] = client
		s.mu.Unlock()

		s.presence.Connect(userID, client.connectionID, specialties)
		logger.Info("Responder %s connected (%s)", userID, client.connectionID)
	} else {
		logger.Info("Participant %s connected (%s)", userID, client.connectionID)
	}

	go client.WritePump()
	go client.ReadPump()

	if role == models.RoleResponder {
		go s.matcher.MatchAll()
	}
	return client
}

// Dispatch routes one inbound event. Every failure surfaces as either a
// clean no-op or a friendly error event, never a dropped connection.
func (s *Supervisor) Dispatch(c *Client, ev models.ClientEvent) {
	switch ev.Type {
	case models.EventJoinRoom:
		s.handleJoinRoom(c, ev)
	case models.EventSendMessage:
		s.handleSendMessage(c, ev)
	case models.EventTypingIndicator:
		s.handleTyping(c, ev)
	case models.EventRequestVolunteer:
		s.handleRequestVolunteer(c, ev)
	case models.EventEscalate:
		s.handleEscalate(c, ev)
	case models.EventLeaveRoom:
		s.handleLeaveRoom(c, ev)
	default:
		c.SendEvent(models.Event{Type: models.EventError, Error: "unknown event type"})
	}
}

func (s *Supervisor) handleJoinRoom(c *Client, ev models.ClientEvent) {
	if c.role == models.RoleResponder {
		s.handleResponderJoin(c, ev.RoomID)
		return
	}

	session := s.registry.GetOrCreateSession(ev.RoomID, c.userID, s.defaultUrgency)
	c.joinRoom(session.RoomID, s.hubs.GetHub(session.RoomID))

	c.SendEvent(models.Event{
		Type:         models.EventRoomJoined,
		RoomID:       session.RoomID,
		Status:       session.Status,
		UrgencyLevel: session.UrgencyLevel,
		Timestamp:    time.Now().Format(time.RFC3339),
	})

	if session.Status == models.StatusWaiting {
		s.matcher.Enqueue(session.RoomID)
		s.notifySessionAvailable(session)
		go s.matcher.MatchAll()
	}
}

func (s *Supervisor) handleResponderJoin(c *Client, roomID string) {
	if roomID == "" {
		// Bare join is an availability signal.
		go s.matcher.MatchAll()
		return
	}

	if s.matcher.Claim(roomID, c.userID) {
		s.completeMatch(roomID, c)
		return
	}
	c.SendEvent(models.Event{
		Type:   models.EventError,
		RoomID: roomID,
		Error:  "that conversation is no longer waiting for a counselor",
	})
}

func (s *Supervisor) handleSendMessage(c *Client, ev models.ClientEvent) {
	if !c.inRoom(ev.RoomID) {
		c.SendEvent(models.Event{Type: models.EventError, RoomID: ev.RoomID, Error: "you are not in this conversation"})
		return
	}

	// The plaintext is scanned before the message fans out; the
	// escalation itself still lands after the message in the transcript.
	result := risk.Scan(ev.Content)

	msg := &models.Message{
		SenderID:   c.userID,
		SenderRole: c.role,
		Content:    ev.Content,
		Metadata:   ev.Metadata,
	}
	if err := s.registry.AppendMessage(ev.RoomID, msg); err != nil {
		if errors.Is(err, services.ErrRoomClosed) {
			c.SendEvent(models.Event{Type: models.EventError, RoomID: ev.RoomID, Error: "this conversation has ended"})
		} else {
			logger.Error("Error appending message to room %s: %v", ev.RoomID, err)
			c.SendEvent(models.Event{Type: models.EventError, RoomID: ev.RoomID, Error: "message could not be delivered, please try again"})
		}
		return
	}

	if result.Triggered {
		metrics.RiskHits.Inc()
		reason := "keyword match: " + strings.Join(result.MatchedTerms, ", ")
		if _, err := s.escalator.Escalate(ev.RoomID, services.TriggerKeyword, reason); err != nil {
			logger.Error("Error escalating room %s: %v", ev.RoomID, err)
		}
	}
}

func (s *Supervisor) handleTyping(c *Client, ev models.ClientEvent) {
	if !c.inRoom(ev.RoomID) {
		return
	}
	// Ephemeral: broadcast only, never persisted.
	s.hubs.Broadcast(ev.RoomID, models.Event{
		Type:      models.EventTyping,
		RoomID:    ev.RoomID,
		SenderID:  c.userID,
		Role:      string(c.role),
		IsTyping:  ev.IsTyping,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Supervisor) handleRequestVolunteer(c *Client, ev models.ClientEvent) {
	if c.role != models.RoleParticipant {
		c.SendEvent(models.Event{Type: models.EventError, Error: "only participants can request a volunteer"})
		return
	}

	session := s.registry.CreateSession(c.userID, ev.UrgencyLevel, ev.Category)
	c.joinRoom(session.RoomID, s.hubs.GetHub(session.RoomID))

	c.SendEvent(models.Event{
		Type:         models.EventRoomCreated,
		RoomID:       session.RoomID,
		Status:       session.Status,
		UrgencyLevel: session.UrgencyLevel,
		Timestamp:    time.Now().Format(time.RFC3339),
	})

	s.matcher.Enqueue(session.RoomID)
	s.notifySessionAvailable(session)
	go s.matcher.MatchAll()
}

func (s *Supervisor) handleEscalate(c *Client, ev models.ClientEvent) {
	reason := ev.Reason
	if reason == "" {
		reason = "explicit request"
	}

	result, err := s.escalator.Escalate(ev.RoomID, services.TriggerExplicit, reason)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTransition) || errors.Is(err, services.ErrNotFound) {
			c.SendEvent(models.Event{Type: models.EventError, RoomID: ev.RoomID, Error: "this conversation can no longer be escalated"})
		} else {
			logger.Error("Error escalating room %s: %v", ev.RoomID, err)
			c.SendEvent(models.Event{Type: models.EventError, RoomID: ev.RoomID, Error: "escalation failed, please call 988 or 911 directly"})
		}
		return
	}

	// The requester gets the resources directly; broadcast delivery may
	// lag and they need the numbers now.
	c.SendEvent(models.Event{
		Type:         models.EventEmergencyResources,
		RoomID:       ev.RoomID,
		UrgencyLevel: result.UrgencyLevel,
		Resources:    result.Resources,
		Timestamp:    time.Now().Format(time.RFC3339),
	})
}

func (s *Supervisor) handleLeaveRoom(c *Client, ev models.ClientEvent) {
	if c.role == models.RoleResponder {
		s.releaseResponderRoom(c, ev.RoomID)
		return
	}
	s.closeRoom(ev.RoomID)
	c.leaveRoom(ev.RoomID)
}

// Disconnect runs the failover paths: a responder's active rooms go back
// to the queue, a participant's room closes for good.
func (s *Supervisor) Disconnect(c *Client) {
	rooms := c.roomIDs()
	for _, roomID := range rooms {
		c.leaveRoom(roomID)
	}

	if c.role == models.RoleResponder {
		s.mu.Lock()
		if s.responderConns[c.userID] == c {
			delete(s.responderConns, c.userID)
		}
		s.mu.Unlock()

		// The connection ID keeps a stale teardown from tearing down a
		// responder who already reconnected.
		activeRooms := s.presence.Disconnect(c.userID, c.connectionID)
		for _, roomID := range activeRooms {
			s.requeueAbandonedRoom(roomID,
				"Your counselor was disconnected. You are back in the queue and the next available counselor will join shortly.")
		}
		if len(activeRooms) > 0 {
			go s.matcher.MatchAll()
		}
		logger.Info("Responder %s disconnected, %d rooms re-queued", c.userID, len(activeRooms))
		return
	}

	for _, roomID := range rooms {
		s.closeRoom(roomID)
	}
	logger.Info("Participant %s disconnected", c.userID)
}

// requeueAbandonedRoom tells the room its responder is gone, returns it to
// the waiting state and puts it at the back of the queue. The system
// message lands before any re-match attempt.
func (s *Supervisor) requeueAbandonedRoom(roomID, notice string) {
	if _, err := s.registry.AppendSystemMessage(roomID, notice); err != nil {
		logger.Error("Error notifying room %s of disconnect: %v", roomID, err)
	}

	if err := s.registry.ClearResponder(roomID); err != nil {
		logger.Error("Error returning room %s to queue: %v", roomID, err)
		return
	}
	s.matcher.Enqueue(roomID)
}

// releaseResponderRoom handles a responder leaving one room voluntarily;
// the room goes back to the queue rather than closing.
func (s *Supervisor) releaseResponderRoom(c *Client, roomID string) {
	if !c.inRoom(roomID) {
		return
	}
	c.leaveRoom(roomID)
	s.presence.Release(c.userID, roomID)
	s.requeueAbandonedRoom(roomID,
		"Your counselor had to step away. You are back in the queue and the next available counselor will join shortly.")
	go s.matcher.MatchAll()
}

// closeRoom is the terminal path: no transition leaves Closed and no
// message is accepted afterwards.
func (s *Supervisor) closeRoom(roomID string) {
	session, err := s.registry.GetSession(roomID)
	if err != nil {
		return
	}
	if session.Status == models.StatusClosed {
		return
	}

	if err := s.registry.Transition(roomID, models.StatusClosed); err != nil {
		logger.Error("Error closing room %s: %v", roomID, err)
		return
	}

	s.matcher.Remove(roomID)

	if session.ResponderID != "" {
		s.presence.Release(session.ResponderID, roomID)
		s.mu.Lock()
		responderClient := s.responderConns[session.ResponderID]
		s.mu.Unlock()
		if responderClient != nil {
			responderClient.leaveRoom(roomID)
		}
		// Freed capacity is an availability event.
		go s.matcher.MatchAll()
	}

	s.hubs.Broadcast(roomID, models.Event{
		Type:      models.EventRoomClosed,
		RoomID:    roomID,
		Status:    models.StatusClosed,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	s.hubs.CloseRoom(roomID)
}

// RoomMatched implements services.MatchListener.
func (s *Supervisor) RoomMatched(roomID, responderID string) {
	s.mu.Lock()
	client := s.responderConns[responderID]
	s.mu.Unlock()
	if client == nil {
		// Responder vanished between assignment and notification; their
		// disconnect path will hand the room back.
		logger.Error("Matched responder %s has no live connection for room %s", responderID, roomID)
		return
	}
	s.completeMatch(roomID, client)
}

// completeMatch subscribes the responder and tells both parties. The
// responder is subscribed before the announcement so they see it too.
func (s *Supervisor) completeMatch(roomID string, responderClient *Client) {
	responderClient.joinRoom(roomID, s.hubs.GetHub(roomID))

	session, err := s.registry.GetSession(roomID)
	if err != nil {
		return
	}

	responderClient.SendEvent(models.Event{
		Type:         models.EventRoomJoined,
		RoomID:       roomID,
		Status:       session.Status,
		UrgencyLevel: session.UrgencyLevel,
		Timestamp:    time.Now().Format(time.RFC3339),
	})

	s.hubs.Broadcast(roomID, models.Event{
		Type:      models.EventVolunteerJoined,
		RoomID:    roomID,
		SenderID:  responderClient.userID,
		Role:      string(models.RoleResponder),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// notifySessionAvailable pings every responder who could take the room.
func (s *Supervisor) notifySessionAvailable(session *models.Session) {
	available := s.presence.OnlineAvailable()
	if len(available) == 0 {
		return
	}

	ev := models.Event{
		Type:         models.EventNewSessionAvailable,
		RoomID:       session.RoomID,
		UrgencyLevel: session.UrgencyLevel,
		Timestamp:    time.Now().Format(time.RFC3339),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range available {
		if client, ok := s.responderConns[id]; ok {
			client.SendEvent(ev)
		}
	}
}

// Stats is a small snapshot for the health endpoint.
func (s *Supervisor) Stats() map[string]interface{} {
	queued := s.matcher.QueuedRooms()
	return map[string]interface{}{
		"waiting_rooms":        len(queued),
		"responders_available": len(s.presence.OnlineAvailable()),
	}
}

var _ services.MatchListener = (*Supervisor)(nil)
