package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"crisis-chat/internal/models"
	"crisis-chat/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(waitThreshold time.Duration) (*Supervisor, *services.Registry, *services.Matcher, *services.Presence) {
	registry := services.NewRegistry(nil, nil)
	presence := services.NewPresence(2)
	matcher := services.NewMatcher(registry, presence, waitThreshold, time.Hour)
	escalator := services.NewEscalator(registry, nil)
	hubs := NewManager()
	supervisor := NewSupervisor(registry, presence, matcher, escalator, hubs, 5)
	return supervisor, registry, matcher, presence
}

// Test clients never run pumps; events land in the send channel and are
// decoded from there.
func newParticipant(s *Supervisor, userID string) *Client {
	return NewClient(nil, s, userID, models.RoleParticipant)
}

func connectResponder(s *Supervisor, userID string) *Client {
	c := NewClient(nil, s, userID, models.RoleResponder)
	s.mu.Lock()
	s.responderConns[userID] = c
	s.mu.Unlock()
	s.presence.Connect(userID, c.connectionID, nil)
	return c
}

func waitForEvent(t *testing.T, c *Client, eventType models.EventType) models.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.send:
			var ev models.Event
			require.NoError(t, json.Unmarshal(data, &ev))
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func createRoom(t *testing.T, s *Supervisor, p *Client) string {
	t.Helper()
	s.Dispatch(p, models.ClientEvent{Type: models.EventRequestVolunteer, UrgencyLevel: 6})
	ev := waitForEvent(t, p, models.EventRoomCreated)
	require.NotEmpty(t, ev.RoomID)
	return ev.RoomID
}

func TestRequestVolunteerCreatesWaitingRoom(t *testing.T) {
	s, registry, matcher, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")

	roomID := createRoom(t, s, p)

	session, err := registry.GetSession(roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, session.Status)
	assert.Equal(t, 6, session.UrgencyLevel)
	assert.Equal(t, []string{roomID}, matcher.QueuedRooms())
}

func TestKeywordEscalationWithinSendStep(t *testing.T) {
	s, registry, _, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)

	r := connectResponder(s, "r1")
	s.matcher.MatchAll()
	waitForEvent(t, r, models.EventRoomJoined)

	s.Dispatch(p, models.ClientEvent{
		Type:    models.EventSendMessage,
		RoomID:  roomID,
		Content: "I want to kill myself",
	})

	// Dispatch is synchronous through scan and escalation.
	session, err := registry.GetSession(roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, session.Status)
	assert.Equal(t, 10, session.UrgencyLevel)

	require.Len(t, session.Transcript, 2)
	assert.Equal(t, models.RoleParticipant, session.Transcript[0].SenderRole)
	assert.Equal(t, models.RoleSystem, session.Transcript[1].SenderRole)
	assert.Contains(t, session.Transcript[1].Content, "988")

	waitForEvent(t, p, models.EventEscalationTriggered)
	waitForEvent(t, p, models.EventCrisisAlert)
}

func TestNoResponderNoticeForAllWaitingRooms(t *testing.T) {
	s, registry, matcher, _ := newTestSupervisor(40 * time.Millisecond)
	p1 := newParticipant(s, "p1")
	p2 := newParticipant(s, "p2")

	room1 := createRoom(t, s, p1)
	room2 := createRoom(t, s, p2)

	assert.Eventually(t, func() bool {
		s1, _ := registry.GetSession(room1)
		s2, _ := registry.GetSession(room2)
		return len(s1.Transcript) == 1 && len(s2.Transcript) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Exactly one notice each, queue order unchanged, both still waiting.
	time.Sleep(100 * time.Millisecond)
	s1, _ := registry.GetSession(room1)
	require.Len(t, s1.Transcript, 1)
	assert.Equal(t, models.StatusWaiting, s1.Status)
	assert.Equal(t, []string{room1, room2}, matcher.QueuedRooms())
}

func TestResponderDisconnectRequeuesRoom(t *testing.T) {
	s, registry, matcher, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)

	r := connectResponder(s, "r1")
	s.matcher.MatchAll()
	waitForEvent(t, r, models.EventRoomJoined)

	s.Disconnect(r)

	session, err := registry.GetSession(roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, session.Status)
	assert.Empty(t, session.ResponderID)
	assert.Equal(t, []string{roomID}, matcher.QueuedRooms())

	// The disconnect notice landed before any re-match attempt.
	require.NotEmpty(t, session.Transcript)
	last := session.Transcript[len(session.Transcript)-1]
	assert.Equal(t, models.RoleSystem, last.SenderRole)
	assert.Contains(t, last.Content, "disconnected")
}

func TestStaleDisconnectKeepsReconnectedResponder(t *testing.T) {
	s, registry, matcher, presence := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)

	stale := connectResponder(s, "r1")
	s.matcher.MatchAll()
	waitForEvent(t, stale, models.EventRoomJoined)

	// The responder reconnects before the old connection's read pump
	// notices it is gone; the late teardown must not touch the session.
	connectResponder(s, "r1")
	s.Disconnect(stale)

	session, err := registry.GetSession(roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, session.Status)
	assert.Equal(t, "r1", session.ResponderID)
	assert.Empty(t, matcher.QueuedRooms())
	assert.Empty(t, session.Transcript, "no disconnect notice for a live responder")
	assert.NotEqual(t, models.ResponderOffline, presence.Get("r1").Status)
}

func TestEscalateClosedRoomRejected(t *testing.T) {
	s, registry, _, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)

	s.Dispatch(p, models.ClientEvent{Type: models.EventLeaveRoom, RoomID: roomID})
	session, err := registry.GetSession(roomID)
	require.NoError(t, err)
	require.Equal(t, models.StatusClosed, session.Status)
	transcriptLen := len(session.Transcript)

	s.Dispatch(p, models.ClientEvent{Type: models.EventEscalate, RoomID: roomID, Reason: "please"})
	waitForEvent(t, p, models.EventError)

	session, _ = registry.GetSession(roomID)
	assert.Equal(t, models.StatusClosed, session.Status)
	assert.Len(t, session.Transcript, transcriptLen)
}

func TestExplicitEscalationReturnsResourcesDirectly(t *testing.T) {
	s, _, _, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)

	s.Dispatch(p, models.ClientEvent{Type: models.EventEscalate, RoomID: roomID, Reason: "I need help now"})

	ev := waitForEvent(t, p, models.EventEmergencyResources)
	require.NotNil(t, ev.Resources)
	assert.Equal(t, "988", ev.Resources.CrisisLine)
	assert.Equal(t, 10, ev.UrgencyLevel)
}

func TestParticipantDisconnectClosesRoom(t *testing.T) {
	s, registry, matcher, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)

	s.Disconnect(p)

	session, err := registry.GetSession(roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, session.Status)
	assert.Empty(t, matcher.QueuedRooms())

	// No messages accepted after close.
	err = registry.AppendMessage(roomID, &models.Message{Content: "anyone there?"})
	assert.ErrorIs(t, err, services.ErrRoomClosed)
}

func TestMessagesDeliveredInAppendOrder(t *testing.T) {
	s, _, _, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)

	contents := []string{"one", "two", "three"}
	for _, content := range contents {
		s.Dispatch(p, models.ClientEvent{Type: models.EventSendMessage, RoomID: roomID, Content: content})
	}

	var got []string
	for len(got) < len(contents) {
		ev := waitForEvent(t, p, models.EventMessage)
		got = append(got, ev.Message.Content)
	}
	assert.Equal(t, contents, got)
}

func TestSendMessageOutsideRoomRejected(t *testing.T) {
	s, _, _, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")

	s.Dispatch(p, models.ClientEvent{Type: models.EventSendMessage, RoomID: "not-mine", Content: "hi"})
	ev := waitForEvent(t, p, models.EventError)
	assert.NotEmpty(t, ev.Error)
}

func TestResponderClaimsSpecificRoom(t *testing.T) {
	s, registry, _, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)
	r := connectResponder(s, "r1")

	s.Dispatch(r, models.ClientEvent{Type: models.EventJoinRoom, RoomID: roomID})
	waitForEvent(t, r, models.EventRoomJoined)

	session, err := registry.GetSession(roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, session.Status)
	assert.Equal(t, "r1", session.ResponderID)

	// Participant is told a volunteer joined.
	waitForEvent(t, p, models.EventVolunteerJoined)

	// A second responder cannot claim the same room.
	r2 := connectResponder(s, "r2")
	s.Dispatch(r2, models.ClientEvent{Type: models.EventJoinRoom, RoomID: roomID})
	ev := waitForEvent(t, r2, models.EventError)
	assert.NotEmpty(t, ev.Error)
}

func TestTypingIndicatorIsEphemeral(t *testing.T) {
	s, registry, _, _ := newTestSupervisor(time.Hour)
	p := newParticipant(s, "p1")
	roomID := createRoom(t, s, p)

	s.Dispatch(p, models.ClientEvent{Type: models.EventTypingIndicator, RoomID: roomID, IsTyping: true})

	ev := waitForEvent(t, p, models.EventTyping)
	assert.True(t, ev.IsTyping)
	assert.Equal(t, "p1", ev.SenderID)

	session, _ := registry.GetSession(roomID)
	assert.Empty(t, session.Transcript)
}

func TestNewSessionAvailableNotifiesIdleResponders(t *testing.T) {
	s, _, _, _ := newTestSupervisor(time.Hour)
	r := connectResponder(s, "r1")
	p := newParticipant(s, "p1")

	roomID := createRoom(t, s, p)

	ev := waitForEvent(t, r, models.EventNewSessionAvailable)
	assert.Equal(t, roomID, ev.RoomID)
}
