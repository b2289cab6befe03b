package services

import (
	"context"
	"sync"
	"testing"

	"crisis-chat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) PublishAlert(ctx context.Context, alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func newTestEscalator() (*Escalator, *Registry, *recordingSink, *recordingBroadcaster) {
	registry := NewRegistry(nil, nil)
	sink := &recordingSink{}
	broadcaster := &recordingBroadcaster{}
	registry.SetBroadcaster(broadcaster)
	escalator := NewEscalator(registry, sink)
	escalator.SetBroadcaster(broadcaster)
	return escalator, registry, sink, broadcaster
}

func activeSession(t *testing.T, r *Registry) *models.Session {
	t.Helper()
	s := r.CreateSession("p", 5, "")
	require.NoError(t, r.AssignResponder(s.RoomID, "resp-1"))
	return s
}

func TestEscalateActiveRoom(t *testing.T) {
	e, r, sink, broadcaster := newTestEscalator()
	s := activeSession(t, r)

	result, err := e.Escalate(s.RoomID, TriggerKeyword, "keyword match: kill myself")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, result.Status)
	assert.Equal(t, 10, result.UrgencyLevel)
	assert.False(t, result.AlreadyEscalated)
	require.NotNil(t, result.Resources)
	assert.Equal(t, "988", result.Resources.CrisisLine)

	// Resource system message landed in the transcript.
	session, err := r.GetSession(s.RoomID)
	require.NoError(t, err)
	require.Len(t, session.Transcript, 1)
	assert.Equal(t, models.RoleSystem, session.Transcript[0].SenderRole)
	assert.Contains(t, session.Transcript[0].Content, "988")
	assert.Contains(t, session.Transcript[0].Content, "911")

	// Out-of-band events and exactly one alert.
	assert.Len(t, broadcaster.byType(models.EventEscalationTriggered), 1)
	assert.Len(t, broadcaster.byType(models.EventCrisisAlert), 1)
	assert.Equal(t, 1, sink.count())
}

func TestEscalateIsIdempotentButResendsResources(t *testing.T) {
	e, r, sink, _ := newTestEscalator()
	s := activeSession(t, r)

	_, err := e.Escalate(s.RoomID, TriggerExplicit, "participant asked for help")
	require.NoError(t, err)

	result, err := e.Escalate(s.RoomID, TriggerExplicit, "participant asked for help")
	require.NoError(t, err)
	assert.True(t, result.AlreadyEscalated)
	assert.Equal(t, models.StatusEscalated, result.Status)
	assert.Equal(t, 10, result.UrgencyLevel)

	// Resource message re-appended, alert not duplicated.
	session, _ := r.GetSession(s.RoomID)
	assert.Len(t, session.Transcript, 2)
	assert.Equal(t, 1, sink.count())
}

func TestEscalateDistinctReasonsAlertSeparately(t *testing.T) {
	e, r, sink, _ := newTestEscalator()
	s := activeSession(t, r)

	_, err := e.Escalate(s.RoomID, TriggerKeyword, "keyword match: overdose")
	require.NoError(t, err)
	_, err = e.Escalate(s.RoomID, TriggerExplicit, "explicit request")
	require.NoError(t, err)

	assert.Equal(t, 2, sink.count())
}

func TestEscalateWaitingRoomKeepsItQueuedButMaxesUrgency(t *testing.T) {
	e, r, _, _ := newTestEscalator()
	s := r.CreateSession("p", 5, "")

	result, err := e.Escalate(s.RoomID, TriggerKeyword, "keyword match: suicide")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, result.Status)
	assert.Equal(t, 10, result.UrgencyLevel)

	session, _ := r.GetSession(s.RoomID)
	require.Len(t, session.Transcript, 1)
	assert.Contains(t, session.Transcript[0].Content, "988")
}

func TestEscalateClosedRoomIsRejected(t *testing.T) {
	e, r, sink, _ := newTestEscalator()
	s := r.CreateSession("p", 5, "")
	require.NoError(t, r.Transition(s.RoomID, models.StatusClosed))

	_, err := e.Escalate(s.RoomID, TriggerExplicit, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Transcript untouched, nothing leaked to the monitor.
	session, _ := r.GetSession(s.RoomID)
	assert.Empty(t, session.Transcript)
	assert.Equal(t, 0, sink.count())
}

func TestEscalateUnknownRoom(t *testing.T) {
	e, _, _, _ := newTestEscalator()

	_, err := e.Escalate("missing", TriggerExplicit, "whatever")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEscalateNeverLowersUrgency(t *testing.T) {
	e, r, _, _ := newTestEscalator()
	s := activeSession(t, r)
	require.NoError(t, r.RaiseUrgency(s.RoomID, 10))

	result, err := e.Escalate(s.RoomID, TriggerKeyword, "keyword match: want to die")
	require.NoError(t, err)
	assert.Equal(t, 10, result.UrgencyLevel)
}
