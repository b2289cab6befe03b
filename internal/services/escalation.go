package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"crisis-chat/internal/metrics"
	"crisis-chat/internal/models"
	"crisis-chat/pkg/logger"
)

type Trigger string

const (
	TriggerKeyword  Trigger = "keyword"
	TriggerExplicit Trigger = "explicit"
)

// Alert is the out-of-band crisis notification handed to the external
// monitor. The monitor deduplicates on RoomID+Reason; the engine also
// avoids re-emitting the same pair.
type Alert struct {
	RoomID       string    `json:"room_id"`
	Trigger      Trigger   `json:"trigger"`
	Reason       string    `json:"reason"`
	UrgencyLevel int       `json:"urgency_level"`
	Timestamp    time.Time `json:"timestamp"`
}

// AlertSink receives crisis alerts. Implementations must not block; the
// engine fires and forgets.
type AlertSink interface {
	PublishAlert(ctx context.Context, alert Alert)
}

// EscalationResult is returned to the caller so an explicit requester gets
// the resource payload directly, not only via the broadcast transcript.
type EscalationResult struct {
	RoomID           string
	Status           models.SessionStatus
	UrgencyLevel     int
	Resources        *models.EmergencyResources
	AlreadyEscalated bool
}

// DefaultResources is the emergency payload appended on escalation.
var DefaultResources = models.EmergencyResources{
	CrisisLine: "988",
	TextLine:   "Text HOME to 741741",
	Emergency:  "911",
	Note:       "If you are in immediate danger, please call 911 now.",
}

// Escalator reacts to risk signals and explicit escalation requests.
type Escalator struct {
	registry    *Registry
	sink        AlertSink
	broadcaster Broadcaster

	mu      sync.Mutex
	alerted map[string]bool // roomID+reason pairs already sent to the sink
}

func NewEscalator(registry *Registry, sink AlertSink) *Escalator {
	return &Escalator{
		registry: registry,
		sink:     sink,
		alerted:  make(map[string]bool),
	}
}

func (e *Escalator) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// Escalate pins the session at maximum urgency, moves it to Escalated,
// appends the emergency-resource system message and emits the crisis
// alert. Escalating an already-escalated room re-sends the resources (a
// repeat signal may mean the first send was missed) without duplicating
// the alert. A closed room is rejected with ErrInvalidTransition and left
// untouched.
func (e *Escalator) Escalate(roomID string, trigger Trigger, reason string) (*EscalationResult, error) {
	session, err := e.registry.GetSession(roomID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.StatusClosed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, models.StatusEscalated)
	}

	alreadyEscalated := session.Status == models.StatusEscalated

	if err := e.registry.RaiseUrgency(roomID, 10); err != nil {
		return nil, err
	}

	if !alreadyEscalated {
		if err := e.registry.Transition(roomID, models.StatusEscalated); err != nil {
			// A waiting room has no Escalated edge; it keeps full urgency
			// and the resource message but stays queued for a responder.
			logger.Debug("Room %s escalation signal while %s: %v", roomID, session.Status, err)
		}
	}

	resources := DefaultResources
	content := fmt.Sprintf(
		"If you are in crisis, help is available right now. Call or text %s (Suicide & Crisis Lifeline), %s, or call %s in an emergency.",
		resources.CrisisLine, resources.TextLine, resources.Emergency,
	)
	if _, err := e.registry.AppendSystemMessage(roomID, content); err != nil {
		logger.Error("Error appending resource message to room %s: %v", roomID, err)
	}

	updated, err := e.registry.GetSession(roomID)
	if err != nil {
		return nil, err
	}

	if e.broadcaster != nil {
		e.broadcaster.Broadcast(roomID, models.Event{
			Type:         models.EventEscalationTriggered,
			RoomID:       roomID,
			Status:       updated.Status,
			UrgencyLevel: updated.UrgencyLevel,
			Reason:       reason,
			Timestamp:    time.Now().Format(time.RFC3339),
		})
		e.broadcaster.Broadcast(roomID, models.Event{
			Type:      models.EventCrisisAlert,
			RoomID:    roomID,
			Reason:    reason,
			Resources: &resources,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}

	e.publishAlert(roomID, trigger, reason, updated.UrgencyLevel)
	metrics.EscalationsTotal.WithLabelValues(string(trigger)).Inc()

	return &EscalationResult{
		RoomID:           roomID,
		Status:           updated.Status,
		UrgencyLevel:     updated.UrgencyLevel,
		Resources:        &resources,
		AlreadyEscalated: alreadyEscalated,
	}, nil
}

func (e *Escalator) publishAlert(roomID string, trigger Trigger, reason string, urgency int) {
	key := roomID + "|" + strings.ToLower(reason)

	e.mu.Lock()
	if e.alerted[key] {
		e.mu.Unlock()
		return
	}
	e.alerted[key] = true
	e.mu.Unlock()

	if e.sink == nil {
		return
	}
	e.sink.PublishAlert(context.Background(), Alert{
		RoomID:       roomID,
		Trigger:      trigger,
		Reason:       reason,
		UrgencyLevel: urgency,
		Timestamp:    time.Now(),
	})
}
