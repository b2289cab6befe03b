package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crisis-chat/internal/database"
	"crisis-chat/internal/metrics"
	"crisis-chat/internal/models"
	"crisis-chat/internal/sealing"
	"crisis-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrRoomClosed        = errors.New("room is closed")
)

// Broadcaster fans an event out to every connection subscribed to a room.
// Implemented by the websocket hub manager; a nil broadcaster is legal and
// makes the registry silent (used in tests).
type Broadcaster interface {
	Broadcast(roomID string, ev models.Event)
}

// Valid transitions. Waiting<->Active edges additionally require the
// responder to be set/cleared, which AssignResponder and ClearResponder
// do under the same lock as the status change.
var validTransitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusWaiting:   {models.StatusActive, models.StatusClosed},
	models.StatusActive:    {models.StatusWaiting, models.StatusEscalated, models.StatusClosed},
	models.StatusEscalated: {models.StatusClosed},
	models.StatusClosed:    {},
}

func transitionAllowed(from, to models.SessionStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type sessionEntry struct {
	mu      sync.Mutex
	session *models.Session
}

// Registry owns the canonical state of every live session. Each session is
// synchronized independently so unrelated rooms never contend. Postgres
// writes are fire-and-forget; the in-memory state stays authoritative for
// live routing.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry

	db          database.Database
	sealer      *sealing.Box
	broadcaster Broadcaster
}

func NewRegistry(db database.Database, sealer *sealing.Box) *Registry {
	return &Registry{
		entries: make(map[string]*sessionEntry),
		db:      db,
		sealer:  sealer,
	}
}

// SetBroadcaster wires the hub manager in after construction; the hub and
// the registry reference each other, so one side has to be attached late.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// CreateSession creates a new waiting session. A missing participant ID
// means an anonymous participant; one is generated.
func (r *Registry) CreateSession(participantID string, urgency int, category string) *models.Session {
	if participantID == "" {
		participantID = uuid.NewString()
	}
	if urgency < 1 || urgency > 10 {
		urgency = 5
	}

	session := &models.Session{
		RoomID:        uuid.NewString(),
		ParticipantID: participantID,
		Status:        models.StatusWaiting,
		UrgencyLevel:  urgency,
		Category:      category,
		CreatedAt:     time.Now(),
	}

	r.mu.Lock()
	r.entries[session.RoomID] = &sessionEntry{session: session}
	r.mu.Unlock()

	metrics.SessionsCreated.Inc()
	r.persistSave(session)
	return snapshot(session)
}

// GetOrCreateSession loads a session or creates one under the given room
// ID for a participant joining an addressable room directly.
func (r *Registry) GetOrCreateSession(roomID, participantID string, urgency int) *models.Session {
	if roomID == "" {
		return r.CreateSession(participantID, urgency, "")
	}

	r.mu.Lock()
	entry, created := r.entries[roomID], false
	if entry == nil {
		if participantID == "" {
			participantID = uuid.NewString()
		}
		if urgency < 1 || urgency > 10 {
			urgency = 5
		}
		entry = &sessionEntry{session: &models.Session{
			RoomID:        roomID,
			ParticipantID: participantID,
			Status:        models.StatusWaiting,
			UrgencyLevel:  urgency,
			CreatedAt:     time.Now(),
		}}
		r.entries[roomID] = entry
		created = true
		metrics.SessionsCreated.Inc()
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if created {
		r.persistSave(entry.session)
	}
	return snapshot(entry.session)
}

// Transcript depth reloaded per session after a restart.
const rehydrateHistoryLimit = 200

// Rehydrate reloads open sessions and their recent transcripts from
// persistence after a restart. Rooms that were active are downgraded to
// waiting; their responder connection did not survive the restart.
// Returns the room IDs that need re-queueing.
func (r *Registry) Rehydrate(ctx context.Context) ([]string, error) {
	if r.db == nil {
		return nil, nil
	}

	sessions, err := r.db.ListOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate: %w", err)
	}

	for _, s := range sessions {
		if s.Status == models.StatusActive {
			s.Status = models.StatusWaiting
			s.ResponderID = ""
		}
		s.Transcript = r.loadTranscript(ctx, s.RoomID)
	}

	var requeue []string
	r.mu.Lock()
	for _, s := range sessions {
		r.entries[s.RoomID] = &sessionEntry{session: s}
		if s.Status == models.StatusWaiting {
			requeue = append(requeue, s.RoomID)
		}
	}
	r.mu.Unlock()

	logger.Info("Rehydrated %d open sessions (%d re-queued)", len(sessions), len(requeue))
	return requeue, nil
}

// loadTranscript restores a session's recent history, unsealing each
// message. A message that cannot be unsealed is skipped; live routing
// never depends on history being complete.
func (r *Registry) loadTranscript(ctx context.Context, roomID string) []*models.Message {
	stored, err := r.db.LoadMessages(ctx, roomID, rehydrateHistoryLimit)
	if err != nil {
		metrics.PersistFailures.WithLabelValues("load_messages").Inc()
		logger.Error("Error loading history for room %s: %v", roomID, err)
		return nil
	}

	var transcript []*models.Message
	for _, sm := range stored {
		msg := sm.Message
		if r.sealer != nil {
			content, err := r.sealer.Open(sm.Sealed)
			if err != nil {
				logger.Error("Error unsealing message %s in room %s: %v", msg.ID, roomID, err)
				continue
			}
			msg.Content = string(content)
		} else {
			msg.Content = string(sm.Sealed)
		}
		transcript = append(transcript, msg)
	}
	return transcript
}

func (r *Registry) GetSession(roomID string) (*models.Session, error) {
	entry, err := r.entry(roomID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return snapshot(entry.session), nil
}

// AppendMessage appends to the transcript and broadcasts in one step under
// the session lock, so broadcast order always equals append order even
// with both parties sending concurrently.
func (r *Registry) AppendMessage(roomID string, msg *models.Message) error {
	entry, err := r.entry(roomID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session.Status == models.StatusClosed {
		return ErrRoomClosed
	}

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.RoomID = roomID

	entry.session.Transcript = append(entry.session.Transcript, msg)
	metrics.MessagesRouted.WithLabelValues(string(msg.SenderRole)).Inc()

	if r.broadcaster != nil {
		r.broadcaster.Broadcast(roomID, models.Event{
			Type:      models.EventMessage,
			RoomID:    roomID,
			Message:   msg,
			Timestamp: msg.CreatedAt.Format(time.RFC3339),
		})
	}

	r.persistMessage(msg)
	return nil
}

// AppendSystemMessage is the convenience path used by the matcher,
// escalator and supervisor for operator-visible notices.
func (r *Registry) AppendSystemMessage(roomID, content string) (*models.Message, error) {
	msg := &models.Message{
		SenderID:   "system",
		SenderRole: models.RoleSystem,
		Content:    content,
	}
	if err := r.AppendMessage(roomID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Transition moves a session along the state machine. Invalid moves are
// returned as errors for the caller to log; they never crash anything.
func (r *Registry) Transition(roomID string, newStatus models.SessionStatus) error {
	entry, err := r.entry(roomID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.transitionLocked(entry, newStatus)
}

// AssignResponder pairs a waiting session with a responder: the
// Waiting->Active transition and the responder assignment are one atomic
// step.
func (r *Registry) AssignResponder(roomID, responderID string) error {
	entry, err := r.entry(roomID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session.Status != models.StatusWaiting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.session.Status, models.StatusActive)
	}

	entry.session.ResponderID = responderID
	return r.transitionLocked(entry, models.StatusActive)
}

// ClearResponder returns an active session to the waiting state after its
// responder disconnected.
func (r *Registry) ClearResponder(roomID string) error {
	entry, err := r.entry(roomID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session.Status != models.StatusActive {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.session.Status, models.StatusWaiting)
	}

	entry.session.ResponderID = ""
	return r.transitionLocked(entry, models.StatusWaiting)
}

// RaiseUrgency sets the urgency level, never lowering it.
func (r *Registry) RaiseUrgency(roomID string, level int) error {
	entry, err := r.entry(roomID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if level > entry.session.UrgencyLevel {
		entry.session.UrgencyLevel = level
		r.persistUpdate(entry.session)
	}
	return nil
}

func (r *Registry) transitionLocked(entry *sessionEntry, newStatus models.SessionStatus) error {
	current := entry.session.Status
	if !transitionAllowed(current, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
	}

	entry.session.Status = newStatus
	r.persistUpdate(entry.session)
	return nil
}

func (r *Registry) entry(roomID string) (*sessionEntry, error) {
	r.mu.RLock()
	entry, ok := r.entries[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	return entry, nil
}

// persistSave, persistUpdate and persistMessage are fire-and-forget: a
// down database must never block or fail live delivery.
func (r *Registry) persistSave(session *models.Session) {
	if r.db == nil {
		return
	}
	saved := snapshot(session)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.db.SaveSession(ctx, saved); err != nil {
			metrics.PersistFailures.WithLabelValues("save_session").Inc()
			logger.Error("Error persisting session %s: %v", saved.RoomID, err)
		}
	}()
}

func (r *Registry) persistUpdate(session *models.Session) {
	if r.db == nil {
		return
	}
	saved := snapshot(session)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.db.UpdateSession(ctx, saved); err != nil {
			metrics.PersistFailures.WithLabelValues("update_session").Inc()
			logger.Error("Error persisting session update %s: %v", saved.RoomID, err)
		}
	}()
}

func (r *Registry) persistMessage(msg *models.Message) {
	if r.db == nil {
		return
	}
	sealed := []byte(msg.Content)
	if r.sealer != nil {
		var err error
		sealed, err = r.sealer.Seal([]byte(msg.Content))
		if err != nil {
			metrics.PersistFailures.WithLabelValues("seal_message").Inc()
			logger.Error("Error sealing message %s: %v", msg.ID, err)
			return
		}
	}
	stored := *msg
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.db.SaveMessage(ctx, &stored, sealed); err != nil {
			metrics.PersistFailures.WithLabelValues("save_message").Inc()
			logger.Error("Error persisting message %s: %v", stored.ID, err)
		}
	}()
}

// snapshot copies a session so callers can read it without holding the
// entry lock. The transcript slice is copied shallowly; messages are
// immutable once appended.
func snapshot(s *models.Session) *models.Session {
	copied := *s
	copied.Transcript = append([]*models.Message(nil), s.Transcript...)
	return &copied
}
