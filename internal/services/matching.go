package services

import (
	"container/list"
	"context"
	"sync"
	"time"

	"crisis-chat/internal/metrics"
	"crisis-chat/internal/models"
	"crisis-chat/pkg/logger"
)

// MatchListener is told about pairings so the connection layer can
// subscribe the responder and notify both parties.
type MatchListener interface {
	RoomMatched(roomID, responderID string)
}

type queueEntry struct {
	roomID     string
	enqueuedAt time.Time
}

// Matcher owns the waiting queue and the pairing policy. Queue pop and
// responder assignment happen under one lock, so a responder can never be
// double-booked past their concurrency cap and no room is matched twice.
type Matcher struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element

	registry *Registry
	presence *Presence
	listener MatchListener

	waitThreshold time.Duration
	tickInterval  time.Duration
	waitTimers    map[string]*time.Timer
}

func NewMatcher(registry *Registry, presence *Presence, waitThreshold, tickInterval time.Duration) *Matcher {
	if waitThreshold <= 0 {
		waitThreshold = 30 * time.Second
	}
	if tickInterval <= 0 {
		tickInterval = 3 * time.Second
	}
	return &Matcher{
		order:         list.New(),
		index:         make(map[string]*list.Element),
		registry:      registry,
		presence:      presence,
		waitThreshold: waitThreshold,
		tickInterval:  tickInterval,
		waitTimers:    make(map[string]*time.Timer),
	}
}

func (m *Matcher) SetListener(l MatchListener) {
	m.listener = l
}

// Enqueue adds a room to the back of the waiting queue. Idempotent; a room
// already queued keeps its position. Starts the one-shot "no responder
// yet" timer, which is cancelled on match or removal.
func (m *Matcher) Enqueue(roomID string) {
	m.mu.Lock()
	if _, ok := m.index[roomID]; ok {
		m.mu.Unlock()
		return
	}
	m.index[roomID] = m.order.PushBack(&queueEntry{roomID: roomID, enqueuedAt: time.Now()})
	metrics.QueueDepth.Set(float64(m.order.Len()))

	timer := time.AfterFunc(m.waitThreshold, func() { m.annotateStillWaiting(roomID) })
	if old, ok := m.waitTimers[roomID]; ok {
		old.Stop()
	}
	m.waitTimers[roomID] = timer
	m.mu.Unlock()
}

// Remove drops a room from the queue (room closed). Safe to call for
// rooms that are not queued.
func (m *Matcher) Remove(roomID string) {
	m.mu.Lock()
	m.removeLocked(roomID)
	m.mu.Unlock()
}

func (m *Matcher) removeLocked(roomID string) {
	if el, ok := m.index[roomID]; ok {
		m.order.Remove(el)
		delete(m.index, roomID)
		metrics.QueueDepth.Set(float64(m.order.Len()))
	}
	if timer, ok := m.waitTimers[roomID]; ok {
		timer.Stop()
		delete(m.waitTimers, roomID)
	}
}

// QueuedRooms returns the queue contents in order, for tests and stats.
func (m *Matcher) QueuedRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := make([]string, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		rooms = append(rooms, el.Value.(*queueEntry).roomID)
	}
	return rooms
}

// TryMatch attempts one pairing: the longest-waiting room that has an
// eligible responder. Returns false when nothing could be paired.
func (m *Matcher) TryMatch() (roomID, responderID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for el := m.order.Front(); el != nil; {
		entry := el.Value.(*queueEntry)
		next := el.Next()

		session, err := m.registry.GetSession(entry.roomID)
		if err != nil || session.Status != models.StatusWaiting {
			// Stale entry: room closed or otherwise moved on without us.
			m.removeLocked(entry.roomID)
			el = next
			continue
		}

		candidate, found := m.presence.Pick(session.Category)
		if !found {
			el = next
			continue
		}

		if err := m.registry.AssignResponder(entry.roomID, candidate); err != nil {
			logger.Error("Error assigning responder %s to room %s: %v", candidate, entry.roomID, err)
			el = next
			continue
		}
		if !m.presence.Assign(candidate, entry.roomID) {
			// Lost the capacity race against a disconnect; undo.
			if err := m.registry.ClearResponder(entry.roomID); err != nil {
				logger.Error("Error undoing assignment for room %s: %v", entry.roomID, err)
			}
			el = next
			continue
		}

		m.removeLocked(entry.roomID)
		metrics.MatchesTotal.Inc()
		return entry.roomID, candidate, true
	}

	return "", "", false
}

// MatchAll drains the queue as far as responder capacity allows, notifying
// the listener per pairing. Called on every availability event and on the
// timer tick.
func (m *Matcher) MatchAll() {
	for {
		roomID, responderID, ok := m.TryMatch()
		if !ok {
			return
		}
		logger.Info("Matched room %s with responder %s", roomID, responderID)
		if m.listener != nil {
			m.listener.RoomMatched(roomID, responderID)
		}
	}
}

// Claim assigns one specific waiting room to one specific responder, used
// when a responder explicitly joins a room they can see.
func (m *Matcher) Claim(roomID, responderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.registry.GetSession(roomID)
	if err != nil || session.Status != models.StatusWaiting {
		return false
	}

	if err := m.registry.AssignResponder(roomID, responderID); err != nil {
		return false
	}
	if !m.presence.Assign(responderID, roomID) {
		if err := m.registry.ClearResponder(roomID); err != nil {
			logger.Error("Error undoing claim for room %s: %v", roomID, err)
		}
		return false
	}

	m.removeLocked(roomID)
	metrics.MatchesTotal.Inc()
	return true
}

// Run retries matching on a fixed tick until the context ends. The tick
// backstops lost availability events; matching is not purely push-driven.
func (m *Matcher) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.MatchAll()
		}
	}
}

// annotateStillWaiting appends the single "no responder yet" notice after
// the wait threshold. It informs only; the room stays queued.
func (m *Matcher) annotateStillWaiting(roomID string) {
	m.mu.Lock()
	_, stillQueued := m.index[roomID]
	delete(m.waitTimers, roomID)
	m.mu.Unlock()
	if !stillQueued {
		return
	}

	session, err := m.registry.GetSession(roomID)
	if err != nil || session.Status != models.StatusWaiting {
		return
	}

	if _, err := m.registry.AppendSystemMessage(roomID,
		"All of our responders are busy right now. You are still in the queue and someone will join as soon as possible."); err != nil {
		logger.Error("Error annotating waiting room %s: %v", roomID, err)
	}
}
