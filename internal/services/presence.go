package services

import (
	"sort"
	"sync"
	"time"

	"crisis-chat/internal/metrics"
	"crisis-chat/internal/models"
)

// Presence is the directory of live responders. Records survive a
// disconnect (status goes Offline, rooms are handed back for re-queueing)
// so a responder who drops can reconnect under the same identity.
type Presence struct {
	mu            sync.Mutex
	responders    map[string]*models.Responder
	maxConcurrent int
}

func NewPresence(maxConcurrent int) *Presence {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Presence{
		responders:    make(map[string]*models.Responder),
		maxConcurrent: maxConcurrent,
	}
}

// Connect registers a responder connection, creating the record on first
// sight or reviving an offline one.
func (p *Presence) Connect(responderID, connectionID string, specialties []string) *models.Responder {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.responders[responderID]
	if !ok {
		rec = &models.Responder{
			ID:          responderID,
			ActiveRooms: make(map[string]bool),
		}
		p.responders[responderID] = rec
	}

	// A reconnect replacing a still-open connection is not a new online
	// responder; the gauge moves only on the offline->online edge.
	if !ok || rec.Status == models.ResponderOffline {
		metrics.RespondersOnline.Inc()
	}

	rec.ConnectionID = connectionID
	if len(specialties) > 0 {
		rec.Specialties = specialties
	}
	if rec.Load() < p.maxConcurrent {
		rec.Status = models.ResponderAvailable
	} else {
		rec.Status = models.ResponderBusy
	}

	return rec
}

// Disconnect marks the responder offline and returns the rooms they were
// handling, which the caller must re-queue. A connection ID that is no
// longer current belongs to a superseded connection whose owner has
// already reconnected; that teardown is a no-op. The record itself stays.
func (p *Presence) Disconnect(responderID, connectionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.responders[responderID]
	if !ok || rec.Status == models.ResponderOffline {
		return nil
	}
	if rec.ConnectionID != connectionID {
		return nil
	}

	var rooms []string
	for roomID := range rec.ActiveRooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)

	rec.ActiveRooms = make(map[string]bool)
	rec.ConnectionID = ""
	rec.Status = models.ResponderOffline

	metrics.RespondersOnline.Dec()
	return rooms
}

// Assign books a room onto a responder, respecting the concurrency cap.
// Called only from the matching engine's serialized match path.
func (p *Presence) Assign(responderID, roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.responders[responderID]
	if !ok || rec.Status == models.ResponderOffline {
		return false
	}
	if rec.Load() >= p.maxConcurrent {
		return false
	}

	rec.ActiveRooms[roomID] = true
	rec.LastAssigned = time.Now()
	rec.Status = models.ResponderBusy
	return true
}

// Release frees a room from a responder (room closed or handed back).
func (p *Presence) Release(responderID, roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.responders[responderID]
	if !ok {
		return
	}

	delete(rec.ActiveRooms, roomID)
	if rec.Status != models.ResponderOffline && rec.Load() < p.maxConcurrent {
		rec.Status = models.ResponderAvailable
	}
}

// Pick selects the best responder for a room: online, under the
// concurrency cap, preferring a matching specialty when the room has a
// category. Ties break on lowest load, then least-recent assignment, then
// responder ID, which keeps matching deterministic.
func (p *Presence) Pick(category string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if category != "" {
		if id, ok := p.pickLocked(func(r *models.Responder) bool { return r.HasSpecialty(category) }); ok {
			return id, true
		}
	}
	return p.pickLocked(nil)
}

func (p *Presence) pickLocked(filter func(*models.Responder) bool) (string, bool) {
	var candidates []*models.Responder
	for _, rec := range p.responders {
		if rec.Status == models.ResponderOffline || rec.ConnectionID == "" {
			continue
		}
		if rec.Load() >= p.maxConcurrent {
			continue
		}
		if filter != nil && !filter(rec) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Load() != b.Load() {
			return a.Load() < b.Load()
		}
		if !a.LastAssigned.Equal(b.LastAssigned) {
			return a.LastAssigned.Before(b.LastAssigned)
		}
		return a.ID < b.ID
	})

	return candidates[0].ID, true
}

// Get returns the live record for a responder, or nil.
func (p *Presence) Get(responderID string) *models.Responder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responders[responderID]
}

// OnlineAvailable lists responders who could take another room right now.
func (p *Presence) OnlineAvailable() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for id, rec := range p.responders {
		if rec.Status != models.ResponderOffline && rec.ConnectionID != "" && rec.Load() < p.maxConcurrent {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
