package models

import (
	"time"
)

type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusEscalated SessionStatus = "escalated"
	StatusClosed    SessionStatus = "closed"
)

type SenderRole string

const (
	RoleParticipant SenderRole = "participant"
	RoleResponder   SenderRole = "responder"
	RoleSystem      SenderRole = "system"
)

// Session is one crisis conversation. The in-memory registry copy is
// authoritative for live routing; Postgres only sees sealed transcripts
// and status updates for rehydration.
type Session struct {
	RoomID        string        `json:"room_id"`
	ParticipantID string        `json:"participant_id"`
	ResponderID   string        `json:"responder_id,omitempty"`
	Status        SessionStatus `json:"status"`
	UrgencyLevel  int           `json:"urgency_level"`
	Category      string        `json:"category,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	Transcript    []*Message    `json:"transcript,omitempty"`
}

// Message is append-only once created. IDs are ULIDs so transcript order
// and ID order agree.
type Message struct {
	ID         string            `json:"id"`
	RoomID     string            `json:"room_id"`
	SenderID   string            `json:"sender_id"`
	SenderRole SenderRole        `json:"sender_role"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type ResponderStatus string

const (
	ResponderAvailable ResponderStatus = "available"
	ResponderBusy      ResponderStatus = "busy"
	ResponderOffline   ResponderStatus = "offline"
)

// Responder is a volunteer's live presence record. It outlives a single
// connection so a dropped responder can reconnect under the same ID.
type Responder struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Status       ResponderStatus `json:"status"`
	ActiveRooms  map[string]bool `json:"-"`
	Specialties  []string        `json:"specialties,omitempty"`
	LastAssigned time.Time       `json:"last_assigned,omitempty"`
}

func (r *Responder) Load() int {
	return len(r.ActiveRooms)
}

func (r *Responder) HasSpecialty(tag string) bool {
	for _, s := range r.Specialties {
		if s == tag {
			return true
		}
	}
	return false
}
