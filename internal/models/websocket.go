package models

type EventType string

const (
	// Inbound
	EventJoinRoom         EventType = "join_room"
	EventSendMessage      EventType = "send_message"
	EventTypingIndicator  EventType = "typing_indicator"
	EventRequestVolunteer EventType = "request_volunteer"
	EventEscalate         EventType = "escalate_emergency"
	EventLeaveRoom        EventType = "leave_room"

	// Outbound
	EventRoomJoined          EventType = "room_joined"
	EventVolunteerJoined     EventType = "volunteer_joined"
	EventMessage             EventType = "message"
	EventTyping              EventType = "typing"
	EventRoomCreated         EventType = "room_created"
	EventEscalationTriggered EventType = "escalation_triggered"
	EventEmergencyResources  EventType = "emergency_resources"
	EventCrisisAlert         EventType = "crisis_alert"
	EventRoomClosed          EventType = "room_closed"
	EventNewSessionAvailable EventType = "new_session_available"
	EventError               EventType = "error"
)

// ClientEvent is one inbound frame from a connection.
type ClientEvent struct {
	Type         EventType         `json:"type"`
	RoomID       string            `json:"room_id,omitempty"`
	Role         string            `json:"role,omitempty"`
	Content      string            `json:"content,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	IsTyping     bool              `json:"is_typing,omitempty"`
	UrgencyLevel int               `json:"urgency_level,omitempty"`
	Category     string            `json:"category,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// Event is one outbound frame. Fields are sparse; Type decides which are set.
type Event struct {
	Type         EventType           `json:"type"`
	RoomID       string              `json:"room_id,omitempty"`
	Message      *Message            `json:"message,omitempty"`
	SenderID     string              `json:"sender_id,omitempty"`
	Role         string              `json:"role,omitempty"`
	IsTyping     bool                `json:"is_typing,omitempty"`
	Status       SessionStatus       `json:"status,omitempty"`
	UrgencyLevel int                 `json:"urgency_level,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Resources    *EmergencyResources `json:"resources,omitempty"`
	Error        string              `json:"error,omitempty"`
	Timestamp    string              `json:"timestamp,omitempty"`
}

// EmergencyResources is the structured payload handed back on escalation.
type EmergencyResources struct {
	CrisisLine string `json:"crisis_line"`
	TextLine   string `json:"text_line"`
	Emergency  string `json:"emergency"`
	Note       string `json:"note,omitempty"`
}
