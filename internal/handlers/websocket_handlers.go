package handlers

import (
	"encoding/json"
	"net/http"

	"crisis-chat/internal/auth"
	"crisis-chat/internal/models"
	ws "crisis-chat/internal/websocket"
	"crisis-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService *auth.Service
	supervisor  *ws.Supervisor
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, supervisor *ws.Supervisor) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		supervisor:  supervisor,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket attaches an identity to the connection and hands it to
// the supervisor. A valid responder token makes this a responder
// connection; everyone else joins as an anonymous participant with a
// generated identity. Auth failures on a presented token are rejected,
// absence of a token is not an error.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := uuid.NewString()
	role := models.RoleParticipant
	var specialties []string

	if tokenStr := r.URL.Query().Get("token"); tokenStr != "" {
		account, err := h.authService.GetAccountFromToken(r.Context(), tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = account.ID
		role = models.RoleResponder
		specialties = account.Specialties
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	h.supervisor.Connect(conn, userID, role, specialties)
}

// HandleHealth reports liveness plus a small engine snapshot.
func (h *WebSocketHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.supervisor.Stats()
	stats["status"] = "ok"

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
