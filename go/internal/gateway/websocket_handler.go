package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles websocket upgrade requests for couple sessions.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new websocket handler.
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleSessionConnection handles websocket connections for one couple.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	coupleID := strings.TrimSpace(r.URL.Query().Get("couple_id"))
	if coupleID == "" {
		http.Error(w, "couple_id is required", http.StatusBadRequest)
		return
	}

	// Display name only; result ownership is decided by the record's
	// result_owner field, not by the connection.
	userName := strings.TrimSpace(r.URL.Query().Get("user_name"))
	if userName == "" {
		userName = "anonymous"
	}

	if err := h.connectionManager.UpgradeConnection(w, r, userName, coupleID); err != nil {
		log.Error().
			Err(err).
			Str("couple_id", coupleID).
			Str("user_name", userName).
			Msg("failed to upgrade websocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	total, couples := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"total_connections":%d,"active_couples":%d}`, total, couples)
}

// RegisterRoutes registers websocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/session", h.HandleSessionConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
