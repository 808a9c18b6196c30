package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Handler exposes the WebSocket upgrade endpoint and the read-only HTTP
// surface.
type Handler struct {
	connectionManager *ConnectionManager
	broker            MessageBroker
}

// NewHandler creates a handler over the connection manager and broker.
func NewHandler(cm *ConnectionManager, broker MessageBroker) *Handler {
	return &Handler{
		connectionManager: cm,
		broker:            broker,
	}
}

// HandleWebSocket upgrades a client connection. All session binding happens
// later via the session_join message.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := h.connectionManager.UpgradeConnection(w, r); err != nil {
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

// HandleSessionLookup handles GET /api/session/{id}: the sanitized snapshot
// of a session, or 404. This is the only way to observe a session without
// joining it.
func (h *Handler) HandleSessionLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := extractSessionIDFromPath(r.URL.Path)
	if sessionID == "" {
		http.Error(w, "Session id is required", http.StatusBadRequest)
		return
	}

	snapshot := h.broker.Lookup(sessionID)
	if snapshot == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Error().Err(err).Msg("failed to encode session snapshot")
	}
}

// HandleStats returns gauges for open connections and live sessions.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	sessions, _ := h.broker.Stats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"sessions":%d,"connections":%d}`, sessions, h.connectionManager.Len())
}

// RegisterRoutes registers the gateway routes with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/api/session/", h.HandleSessionLookup)
	mux.HandleFunc("/api/stats", h.HandleStats)
}

// RegisterWebSocketRoute registers only the upgrade endpoint, for a dedicated
// WebSocket listener.
func (h *Handler) RegisterWebSocketRoute(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWebSocket)
}

// extractSessionIDFromPath extracts the id from a path like /api/session/{id}.
func extractSessionIDFromPath(path string) string {
	const prefix = "/api/session/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
