package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Handler exposes the hub's HTTP surface: the websocket endpoint, the
// authoritative time endpoint, and connection stats.
type Handler struct {
	hub *Hub
}

// NewHandler creates the HTTP handler for a hub.
func NewHandler(h *Hub) *Handler {
	return &Handler{hub: h}
}

// HandleWS upgrades a client connection. The user id comes from a query
// parameter; in production it would come from the authenticated session.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := h.hub.Upgrade(w, r, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
	}
}

// HandleTime serves the authoritative server time for clock-skew
// correction.
func (h *Handler) HandleTime(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]time.Time{
		"server_time": h.hub.Now(),
	})
}

// HandleStats serves connection statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	clients, channels := h.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"total_connections": clients,
		"active_channels":   channels,
	})
}

// Mux returns the hub routes wrapped with CORS.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/time", h.HandleTime)
	mux.HandleFunc("/stats", h.HandleStats)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}
