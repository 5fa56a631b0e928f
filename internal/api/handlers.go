package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"polyfade/internal/config"
	"polyfade/pkg/types"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider EngineProvider
	cfg      config.Config
	hub      *Hub
	logger   *slog.Logger
}

func NewHandlers(provider EngineProvider, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) upgrader() websocket.Upgrader {
	allowed := h.cfg.Dashboard.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleHealth is the liveness endpoint.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the full dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(h.provider, h.cfg)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleForceExit asks the engine to bail out of one cycle.
func (h *Handlers) HandleForceExit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		CycleID string `json:"cycle_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CycleID == "" {
		http.Error(w, "cycle_id required", http.StatusBadRequest)
		return
	}

	h.logger.Warn("operator force-exit", "cycle", req.CycleID)
	h.provider.ForceExit(req.CycleID)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "requested"})
}

// HandleForceEntry injects a synthetic shock. It runs through the same
// classification bypass as a confirmed single-event verdict, but the
// admission gate and inventory checks still apply.
func (h *Handlers) HandleForceEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var shock types.Shock
	if err := json.NewDecoder(r.Body).Decode(&shock); err != nil {
		http.Error(w, "invalid shock payload", http.StatusBadRequest)
		return
	}
	if shock.TokenID == "" || shock.MarketSlug == "" {
		http.Error(w, "token_id and market_slug required", http.StatusBadRequest)
		return
	}
	if shock.Direction == "" {
		shock.Direction = types.DirUp
	}

	h.logger.Warn("operator force-entry", "market", shock.MarketSlug, "token", shock.TokenID)
	h.provider.ForceEntry(shock)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "requested"})
}

// HandleClearHalt re-enables entries after an operator resolved the
// condition behind an entry halt.
func (h *Handlers) HandleClearHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.logger.Warn("operator cleared entry halt")
	h.provider.ClearHalt()
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}

// HandleWebSocket upgrades the connection and streams dashboard events,
// starting with a full snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	snapshot := BuildSnapshot(h.provider, h.cfg)
	evt := DashboardEvent{
		Type: "snapshot",
		Data: snapshot,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}
