package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polyfade/internal/config"
)

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	provider EngineProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.Config, provider EngineProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/api/force-exit", handlers.HandleForceExit)
	mux.HandleFunc("/api/force-entry", handlers.HandleForceEntry)
	mux.HandleFunc("/api/clear-halt", handlers.HandleClearHalt)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	// Static dashboard assets
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Dashboard,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event consumer, and the HTTP listener. Blocks
// until the server stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents forwards engine events to the hub.
func (s *Server) consumeEvents() {
	events := s.provider.DashboardEvents()
	if events == nil {
		return
	}
	for evt := range events {
		s.hub.BroadcastEvent(evt)
	}
}
