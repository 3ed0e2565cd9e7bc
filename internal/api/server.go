// Package api serves the operator surface: cached odds reads, history
// series, alert and unmapped review, scheduler control, and the
// websocket endpoint. All odds reads come from the cache; the only
// database reads are history and the review tables.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/XavierBriggs/Argus/internal/broadcast"
	"github.com/XavierBriggs/Argus/internal/cache"
	"github.com/XavierBriggs/Argus/internal/config"
	"github.com/XavierBriggs/Argus/internal/scheduler"
	"github.com/XavierBriggs/Argus/internal/store"
)

// Server is the HTTP and websocket front end.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the routes.
func NewServer(cfg config.ServerConfig, c *cache.Cache, st *store.Store, sched *scheduler.Scheduler, hub *broadcast.Hub, logger *slog.Logger) *Server {
	h := &handlers{
		cache:     c,
		store:     st,
		scheduler: sched,
		hub:       hub,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/events", h.listEvents)
	mux.HandleFunc("GET /api/events/{id}", h.eventDetail)
	mux.HandleFunc("GET /api/events/{id}/history", h.eventHistory)
	mux.HandleFunc("GET /api/alerts", h.listAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/ack", h.acknowledgeAlert)
	mux.HandleFunc("GET /api/unmapped", h.listUnmapped)
	mux.HandleFunc("POST /api/unmapped/{book}/{rawID}/status", h.setUnmappedStatus)
	mux.HandleFunc("GET /api/scheduler/status", h.schedulerStatus)
	mux.HandleFunc("POST /api/scheduler/pause", h.schedulerPause)
	mux.HandleFunc("POST /api/scheduler/resume", h.schedulerResume)
	mux.HandleFunc("POST /api/scheduler/trigger", h.schedulerTrigger)
	mux.HandleFunc("GET /api/settings", h.getSettings)
	mux.HandleFunc("PUT /api/settings", h.putSettings)
	mux.HandleFunc("/ws", hub.HandleWS)

	return &Server{
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start blocks serving until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains connections and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
