// Package server wires the HTTP surface together: the Query API (C7),
// the control-channel upgrade route (C3), and the middleware chain.
// Graceful shutdown is done by the caller (cmd/server) on the returned
// *http.Server. It owns no domain state itself.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/observer/invigilate/internal/api"
	"github.com/observer/invigilate/internal/config"
	"github.com/observer/invigilate/internal/control"
	"github.com/observer/invigilate/internal/middleware"
)

// Dependencies holds all service dependencies for the server.
type Dependencies struct {
	API          *api.Handler
	ControlWS    *control.Handler
	IncidentRate *middleware.RateLimiter
	Logger       *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// =========================================================================
	// Query API (C7), §4.7
	// =========================================================================
	mux.HandleFunc("GET /health", deps.API.Health)

	mux.HandleFunc("GET /rooms/{roomId}/incidents", deps.API.ListIncidents)
	mux.Handle("POST /rooms/{roomId}/incidents", deps.IncidentRate.Middleware(http.HandlerFunc(deps.API.PostIncident)))
	mux.HandleFunc("GET /rooms/{roomId}/sessions/{userId}/summary", deps.API.SessionSummary)
	mux.HandleFunc("GET /rooms/{roomId}/sfu/stats", deps.API.SFUStats)

	mux.HandleFunc("POST /api/analysis/start/{roomId}/{candidateId}", deps.API.StartAnalysis)
	mux.HandleFunc("POST /api/analysis/stop/{candidateId}", deps.API.StopAnalysis)
	mux.HandleFunc("GET /api/analysis/history/{roomId}/{candidateId}", deps.API.AnalysisHistory)

	// =========================================================================
	// Control channel (C3), one websocket per room-scoped participant
	// =========================================================================
	mux.Handle("GET /ws/{roomId}", deps.ControlWS)
}
