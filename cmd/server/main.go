package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observer/invigilate/internal/analysis"
	"github.com/observer/invigilate/internal/api"
	"github.com/observer/invigilate/internal/config"
	"github.com/observer/invigilate/internal/control"
	"github.com/observer/invigilate/internal/middleware"
	"github.com/observer/invigilate/internal/registry"
	"github.com/observer/invigilate/internal/rules"
	"github.com/observer/invigilate/internal/server"
	"github.com/observer/invigilate/internal/sfu"
	"github.com/pion/webrtc/v3"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	reg := registry.New(cfg.IncidentRetentionMax)
	rulesEngine := rules.New()

	var sfuCore *sfu.SFU
	if cfg.SFUEnabled {
		sfuCore = sfu.New(sfu.Config{
			ICEServers:     pionICEServers(cfg),
			Debounce:       cfg.RenegotiateDebounce,
			ScreenDebounce: cfg.RenegotiateDebounceScreen,
		}, logger)
		slog.Info("sfu core enabled")
	} else {
		sfuCore = sfu.NewUnavailable(logger)
		slog.Warn("sfu core disabled by config, control channel will fall back to P2P fan-out")
	}

	analysisEmitter := analysis.New(logger).WithTickBounds(cfg.AnalysisTickMin, cfg.AnalysisTickMax)

	hub := control.NewHub(control.Deps{
		Registry:   reg,
		Rules:      rulesEngine,
		SFU:        sfuCore,
		Analysis:   analysisEmitter,
		Logger:     logger,
		SFUEnabled: cfg.SFUEnabled,
		AIEnabled:  cfg.AIAnalysisEnabled,
	})
	wsHandler := control.NewHandler(hub, logger)

	apiHandler := api.New(reg, rulesEngine, sfuCore, hub, cfg.SFUEnabled, cfg.AIAnalysisEnabled, logger)

	deps := &server.Dependencies{
		API:          apiHandler,
		ControlWS:    wsHandler,
		IncidentRate: middleware.NewRateLimiter(600), // 10/s per room, burst 60
		Logger:       logger,
	}
	srv := server.New(cfg, deps)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr, "sfu_enabled", cfg.SFUEnabled, "ai_analysis_enabled", cfg.AIAnalysisEnabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	// Clients are expected to rejoin after a restart (§6 "Persisted
	// state": "None. Process restart discards all rooms, sessions,
	// incidents, and media connections"); shutdown just drains in-flight
	// HTTP/WS requests, it does not attempt to persist anything.
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// pionICEServers builds the pion ICEServer list from config, targeting
// pion's own type directly since this server terminates WebRTC itself
// rather than just advertising servers to a browser client.
func pionICEServers(cfg *config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.ICESTUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICESTUNURLs})
	}
	if len(cfg.ICETURNURLs) > 0 && cfg.TURNUsername != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cfg.ICETURNURLs,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	return servers
}
