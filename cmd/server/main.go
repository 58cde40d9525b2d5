package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"collabsync/internal/api"
	"collabsync/internal/auth"
	"collabsync/internal/config"
	"collabsync/internal/crdt"
	"collabsync/internal/db"
	"collabsync/internal/logging"
	"collabsync/internal/repository"
	"collabsync/internal/services/collaboration"
	"collabsync/internal/services/presence"
	"collabsync/internal/services/syncengine"
	"collabsync/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Background janitors tied to one cancellable context
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order:
     stop accepting → close sockets → flush documents → close DB
*/

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	log.Info().Str("driver", cfg.DBDriver).Msg("starting collabsync")

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown := func(ctx context.Context) error { return nil }
	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitJaeger(telemetry.Config{
			ServiceName: "collabsync",
			Endpoint:    cfg.JaegerEndpoint,
			SampleRatio: cfg.TraceSampleRatio,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize Jaeger, continuing without tracing")
		} else {
			jaegerShutdown = shutdown
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown Jaeger")
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	// Initialize repositories
	docRepo := repository.NewDocumentRepository(database.DB)
	accessRepo := repository.NewAccessRepository(database.DB)
	oplogRepo := repository.NewOperationLogRepository(database.DB)

	// Sync engine: one worker per active document, started lazily
	core := crdt.NewAutomerge()
	engine := syncengine.New(core, docRepo, oplogRepo, syncengine.Config{
		SnapshotInterval: uint64(cfg.SnapshotInterval),
		QueueSize:        cfg.WorkerQueueSize,
	}, log)

	// Registries with explicit lifecycle, created here and injected
	hub := collaboration.NewHub(log)
	engine.SetIdleCheck(func(documentID string) bool {
		return hub.MemberCount(documentID) == 0
	})
	presenceService := presence.New(presence.Config{
		CursorInterval: cfg.CursorInterval,
		SessionTTL:     cfg.SessionTTL,
	}, hub, log)

	gateway := collaboration.NewGateway(hub, engine, accessRepo, presenceService, collaboration.Config{
		EnforceEditorRole: cfg.EnforceEditorRole,
		SendBufferSize:    cfg.SendBufferSize,
	}, log)

	// Background work shares one context, cancelled first on shutdown
	bgCtx, stopBackground := context.WithCancel(context.Background())
	var background sync.WaitGroup

	janitor := repository.NewRetentionJanitor(oplogRepo, cfg.OplogRetention, 24*time.Hour, log)
	background.Add(2)
	go func() {
		defer background.Done()
		presenceService.Run(bgCtx)
	}()
	go func() {
		defer background.Done()
		janitor.Run(bgCtx)
	}()

	authn := auth.NewAuthenticator(cfg.JWTSecret)
	wsHandler := collaboration.NewWebSocketHandler(bgCtx, gateway, authn)

	// Initialize handlers with dependency injection
	handler := api.NewHandler(api.Deps{
		Documents: docRepo,
		Access:    accessRepo,
		Oplog:     oplogRepo,
		Engine:    engine,
		Rooms:     hub,
		Metrics:   gateway.Metrics(),
		DB:        database,
		Core:      core,
		WebSocket: wsHandler,
	}, log)

	router := api.SetupRoutes(handler, authn, log)

	// Configure HTTP server
	// Learning: no WriteTimeout, it would also cut hijacked websocket connections
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		log.Info().
			Str("addr", addr).
			Strs("routes", []string{
				"POST   /api/documents",
				"GET    /api/documents",
				"GET    /api/documents/{id}",
				"PUT    /api/documents/{id}/access",
				"DELETE /api/documents/{id}",
				"GET    /api/documents/{id}/operations?after=N",
				"GET    /api/health",
				"GET    /api/health/metrics",
				"GET    /ws",
			}).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new connections and requests
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}

	// Close every websocket; their read pumps run the normal leave path
	hub.Shutdown()

	// Flush pending log entries and final snapshots of every open document
	if err := engine.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("sync engine did not flush cleanly")
	}

	stopBackground()
	background.Wait()

	log.Info().Msg("server shutdown complete")
}
