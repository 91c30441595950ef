// Package main is the entry point for the appcontrol coordinator: the
// control plane that persists fleet update intents, schedules them through
// a bounded worker pool of playbook runs and serves the HTTP/WebSocket
// surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetops/appcontrol/internal/api"
	"github.com/fleetops/appcontrol/internal/common/config"
	"github.com/fleetops/appcontrol/internal/common/httpmw"
	"github.com/fleetops/appcontrol/internal/common/logger"
	"github.com/fleetops/appcontrol/internal/common/tracing"
	"github.com/fleetops/appcontrol/internal/coordinator"
	"github.com/fleetops/appcontrol/internal/events/bus"
	"github.com/fleetops/appcontrol/internal/fleet/orchestrators"
	"github.com/fleetops/appcontrol/internal/fleet/store"
	gateway "github.com/fleetops/appcontrol/internal/gateway/websocket"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting appcontrol")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. Store
	st, closeStore, err := store.Provide(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err),
			zap.String("driver", cfg.Database.Driver))
	}
	defer func() { _ = closeStore() }()
	log.Info("database ready",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	// 5. Orchestrator playbook catalog
	orch, err := orchestrators.Load(cfg.Orchestrators.Path)
	if err != nil {
		log.Fatal("failed to load orchestrator catalog", zap.Error(err))
	}

	// 6. Coordinator: recovery pass + worker pool
	coord := coordinator.New(st, eventBus, orch, nil, log, cfg.Ansible)
	if err := coord.Start(ctx); err != nil {
		log.Fatal("failed to start coordinator", zap.Error(err))
	}

	// 7. WebSocket gateway
	hub := gateway.NewHub(log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("failed to attach websocket hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)

	// 8. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "appcontrol"))
	router.Use(httpmw.OtelTracing("appcontrol"))

	handlers := api.NewHandlers(coord, log)
	handlers.Register(router.Group("/api"))
	router.GET("/ws", hub.Serve)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 9. Wait for termination signal, then drain
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("coordinator shutdown error", zap.Error(err))
	}
	cancel()
	if err := tracing.Shutdown(context.Background()); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	log.Info("appcontrol stopped")
}
