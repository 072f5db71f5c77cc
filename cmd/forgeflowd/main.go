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

	"github.com/forgeflow/forgeflow/internal/common/config"
	"github.com/forgeflow/forgeflow/internal/common/logger"
	"github.com/forgeflow/forgeflow/internal/events/bus"
	"github.com/forgeflow/forgeflow/internal/executor"
	"github.com/forgeflow/forgeflow/internal/executor/dockerrunner"
	"github.com/forgeflow/forgeflow/internal/gateway/api"
	"github.com/forgeflow/forgeflow/internal/gitsync"
	"github.com/forgeflow/forgeflow/internal/orchestrator"
	"github.com/forgeflow/forgeflow/internal/pool"
	"github.com/forgeflow/forgeflow/internal/session"
	"github.com/forgeflow/forgeflow/internal/stream"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting forgeflow service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus
	var eventBus bus.EventBus
	if cfg.NATS.Enabled {
		natsBus, err := bus.NewNATSBus(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewNoopBus()
	}
	defer eventBus.Close()

	// 5. Open the conversation store
	var store session.Store
	switch cfg.Store.Driver {
	case "sqlite":
		store, err = session.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			log.Fatal("Failed to open sqlite store", zap.Error(err))
		}
		log.Info("Opened sqlite store", zap.String("path", cfg.Store.Path))
	case "postgres":
		store, err = session.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			log.Fatal("Failed to connect to postgres", zap.Error(err))
		}
		log.Info("Connected to postgres store")
	default:
		store = session.NewMemoryStore(0)
	}
	defer store.Close()

	// 6. Initialize the session registry
	registry := session.NewRegistry(store, log)

	// 7. Initialize the admission pool
	workerPool := pool.New(cfg.Pool.Size)
	log.Info("Initialized worker pool", zap.Int("size", cfg.Pool.Size))

	// 8. Select the agent runner
	var runner executor.Runner
	if cfg.Agent.UseDocker {
		dockerRunner, err := dockerrunner.New(cfg.Agent.Docker, append([]string{cfg.Agent.Command}, cfg.Agent.Args...), cfg.Agent.Timeout(), log)
		if err != nil {
			log.Fatal("Failed to initialize docker runner", zap.Error(err))
		}
		if err := dockerRunner.Ping(ctx); err != nil {
			log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
		}
		defer dockerRunner.Close()
		runner = dockerRunner
		log.Info("Using docker runner", zap.String("image", cfg.Agent.Docker.Image))
	} else {
		localRunner, err := executor.NewLocalRunner(executor.Config{
			Command: cfg.Agent.Command,
			Args:    cfg.Agent.Args,
			Timeout: cfg.Agent.Timeout(),
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize local runner", zap.Error(err))
		}
		runner = localRunner
		log.Info("Using local runner", zap.String("command", cfg.Agent.Command))
	}

	// 9. Initialize the streaming hub and git syncer
	hub := stream.NewHub(log)
	git := gitsync.NewSyncer(log)

	// 10. Assemble the orchestrator
	svc := orchestrator.NewService(orchestrator.Options{
		Registry:     registry,
		Pool:         workerPool,
		Runner:       runner,
		Git:          git,
		Hub:          hub,
		Bus:          eventBus,
		SystemPrompt: cfg.Agent.SystemPrompt,
		QueueWait:    cfg.Pool.QueueWait(),
	}, log)

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(svc, hub, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down forgeflow service...")

	// 14. Graceful shutdown: stop accepting requests, let running tasks
	// finish within the shutdown window, then tear everything down
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.CloseAll()

	log.Info("forgeflow service stopped")
}
