package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coldstack/tapebackarr/internal/api"
	"github.com/coldstack/tapebackarr/internal/auth"
	"github.com/coldstack/tapebackarr/internal/config"
	"github.com/coldstack/tapebackarr/internal/database"
	"github.com/coldstack/tapebackarr/internal/logging"
	"github.com/coldstack/tapebackarr/internal/notify"
	"github.com/coldstack/tapebackarr/internal/pipeline"
	"github.com/coldstack/tapebackarr/internal/scheduler"
	"github.com/coldstack/tapebackarr/internal/tapectl"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "/etc/tapebackarr/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TapeBackarr v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("Starting TapeBackarr", map[string]interface{}{
		"version": version,
		"config":  *configPath,
	})

	// Initialize database
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		logger.Error("Failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("Database initialized", map[string]interface{}{"path": cfg.Database.Path})

	// Initialize services
	authService := auth.NewService(db, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration)
	tapeCtl := tapectl.NewDeviceController(cfg.Pipeline.DefaultDevice, logger)

	// Notification fanout: Telegram, email, and (once the API server
	// exists) the SSE event bus, so pipeline lifecycle events reach
	// every configured channel through the same interface.
	notifiers := []notify.Notifier{
		notify.NewTelegramNotifier(cfg.Notifications.Telegram),
		notify.NewEmailNotifier(cfg.Notifications.Email),
	}
	fanout := notify.NewFanout(notifiers...)

	pipelineCtrl := pipeline.New(db, cfg.Pipeline, logger, tapeCtl, fanout)

	// The scheduler drives unattended cron runs; manual runs go through
	// the API's /tasks/{id}/run handler directly against pipelineCtrl.
	taskRunner := func(ctx context.Context, taskID int64) error {
		return pipelineCtrl.ExecuteTask(ctx, taskID, nil, false)
	}
	schedulerService := scheduler.NewService(db, logger, taskRunner)

	// Create API server
	server := api.NewServer(
		db,
		authService,
		pipelineCtrl,
		schedulerService,
		logger,
		cfg.Server.StaticDir,
		cfg,
	)

	// Wire the event bus into the notification fanout so pipeline events
	// also reach the frontend's SSE stream.
	fanout.Add(api.NewEventBusNotifier(server.EventBus()))

	// Start scheduler
	if err := schedulerService.Start(); err != nil {
		logger.Error("Failed to start scheduler", map[string]interface{}{"error": err.Error()})
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Long timeout for tape operations
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting HTTP server", map[string]interface{}{"address": addr})
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", map[string]interface{}{"signal": sig.String()})

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop scheduler
	schedulerService.Stop()

	// Shutdown HTTP server
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", map[string]interface{}{"error": err.Error()})
	}
}
