// Package main contains the entrypoint for the ChatLens server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/ingest"
	"github.com/chatlens/chatlens/internal/logger"
	"github.com/chatlens/chatlens/internal/metrics"
	"github.com/chatlens/chatlens/internal/notify"
	"github.com/chatlens/chatlens/internal/server"
	"github.com/chatlens/chatlens/internal/stats"
	"github.com/chatlens/chatlens/internal/tasks"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop() // Ensure context cancellation is signaled before exit
	os.Exit(exitCode)
}

// run initializes and starts all application components (config, logger, db,
// ingestion, stats, server, scheduler), handles graceful shutdown, and returns
// an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Telegram.Token != "" {
		notifier, err = notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.AdminChatID, log)
		if err != nil {
			log.Error("Failed to create Telegram notifier", "error", err)
			return 1
		}
		log.Info("Telegram import notifications enabled", "chat_id", cfg.Telegram.AdminChatID)
	}

	coordinator := ingest.NewCoordinator(store, log)
	engine := stats.NewEngine(store, log)

	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{Logger: log, Store: store})
	scheduler, err := server.NewScheduler(log, &cfg.Scheduler, taskMap)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := server.New(log, cfg, store, coordinator, engine, m, notifier, scheduler, registry)

	log.Info("Starting ChatLens...")
	runErr := app.Run(ctx) // Run blocks until context is cancelled or an error occurs
	log.Info("Run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Server stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Server stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
