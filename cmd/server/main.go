// main.go - Application entry point
//
// PURPOSE:
//   Initializes and starts the pawn credit settlement server.
//   Handles configuration, dependency injection, and graceful shutdown.
//
// STARTUP SEQUENCE:
//   1. Load configuration (.env, then environment, then flags)
//   2. Build the logrus logger
//   3. Initialize SQLite store
//   4. Wire the settlement coordinator and HTTP router
//   5. Start the status sweeper
//   6. Start server with graceful shutdown
//
// COMMAND-LINE FLAGS (override the environment):
//   -port    HTTP server port (PORT, default: 8080)
//   -db      SQLite database path (DB_PATH, default: pawn.db)
//            Use ":memory:" for in-memory database
//   -env     Optional .env file to load (default: .env)
//
// GRACEFUL SHUTDOWN:
//   On SIGINT/SIGTERM:
//   1. Stop the status sweeper
//   2. Stop accepting new connections
//   3. Wait for active requests to complete (30s timeout)
//   4. Close database connection
//
// EXAMPLES:
//   ./server -db="./data/pawn.db"
//   LOG_LEVEL=debug STATUS_SWEEP_SCHEDULE="*/15 * * * *" ./server -port=3000
//
// SEE ALSO:
//   - config/config.go: Environment keys and defaults
//   - api/server.go: Router configuration
//   - store/sqlite/sqlite.go: Database implementation
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/pawn-engine/api"
	"github.com/warp/pawn-engine/config"
	"github.com/warp/pawn-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	envFile := flag.String("env", ".env", "Optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := cfg.NewLogger()

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	coordinator := cfg.NewCoordinator(store, logger)
	handler := api.NewHandler(coordinator)
	router := api.NewRouter(handler)

	sweeper := api.NewStatusSweeper(coordinator, cfg.StatusPolicy(), cfg.StatusSweepSchedule)
	if err := sweeper.Start(); err != nil {
		logger.WithError(err).Fatal("invalid STATUS_SWEEP_SCHEDULE")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.WithFields(logrus.Fields{
			"port": cfg.Port,
			"db":   cfg.DBPath,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	logger.Info("server stopped")
}
