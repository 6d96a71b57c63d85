package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/broadcast"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/config"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/logging"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/simulation"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runGracefulShutdown(srv *broadcast.HTTPServer, server *broadcast.Server, cancelWatcher context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancelWatcher()
		server.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Broadcast server starting",
		"env", cfg.AppEnv,
		"port", cfg.BroadcastPort,
		"version", version.Get().Version,
	)

	store := simulation.NewStore()
	if _, err := store.LoadLatest(cfg.DataDir, cfg.FilePattern); err != nil {
		// An empty data directory is fine; the simulator may not have
		// produced a file yet and the watcher picks it up when it does.
		slog.Warn("No simulation loaded at startup", "error", err)
	}

	watcher, err := simulation.NewWatcher(cfg.DataDir, cfg.FilePattern, clock)
	if err != nil {
		slog.Error("Failed to create file watcher", "error", err)
		os.Exit(1)
	}

	server := broadcast.NewServer(store, cfg.DataDir, cfg.FilePattern, cfg.PredictionsDir, clock)

	watcherCtx, cancelWatcher := context.WithCancel(context.Background())
	go func() {
		if err := watcher.Run(watcherCtx); err != nil {
			slog.Error("File watcher stopped", "error", err)
		}
	}()
	go func() {
		for event := range watcher.Events() {
			server.NotifyFileEvent(event)
		}
	}()

	srv := broadcast.NewHTTPServer(cfg, server)
	done := runGracefulShutdown(srv, server, cancelWatcher)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
