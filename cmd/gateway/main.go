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

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/config"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/gateway"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/logging"
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

func runGracefulShutdown(gw *gateway.Gateway) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			slog.Error("Gateway shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Relay gateway starting",
		"env", cfg.AppEnv,
		"port", cfg.GatewayPort,
		"upstream", cfg.UpstreamWSURL,
		"version", version.Get().Version,
	)

	gw := gateway.NewGateway(cfg, clock)
	done := runGracefulShutdown(gw)

	if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Gateway error", "error", err)
		os.Exit(1)
	}

	<-done
}
