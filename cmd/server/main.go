package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/froz-husain/sketchsync/internal/config"
	"github.com/froz-husain/sketchsync/internal/logging"
	"github.com/froz-husain/sketchsync/internal/metrics"
	"github.com/froz-husain/sketchsync/internal/server"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("backend", cfg.Server.Backend),
		zap.Bool("redis", cfg.Server.Redis.Enabled),
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	ctx := context.Background()

	// Storage backend. The sqlite backend wakes feeds in-process and needs
	// no fan-out; postgres instances share change notifications through one.
	var backend server.Backend
	switch cfg.Server.Backend {
	case "postgres":
		var fanout server.Fanout
		if cfg.Server.Redis.Enabled {
			fanout, err = server.NewRedisFanout(ctx, cfg.Server.Redis.URL, logger)
			if err != nil {
				logger.Fatal("Failed to connect to redis", zap.Error(err))
			}
		} else {
			fanout = server.NewLocalFanout()
		}
		defer fanout.Close()

		backend, err = server.NewPostgresBackend(ctx, cfg.Server.Database.URL, cfg.Server.Database.MaxConnections, fanout)
		if err != nil {
			logger.Fatal("Failed to initialize postgres backend", zap.Error(err))
		}
	case "sqlite":
		backend, err = server.NewSQLiteBackend(cfg.Server.DataDir)
		if err != nil {
			logger.Fatal("Failed to initialize sqlite backend", zap.Error(err))
		}
	default:
		logger.Fatal("Unknown backend", zap.String("backend", cfg.Server.Backend))
	}
	defer backend.Close()

	srv := server.New(cfg.Server, backend, m, logger)

	var reaper *server.Reaper
	if cfg.Server.ReaperEnabled {
		reaper = server.NewReaper(backend, cfg.Server.PresenceTTL, cfg.Server.ReapInterval, m, logger)
		reaper.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	if reaper != nil {
		reaper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
