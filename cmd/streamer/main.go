package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meltingice/hyperliquid-sub002/internal/config"
	"github.com/meltingice/hyperliquid-sub002/internal/connection"
	"github.com/meltingice/hyperliquid-sub002/internal/database"
	"github.com/meltingice/hyperliquid-sub002/internal/router"
	"github.com/meltingice/hyperliquid-sub002/internal/subscription"
	"github.com/meltingice/hyperliquid-sub002/internal/version"
	"github.com/meltingice/hyperliquid-sub002/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/streamer.example.yaml", "path to config file")
	envPath := flag.String("env", "", "optional .env file (default: ./.env if present)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Set up structured logging; the level is adjusted once config is loaded.
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.String(),
		"config", *configPath,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *envPath, &level, logger); err != nil {
		logger.Error("streamer failed", "error", err)
		cancel()
		os.Exit(1)
	}
	logger.Info("streamer stopped")
}

// run starts every component and blocks until ctx is done. Components that
// started are stopped by deferred calls on every return path.
func run(ctx context.Context, configPath, envPath string, level *slog.LevelVar, logger *slog.Logger) error {
	if err := config.LoadEnvFile(envPath); err != nil {
		return err
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	lvl, _ := cfg.Log.SlogLevel()
	level.Set(lvl)

	descs, err := resolveSubscriptions(cfg.Subscriptions)
	if err != nil {
		return err
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.API.WSURL,
		"subscriptions", len(descs),
		"persistence", cfg.Database.Enabled(),
	)

	deps := healthDeps{}

	// Optional persistence
	var store connection.Store
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database, cfg.Instance.ID)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := writer.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		w := writer.NewEventWriter(writer.WriterConfig{
			BatchSize:     cfg.Writers.BatchSize,
			FlushInterval: cfg.Writers.FlushInterval,
			BufferSize:    cfg.Writers.BufferSize,
		}, pool, logger.With("component", "writer"))
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start writer: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			w.Stop(stopCtx)
		}()

		store = w
		deps.db = pool
		deps.writer = w
		logger.Info("database connected")
	}

	bus := router.NewBus(router.DefaultBusConfig(), logger.With("component", "bus"))
	defer bus.Close()
	deps.bus = bus

	deps.failures = newFailureLog(100)
	go deps.failures.consume(bus.Subscribe(connection.TopicSubscriptionFailed))

	manager := connection.NewManager(managerConfig(cfg), store, bus, logger.With("component", "manager"))
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	// Registered after the writer's Stop so the manager stops first.
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		manager.Stop(stopCtx)
	}()
	deps.manager = manager

	for _, desc := range descs {
		id, err := manager.Subscribe(desc, nil)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", desc.Channel(), err)
		}
		key, _ := desc.RoutingKey()
		logger.Info("subscribed", "id", id, "channel", desc.Channel(), "conn", key, "persist", desc.Persist())
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(deps, logger),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("streamer running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	return nil
}

// resolveSubscriptions turns the configured entries into descriptors, failing
// on the first invalid one.
func resolveSubscriptions(entries []config.SubscriptionConfig) ([]subscription.Descriptor, error) {
	descs := make([]subscription.Descriptor, 0, len(entries))
	for i, sc := range entries {
		desc, err := sc.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("subscriptions[%d] (%s): %w", i, sc.Channel, err)
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// managerConfig maps the connections section onto the connection package.
func managerConfig(cfg *config.StreamerConfig) connection.ManagerConfig {
	cc := cfg.Connections
	return connection.ManagerConfig{
		Conn: connection.ConnConfig{
			Client: connection.ClientConfig{
				URL:              cfg.API.WSURL,
				HandshakeTimeout: cc.HandshakeTimeout,
				WriteTimeout:     cc.WriteTimeout,
				BufferSize:       cc.BufferSize,
			},
			ConnectTimeout: cc.ConnectTimeout,
			PingInterval:   cc.PingInterval,
			StaleTimeout:   cc.StaleTimeout,
			Backoff:        connection.Backoff{Steps: cc.Backoff},
		},
		DialsPerMinute: cc.DialsPerMinute,
		MailboxSize:    cc.MailboxSize,
	}
}

// decodeFailure extracts the failure payload of a subscription.failed event.
func decodeFailure(data json.RawMessage) (connection.FailureMsg, error) {
	var msg connection.FailureMsg
	err := json.Unmarshal(data, &msg)
	return msg, err
}
