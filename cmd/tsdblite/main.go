// Package main implements the tsdblite entry point: a lightweight
// time-series metric server accepting OpenTSDB-style plaintext and JSON
// submissions on a single multiplexed port, with WebSocket subscriptions
// over the live metric population.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nickman/tsdblite/config"
	"github.com/nickman/tsdblite/httpapi"
	"github.com/nickman/tsdblite/ingest"
	"github.com/nickman/tsdblite/metric"
	"github.com/nickman/tsdblite/natsbridge"
	"github.com/nickman/tsdblite/registry"
	"github.com/nickman/tsdblite/server"
	"github.com/nickman/tsdblite/sub"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "tsdblite"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, cliCfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting tsdblite",
		"version", Version,
		"listen", cfg.ListenAddr(),
		"config_path", cliCfg.ConfigPath)

	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	return app.runWithSignalHandling(cliCfg.ShutdownTimeout)
}

// app holds the constructed components in their start/stop order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	cache   *metric.Cache
	manager *sub.Manager
	bridge  *natsbridge.Bridge
	server  *server.Server
}

// buildApp wires the components. Listeners and create hooks must be
// registered before the cache starts, so construction order matters:
// registry, cache, subscription manager, bridge, then the transports.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	reg := registry.New()
	exposer, err := registry.NewPromExposer(reg)
	if err != nil {
		return nil, fmt.Errorf("create live metric exposer: %w", err)
	}

	cache := metric.NewCache(metric.CacheConfig{
		Expiry:        cfg.Cache.Expiry,
		ExpiryPeriod:  cfg.Cache.ExpiryPeriod,
		ExpiryWorkers: cfg.Cache.ExpiryWorkers,
		MinTags:       cfg.Cache.MinTags,
		MaxTags:       cfg.Cache.MaxTags,
		EventBuffer:   cfg.Cache.EventBuffer,
	}, exposer, logger, metric.WithCacheMetrics(reg))

	manager := sub.NewManager(sub.Config{
		DispatchWorkers: cfg.Sub.DispatchWorkers,
		DispatchQueue:   cfg.Sub.DispatchQueue,
		WriteTimeout:    cfg.Sub.WriteTimeout,
	}, cache, logger, sub.WithManagerMetrics(reg))

	bridge := natsbridge.New(cfg.NATS, cache, logger)

	ingestor := ingest.NewIngestor(cache, logger)
	handler := httpapi.NewHandler(httpapi.Deps{
		Ingestor:     ingestor,
		Manager:      manager,
		Cache:        cache,
		Registry:     reg,
		Logger:       logger,
		WriteTimeout: cfg.Sub.WriteTimeout,
	})

	srv := server.New(cfg.Server, ingestor, handler, logger,
		server.WithCoreMetrics(reg.Core))

	return &app{
		cfg:     cfg,
		logger:  logger,
		cache:   cache,
		manager: manager,
		bridge:  bridge,
		server:  srv,
	}, nil
}

// runWithSignalHandling starts the components, waits for SIGINT/SIGTERM and
// stops everything in reverse order.
func (a *app) runWithSignalHandling(shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := a.manager.Start(signalCtx); err != nil {
		return fmt.Errorf("start subscription manager: %w", err)
	}
	if err := a.cache.Start(signalCtx); err != nil {
		return fmt.Errorf("start metric cache: %w", err)
	}

	// The bridge connect may retry for a while; bring it up alongside the
	// listener so a slow NATS server never delays ingestion.
	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		if err := a.bridge.Start(gctx); err != nil {
			return fmt.Errorf("start event bridge: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.server.Start(gctx); err != nil {
			return fmt.Errorf("start listener: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		a.stop(shutdownTimeout)
		return err
	}

	a.logger.Info("tsdblite started", "listen", a.server.Addr().String())

	<-signalCtx.Done()
	a.logger.Info("Received shutdown signal")
	a.stop(shutdownTimeout)
	return nil
}

// stop tears the components down in reverse start order; failures are
// logged, not propagated, so every component gets its chance to stop.
func (a *app) stop(timeout time.Duration) {
	if err := a.server.Stop(timeout); err != nil {
		a.logger.Warn("listener stop failed", "error", err)
	}
	if err := a.bridge.Stop(timeout); err != nil {
		a.logger.Warn("event bridge stop failed", "error", err)
	}
	if err := a.cache.Stop(timeout); err != nil {
		a.logger.Warn("metric cache stop failed", "error", err)
	}
	if err := a.manager.Stop(timeout); err != nil {
		a.logger.Warn("subscription manager stop failed", "error", err)
	}
	a.logger.Info("Shutdown complete")
}
