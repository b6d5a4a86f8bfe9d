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

	"golang.org/x/sync/errgroup"

	"github.com/edvin/ordertrack/internal/api"
	"github.com/edvin/ordertrack/internal/config"
	"github.com/edvin/ordertrack/internal/db"
	"github.com/edvin/ordertrack/internal/logging"
	"github.com/edvin/ordertrack/internal/metrics"
	"github.com/edvin/ordertrack/internal/notify"
	"github.com/edvin/ordertrack/internal/tenant"
	"github.com/edvin/ordertrack/internal/workflow"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run directory database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations/directory", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("ordertrack-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running directory migrations")
		if err := db.RunMigrations(cfg.DirectoryDatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directoryPool, err := db.NewDirectoryPool(ctx, cfg.DirectoryDatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to directory database")
	}
	defer directoryPool.Close()

	directory := tenant.NewDirectory(directoryPool)
	registry := tenant.NewRegistry(directory, tenant.PgxConnector(cfg.TenantPoolMaxConns), tenant.RegistryConfig{
		ConnectTimeout: cfg.TenantConnectTimeout,
		IdleTimeout:    cfg.TenantIdleTimeout,
		SweepInterval:  cfg.TenantSweepInterval,
	}, logger)

	hub := notify.NewHub(logger)
	defs := workflow.NewDefinitionStore()
	engine := workflow.NewEngine(defs, hub, logger, workflow.EngineConfig{
		AllowStageRegression: cfg.WorkflowAllowRegression,
	})
	bootstrapper := workflow.NewBootstrapper(registry, engine, logger, cfg.BootstrapQueueSize)

	metrics.RegisterDirectoryPoolMetrics(directoryPool)
	metrics.RegisterTenantRegistryMetrics(registry)

	srv := api.NewServer(logger, directoryPool, directory, registry, engine, bootstrapper, hub, cfg)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting ordertrack API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := registry.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := bootstrapper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
			return nil
		}

		logger.Info().Msg("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
