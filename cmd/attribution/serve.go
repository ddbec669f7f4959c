package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/httpapi"
	"gitlab.com/timkado/api/click-attribution/internal/ingestion"
	"gitlab.com/timkado/api/click-attribution/internal/jetstream"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the read API, the periodic enrichment scheduler and the NATS ingest consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve reads only, never enrich in the background")
	return cmd
}

func runServe(ctx context.Context, a *app, withScheduler bool) error {
	cfg := a.cfg
	log := a.log
	log.Info("Starting click attribution service",
		zap.String("environment", cfg.Environment),
		zap.String("version", Version),
		zap.String("database_driver", cfg.Database.Driver),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
	)

	store, err := a.openStore(ctx, cfg.Database.AutoMigrate)
	if err != nil {
		return err
	}

	var (
		runner    *usecase.Runner
		enrichers []usecase.RowEnricher
	)
	workers, err := a.workers(store, cfg.Enrichment.Providers, usecase.WorkerConfigFromConfig(cfg))
	if err != nil {
		log.Warn("Enrichment disabled", zap.Error(err))
	}
	for _, w := range workers {
		enrichers = append(enrichers, w)
	}
	if withScheduler && len(workers) > 0 {
		locker, err := a.locker(ctx)
		if err != nil {
			return err
		}
		if runner, err = usecase.NewRunner(workers, locker, usecase.RunnerConfigFromConfig(cfg), log); err != nil {
			return err
		}
	}

	facade := a.facade(store, enrichers...)
	ingest := usecase.NewIngestService(store, cfg.Enrichment.BatchSize, cfg.Tenant.Default, log)

	var (
		jsClient *jetstream.Client
		consumer *ingestion.Consumer
	)
	if cfg.NATS.Enabled {
		jsClient, err = jetstream.NewClient(cfg.NATS.URL, "click-attribution")
		if err != nil {
			return fmt.Errorf("failed to create JetStream client: %w", err)
		}
		consumer = ingestion.NewConsumer(jsClient, ingest, ingestion.ConsumerConfigFromConfig(cfg), log)
		if err := consumer.Setup(ctx); err != nil {
			jsClient.Close()
			return err
		}
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	deps := httpapi.Deps{
		Querier:  facade,
		Ingester: ingest,
		Store:    store,
		Version:  Version,
	}
	if jsClient != nil {
		deps.Bus = jsClient
	}
	server := httpapi.NewServer(cfg.Server.Port, deps, log)
	if cfg.Metrics.Enabled {
		server.RegisterMetricsHandler(promhttp.Handler())
		log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	}
	server.Start()

	if runner != nil {
		runner.Start(ctx)
		log.Info("Enrichment scheduler started",
			zap.Any("providers", runner.Providers()),
			zap.Duration("interval", cfg.Enrichment.Interval))
	}
	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			log.Error("Failed to start ingest consumer", zap.Error(err))
		}
	}

	<-ctx.Done()
	log.Info("Received termination signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	var wg sync.WaitGroup
	step := func(name string, fn func()) {
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			log.Info("[shutdown] Stopping " + name)
			start := time.Now()
			fn()
			log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
		}, func(r interface{}, stack []byte) {
			log.Error("[shutdown] Panic while stopping "+name,
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
		})
	}

	step("HTTP API server", func() {
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("[shutdown] Error stopping HTTP API server", zap.Error(err))
		}
	})
	if runner != nil {
		step("enrichment scheduler", runner.Stop)
	}
	if consumer != nil {
		step("ingest consumer", func() {
			consumer.Stop()
			jsClient.Close()
		})
	}

	// Wait with a timeout for all components to shut down
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}
	return nil
}
