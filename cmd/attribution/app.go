package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/config"
	"gitlab.com/timkado/api/click-attribution/internal/lock"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/observer"
	"gitlab.com/timkado/api/click-attribution/internal/storage"
	"gitlab.com/timkado/api/click-attribution/internal/upstream"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// app carries the configuration and the shared handles every command builds on.
// The upstream client is created once so all workers share its rate limiter.
type app struct {
	configPath string
	logLevel   string
	jsonOutput bool

	cfg    *config.Config
	log    *zap.Logger
	store  *storage.Store
	client *upstream.Client
	closer []func()
}

func (a *app) init(_ context.Context) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Initialize(cfg.LogLevel, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	observer.InitMetrics(cfg.Metrics.Enabled)

	a.cfg = cfg
	a.log = logger.Log
	return nil
}

// openStore opens the attribution store once per process.
func (a *app) openStore(ctx context.Context, autoMigrate bool) (*storage.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := storage.Open(ctx, storage.Options{
		Driver:      a.cfg.Database.Driver,
		Path:        a.cfg.Database.Path,
		DSN:         a.cfg.Database.PostgresDSN,
		AutoMigrate: autoMigrate,
	})
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closer = append(a.closer, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			a.log.Error("Failed to close attribution store", zap.Error(err))
		}
	})
	return store, nil
}

func (a *app) upstreamClient() *upstream.Client {
	if a.client == nil {
		a.client = upstream.New(upstream.OptionsFromConfig(a.cfg))
	}
	return a.client
}

// resolverFor returns the upstream resolver of provider. Only facebook has one.
func (a *app) resolverFor(provider model.Provider) (usecase.Resolver, error) {
	if provider != model.ProviderFacebook {
		return nil, fmt.Errorf("%w: no upstream resolver for %s", apperrors.ErrUnsupportedProvider, provider)
	}
	if a.cfg.Facebook.AccessToken == "" {
		return nil, fmt.Errorf("%w: FB_ACCESS_TOKEN is not set", apperrors.ErrValidation)
	}
	return a.upstreamClient(), nil
}

// workers builds one enrichment worker per configured provider that has a
// resolver. Providers without one are logged and skipped.
func (a *app) workers(store storage.ClickRepo, providers []string, wcfg usecase.WorkerConfig) ([]*usecase.EnrichmentWorker, error) {
	var out []*usecase.EnrichmentWorker
	for _, name := range providers {
		provider, err := model.ParseProvider(name)
		if err != nil {
			return nil, err
		}
		resolver, err := a.resolverFor(provider)
		if err != nil {
			a.log.Warn("Skipping provider without resolver", zap.String("provider", string(provider)), zap.Error(err))
			continue
		}
		out = append(out, usecase.NewEnrichmentWorker(store, resolver, wcfg, a.log))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of the providers %v can be enriched", apperrors.ErrUnsupportedProvider, providers)
	}
	return out, nil
}

// locker coordinates runners across processes when redis is configured.
func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return lock.NewLocalLocker(), nil
	}
	rdb, err := lock.NewRedisClient(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.closer = append(a.closer, func() { _ = rdb.Close() })
	return lock.NewRedisLocker(rdb), nil
}

func (a *app) facade(store storage.ClickRepo, enrichers ...usecase.RowEnricher) *usecase.Facade {
	return usecase.NewFacade(store, enrichers, a.cfg.Tenant.Default, a.log)
}

func (a *app) close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i]()
	}
	a.closer = nil
}

// print writes v as indented JSON when --json is set, otherwise calls text.
func (a *app) print(w io.Writer, v interface{}, text func(w io.Writer)) error {
	if !a.jsonOutput {
		text(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// partial turns a result with errored rows into ErrPartial.
func partial(errored, total int) error {
	if errored == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d rows errored", apperrors.ErrPartial, errored, total)
}

func parseWindow(from, to string) (time.Time, time.Time, error) {
	var f, t time.Time
	var err error
	if from != "" {
		if f, err = utils.ParseTimestamp(from); err != nil {
			return f, t, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if t, err = utils.ParseTimestamp(to); err != nil {
			return f, t, fmt.Errorf("--to: %w", err)
		}
	}
	return f, t, nil
}
