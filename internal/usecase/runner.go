package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/config"
	"gitlab.com/timkado/api/click-attribution/internal/lock"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// RunnerConfig configures the multi-provider runner.
type RunnerConfig struct {
	PoolSize int
	Interval time.Duration
	LockTTL  time.Duration
	// MaxRows caps the rows drained per provider and run. 0 drains everything eligible.
	MaxRows int
}

// RunnerConfigFromConfig maps the enrichment and redis config sections.
func RunnerConfigFromConfig(cfg *config.Config) RunnerConfig {
	return RunnerConfig{
		PoolSize: cfg.Enrichment.PoolSize,
		Interval: cfg.Enrichment.Interval,
		LockTTL:  cfg.Redis.LockTTL,
	}
}

type runnerTask struct {
	ctx     context.Context
	worker  *EnrichmentWorker
	maxRows int
	wg      *sync.WaitGroup
	report  func(model.Provider, BatchResult, error)
}

// Runner drains every registered provider in parallel. At most one drain per
// provider runs at a time across all processes sharing the locker.
type Runner struct {
	workers    []*EnrichmentWorker
	locker     lock.Locker
	cfg        RunnerConfig
	pool       *ants.PoolWithFunc
	baseLogger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewRunner creates a runner over the given workers, one per provider.
func NewRunner(workers []*EnrichmentWorker, locker lock.Locker, cfg RunnerConfig, baseLogger *zap.Logger) (*Runner, error) {
	if len(workers) == 0 {
		return nil, errors.New("runner needs at least one provider worker")
	}
	seen := make(map[model.Provider]bool, len(workers))
	for _, w := range workers {
		if seen[w.Provider()] {
			return nil, fmt.Errorf("duplicate worker for provider %s", w.Provider())
		}
		seen[w.Provider()] = true
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = len(workers)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}

	r := &Runner{
		workers:    workers,
		locker:     locker,
		cfg:        cfg,
		baseLogger: baseLogger.Named("enrichment_runner"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.PoolSize, func(i interface{}) {
		task, ok := i.(runnerTask)
		if !ok {
			r.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		defer task.wg.Done()
		r.drainProvider(task)
	},
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(err interface{}) {
			r.baseLogger.Error("Panic recovered in enrichment runner", zap.Any("panic_error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enrichment runner pool: %w", err)
	}
	r.pool = pool
	r.baseLogger.Info("Enrichment runner initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int("providers", len(workers)),
		zap.Duration("interval", cfg.Interval),
	)
	return r, nil
}

// Providers lists the scheduled providers in a stable order.
func (r *Runner) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Provider())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RunOnce drains every provider once and waits for all of them. Providers
// whose lock is held elsewhere are skipped without error.
func (r *Runner) RunOnce(ctx context.Context) (map[model.Provider]BatchResult, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[model.Provider]BatchResult, len(r.workers))
		errs    []error
	)
	report := func(p model.Provider, res BatchResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		results[p] = res
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}

	for _, w := range r.workers {
		wg.Add(1)
		task := runnerTask{ctx: ctx, worker: w, maxRows: r.cfg.MaxRows, wg: &wg, report: report}
		if err := r.pool.Invoke(task); err != nil {
			wg.Done()
			report(w.Provider(), BatchResult{Provider: w.Provider()}, fmt.Errorf("failed to submit drain: %w", err))
		}
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

func (r *Runner) drainProvider(task runnerTask) {
	provider := task.worker.Provider()
	log := r.baseLogger.With(zap.String("provider", string(provider)))

	lease, err := r.locker.Acquire(task.ctx, "enrich:"+string(provider), r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			log.Info("Another runner is draining this provider, skipping")
			task.report(provider, BatchResult{Provider: provider}, nil)
			return
		}
		task.report(provider, BatchResult{Provider: provider}, err)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			log.Warn("Failed to release provider lock", zap.Error(err))
		}
	}()

	res, err := task.worker.Drain(task.ctx, task.maxRows)
	if err != nil {
		log.Error("Provider drain aborted", zap.Int("processed", res.Total), zap.Error(err))
	}
	task.report(provider, res, err)
}

// Start runs RunOnce immediately and then every interval until Stop or ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped = make(chan struct{})
	stopped := r.stopped
	r.mu.Unlock()

	utils.SafeGo(func() {
		defer close(stopped)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			r.tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}, func(p interface{}, stack []byte) {
		r.baseLogger.Error("Panic recovered in runner loop", zap.Any("panic", p), zap.ByteString("stack", stack))
	})
}

func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	results, err := r.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		r.baseLogger.Error("Scheduled enrichment run finished with errors", zap.Error(err))
	}
	for p, res := range results {
		if res.Total == 0 {
			continue
		}
		r.baseLogger.Info("Scheduled enrichment run",
			zap.String("provider", string(p)),
			zap.Int("total", res.Total),
			zap.Int("success", res.Success),
			zap.Int("not_found", res.NotFound),
			zap.Int("error", res.Error),
			zap.Bool("auth_aborted", res.AuthAborted),
			zap.Duration("run_duration", time.Since(start)))
	}
}

// Stop cancels the schedule, waits for the running drain and releases the pool.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	if r.pool != nil {
		r.baseLogger.Info("Releasing enrichment runner pool")
		r.pool.Release()
	}
}
