package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/config"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/observer"
	"gitlab.com/timkado/api/click-attribution/internal/storage"
	"gitlab.com/timkado/api/click-attribution/internal/tenant"
	"gitlab.com/timkado/api/click-attribution/internal/upstream"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// Row outcomes, also used as metric labels.
const (
	outcomeResolved = "resolved"
	outcomeNotFound = "not_found"
	outcomeError    = "error"
)

// WorkerConfig drives an EnrichmentWorker.
type WorkerConfig struct {
	BatchSize    int
	StaleAfter   time.Duration
	BatchTimeout time.Duration
	// SeedOnMiss posts a conversion event for ids the search cannot resolve.
	SeedOnMiss bool
	EventName  string
}

// WorkerConfigFromConfig maps the enrichment config section.
func WorkerConfigFromConfig(cfg *config.Config) WorkerConfig {
	return WorkerConfig{
		BatchSize:    cfg.Enrichment.BatchSize,
		StaleAfter:   cfg.Enrichment.StaleAfter,
		BatchTimeout: cfg.Enrichment.BatchTimeout,
		SeedOnMiss:   cfg.Enrichment.SeedOnMiss,
		EventName:    cfg.Facebook.EventName,
	}
}

// BatchResult counts row outcomes of one or more batches.
type BatchResult struct {
	Provider    model.Provider `json:"provider"`
	Total       int            `json:"total"`
	Success     int            `json:"success"`
	NotFound    int            `json:"not_found"`
	Error       int            `json:"error"`
	AuthAborted bool           `json:"auth_aborted"`
	Duration    time.Duration  `json:"duration"`
}

// Add accumulates o into r.
func (r *BatchResult) Add(o BatchResult) {
	r.Total += o.Total
	r.Success += o.Success
	r.NotFound += o.NotFound
	r.Error += o.Error
	r.AuthAborted = r.AuthAborted || o.AuthAborted
	r.Duration += o.Duration
}

func (r *BatchResult) count(outcome string) {
	r.Total++
	switch outcome {
	case outcomeResolved:
		r.Success++
	case outcomeNotFound:
		r.NotFound++
	case outcomeError:
		r.Error++
	}
}

// EnrichmentWorker drives the clicks of one provider from pending to a terminal state.
type EnrichmentWorker struct {
	store      storage.ClickRepo
	resolver   Resolver
	cfg        WorkerConfig
	baseLogger *zap.Logger
}

// NewEnrichmentWorker creates a worker. The resolver should be shared by all
// workers of a process so rate limits are accounted once.
func NewEnrichmentWorker(store storage.ClickRepo, resolver Resolver, cfg WorkerConfig, baseLogger *zap.Logger) *EnrichmentWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * 24 * time.Hour
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Minute
	}
	if cfg.EventName == "" {
		cfg.EventName = "Lead"
	}
	return &EnrichmentWorker{
		store:      store,
		resolver:   resolver,
		cfg:        cfg,
		baseLogger: baseLogger.Named("enrichment_worker").With(zap.String("provider", string(resolver.Provider()))),
	}
}

// Provider returns the provider this worker enriches.
func (w *EnrichmentWorker) Provider() model.Provider {
	return w.resolver.Provider()
}

// RunBatch enriches up to limit rows (the configured batch size when limit <= 0).
//
// Per-row failures are counted, never returned. The batch is aborted with an
// error on an auth failure, a corrupted store, or cancellation; rows processed
// before the abort keep their new state.
func (w *EnrichmentWorker) RunBatch(ctx context.Context, limit int) (BatchResult, error) {
	result, _, err := w.runBatch(ctx, limit, nil)
	return result, err
}

// Drain runs batches until no eligible row is left, maxRows rows were
// processed (0 means no cap) or a batch aborts. Rows that end a batch in
// error are not retried within the same drain.
func (w *EnrichmentWorker) Drain(ctx context.Context, maxRows int) (BatchResult, error) {
	total := BatchResult{Provider: w.Provider()}
	seen := make(map[string]struct{})
	for {
		limit := w.cfg.BatchSize
		if maxRows > 0 {
			remaining := maxRows - total.Total
			if remaining <= 0 {
				return total, nil
			}
			limit = min(limit, remaining)
		}

		result, processed, err := w.runBatch(ctx, limit, seen)
		total.Add(result)
		if err != nil {
			return total, err
		}
		if processed == 0 {
			return total, nil
		}
	}
}

// runBatch selects and processes one batch, skipping rows in seen. It
// returns how many rows were processed.
func (w *EnrichmentWorker) runBatch(ctx context.Context, limit int, seen map[string]struct{}) (BatchResult, int, error) {
	if limit <= 0 {
		limit = w.cfg.BatchSize
	}
	provider := w.Provider()
	result := BatchResult{Provider: provider}

	runID := uuid.NewString()
	ctx = tenant.WithRunID(ctx, runID)
	log := w.baseLogger.With(zap.String("run_id", runID))
	ctx = logger.WithLogger(ctx, log)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.BatchTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		observer.ObserveEnrichmentBatch(string(provider), result.Duration)
	}()

	// Over-fetch by the rows already seen so they cannot starve the batch.
	fetch := limit + len(seen)
	rows, err := w.store.SelectForEnrichment(ctx, fetch, provider, w.cfg.StaleAfter)
	if err != nil {
		log.Error("Failed to select rows for enrichment", zap.Error(err))
		return result, 0, err
	}

	processed := 0
	for i := range rows {
		if processed >= limit {
			break
		}
		row := &rows[i]
		if seen != nil {
			if _, ok := seen[row.RawID]; ok {
				continue
			}
			seen[row.RawID] = struct{}{}
		}

		if err := ctx.Err(); err != nil {
			log.Warn("Enrichment batch interrupted", zap.Int("processed", processed), zap.Error(err))
			return result, processed, err
		}

		outcome, err := w.processRow(ctx, row)
		if err != nil {
			var authErr *apperrors.AuthFailure
			if errors.As(err, &authErr) {
				result.AuthAborted = true
				observer.IncEnrichmentAuthAbort(string(provider))
			}
			return result, processed, err
		}
		processed++
		result.count(outcome)
	}

	if result.Total > 0 {
		log.Info("Enrichment batch finished",
			zap.Int("total", result.Total),
			zap.Int("success", result.Success),
			zap.Int("not_found", result.NotFound),
			zap.Int("error", result.Error),
			zap.Duration("duration", time.Since(start)))
	}
	return result, processed, nil
}

// EnrichRow enriches one row outside of a batch and returns its new state.
func (w *EnrichmentWorker) EnrichRow(ctx context.Context, row *model.ClickIdentifier) (model.State, error) {
	if row.Provider != w.Provider() {
		return row.State, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedProvider, row.Provider)
	}
	outcome, err := w.processRow(ctx, row)
	if err != nil {
		var authErr *apperrors.AuthFailure
		if errors.As(err, &authErr) {
			observer.IncEnrichmentAuthAbort(string(w.Provider()))
		}
		return row.State, err
	}
	switch outcome {
	case outcomeResolved:
		return model.StateResolved, nil
	case outcomeNotFound:
		return model.StateNotFound, nil
	default:
		return model.StateError, nil
	}
}

// processRow resolves one row and records the outcome. A non-nil error aborts the batch.
func (w *EnrichmentWorker) processRow(ctx context.Context, row *model.ClickIdentifier) (string, error) {
	eventID := uuid.NewString()
	log := logger.FromContextOr(ctx, w.baseLogger).With(
		zap.String("raw_id", row.RawID),
		zap.String("event_id", eventID),
	)
	ctx = tenant.WithTenant(ctx, row.Tenant)

	tuple, err := w.resolver.SearchCampaign(ctx, row.CanonicalID)
	if err != nil {
		return w.handleSearchError(ctx, log, row, err)
	}

	if tuple == nil {
		if w.cfg.SeedOnMiss {
			if err := w.seed(ctx, log, row, eventID); err != nil {
				return "", err
			}
		}
		return w.record(ctx, log, row, outcomeNotFound, w.store.SetNotFound(ctx, row.RawID, nil))
	}

	return w.record(ctx, log, row, outcomeResolved, w.store.SetResolved(ctx, row.RawID, tuple))
}

func (w *EnrichmentWorker) handleSearchError(ctx context.Context, log *zap.Logger, row *model.ClickIdentifier, err error) (string, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}
	if errors.Is(err, apperrors.ErrAuthFailure) {
		return "", w.authFailure(log, err)
	}

	if ue, ok := apperrors.AsUpstream(err); ok && ue.IsSearchMiss() {
		log.Debug("Upstream rejected the id as unknown, caching as not found", zap.Error(err))
		return w.record(ctx, log, row, outcomeNotFound, w.store.SetNotFound(ctx, row.RawID, nil))
	}

	log.Warn("Enrichment failed for row", zap.Error(err))
	return w.record(ctx, log, row, outcomeError, w.store.SetError(ctx, row.RawID, err.Error()))
}

// seed posts a conversion event for a search miss. Only auth failures and
// cancellation stop the batch; other failures are logged.
func (w *EnrichmentWorker) seed(ctx context.Context, log *zap.Logger, row *model.ClickIdentifier, eventID string) error {
	eventTime := utils.Now()
	if row.CreationTimeHint != nil && !row.CreationTimeHint.IsZero() {
		eventTime = *row.CreationTimeHint
	}
	received, err := w.resolver.PushConversionEvent(ctx, upstream.ConversionEvent{
		CanonicalID: row.CanonicalID,
		EventName:   w.cfg.EventName,
		EventTime:   eventTime,
		EventID:     eventID,
	})
	switch {
	case err == nil:
		log.Debug("Seeded conversion event for search miss", zap.Int("events_received", received))
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, apperrors.ErrAuthFailure):
		return w.authFailure(log, err)
	default:
		log.Warn("Failed to seed conversion event", zap.Error(err))
		return nil
	}
}

// record applies the store write of an outcome. Only a corrupted store aborts.
func (w *EnrichmentWorker) record(ctx context.Context, log *zap.Logger, row *model.ClickIdentifier, outcome string, writeErr error) (string, error) {
	if writeErr == nil {
		observer.IncEnrichmentRow(string(row.Provider), outcome)
		return outcome, nil
	}
	if errors.Is(writeErr, apperrors.ErrStoreCorrupted) {
		log.Error("Attribution store corrupted, aborting enrichment", zap.Error(writeErr))
		return "", writeErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	log.Error("Failed to record enrichment outcome",
		zap.String("outcome", outcome),
		zap.String("error_type", observer.SanitizeErrorType(writeErr.Error())),
		zap.Error(writeErr))
	observer.IncEnrichmentRow(string(row.Provider), outcomeError)
	return outcomeError, nil
}

// authFailure builds the batch-aborting error and emits the operator alert.
func (w *EnrichmentWorker) authFailure(log *zap.Logger, err error) error {
	af := apperrors.NewAuthFailure(string(w.Provider()), w.resolver.Fingerprint(), err)
	log.Error("Upstream authentication failed",
		zap.String("token_fingerprint", af.Fingerprint),
		zap.Int("vendor_code", af.Code),
		zap.Int("vendor_subcode", af.Subcode),
		zap.String("provider", af.Provider),
		zap.Error(err))
	return af
}
