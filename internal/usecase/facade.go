package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/storage"
	"gitlab.com/timkado/api/click-attribution/internal/upstream"
	"gitlab.com/timkado/api/click-attribution/internal/validator"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

const defaultListLimit = 500

// LookupOptions tunes AttributionFor.
type LookupOptions struct {
	// Enrich resolves a missing or pending id synchronously with a single upstream round-trip.
	Enrich           bool
	Provider         model.Provider
	Tenant           string
	CreationTimeHint *time.Time
}

// Facade is the read side used by dashboards and the CLI.
//
// Only a corrupted store, an upstream auth failure, cancellation and caller
// errors are returned. Other store failures degrade to an errored view so a
// dashboard never crashes on a single row.
type Facade struct {
	store         storage.ClickRepo
	enrichers     map[model.Provider]RowEnricher
	defaultTenant string
	readOnly      atomic.Bool
	baseLogger    *zap.Logger
}

// NewFacade creates a facade. enrichers may be empty, in which case lookups never enrich.
func NewFacade(store storage.ClickRepo, enrichers []RowEnricher, defaultTenant string, baseLogger *zap.Logger) *Facade {
	if defaultTenant == "" {
		defaultTenant = model.DefaultTenant
	}
	byProvider := make(map[model.Provider]RowEnricher, len(enrichers))
	for _, e := range enrichers {
		byProvider[e.Provider()] = e
	}
	return &Facade{
		store:         store,
		enrichers:     byProvider,
		defaultTenant: defaultTenant,
		baseLogger:    baseLogger.Named("query_facade"),
	}
}

// ReadOnly reports whether writes were disabled after store corruption was detected.
func (f *Facade) ReadOnly() bool {
	return f.readOnly.Load()
}

// AttributionFor returns the view of one id, enriching it first when asked to.
func (f *Facade) AttributionFor(ctx context.Context, rawID string, opts LookupOptions) (model.Attribution, error) {
	if !validator.IsClickID(rawID) {
		return model.Attribution{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidIdentifier, rawID)
	}
	log := logger.FromContextOr(ctx, f.baseLogger).With(zap.String("raw_id", rawID))

	row, err := f.store.Get(ctx, rawID)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrNotFound):
		row = nil
	default:
		if perr := f.propagate(err); perr != nil {
			return model.Attribution{}, perr
		}
		log.Error("Failed to read attribution", zap.Error(err))
		return model.ErroredAttribution(rawID), nil
	}

	if !opts.Enrich || (row != nil && row.State != model.StatePending) {
		return viewOf(rawID, row), nil
	}
	return f.enrichNow(ctx, log, rawID, row, opts)
}

func (f *Facade) enrichNow(ctx context.Context, log *zap.Logger, rawID string, row *model.ClickIdentifier, opts LookupOptions) (model.Attribution, error) {
	if f.ReadOnly() {
		log.Warn("Store is read-only, serving without enrichment")
		return viewOf(rawID, row), nil
	}

	if row == nil {
		provider := opts.Provider
		if provider == "" {
			provider = model.ProviderFacebook
		}
		tenantID := opts.Tenant
		if tenantID == "" {
			tenantID = f.defaultTenant
		}
		inserted, err := f.store.UpsertPending(ctx, model.PendingClick{
			RawID:            rawID,
			Provider:         provider,
			Tenant:           tenantID,
			CreationTimeHint: opts.CreationTimeHint,
		})
		if err != nil {
			if perr := f.propagate(err); perr != nil {
				return model.Attribution{}, perr
			}
			log.Error("Failed to insert pending row", zap.Error(err))
			return model.ErroredAttribution(rawID), nil
		}
		row = inserted
	}

	enricher, ok := f.enrichers[row.Provider]
	if !ok {
		return model.NewAttribution(row), nil
	}

	if _, err := enricher.EnrichRow(upstream.WithSingleAttempt(ctx), row); err != nil {
		if perr := f.propagate(err); perr != nil {
			return model.Attribution{}, perr
		}
		log.Error("Synchronous enrichment failed", zap.Error(err))
	}

	fresh, err := f.store.Get(ctx, row.RawID)
	if err != nil {
		if perr := f.propagate(err); perr != nil {
			return model.Attribution{}, perr
		}
		log.Error("Failed to re-read enriched row", zap.Error(err))
		return model.ErroredAttribution(rawID), nil
	}
	return model.NewAttribution(fresh), nil
}

// AttributionBulk reads many ids without enriching. Ids the store has never
// seen are reported as pending, malformed ids in the error state.
func (f *Facade) AttributionBulk(ctx context.Context, rawIDs []string) (map[string]model.Attribution, error) {
	out := make(map[string]model.Attribution, len(rawIDs))
	valid := make([]string, 0, len(rawIDs))
	for _, id := range rawIDs {
		if !validator.IsClickID(id) {
			out[id] = model.ErroredAttribution(id)
			continue
		}
		valid = append(valid, id)
	}

	rows, err := f.store.GetMany(ctx, valid)
	if err != nil {
		if perr := f.propagate(err); perr != nil {
			return nil, perr
		}
		logger.FromContextOr(ctx, f.baseLogger).Error("Failed to read attributions", zap.Int("ids", len(valid)), zap.Error(err))
		for _, id := range valid {
			out[id] = model.ErroredAttribution(id)
		}
		return out, nil
	}

	for _, id := range valid {
		out[id] = viewOf(id, rows[id])
	}
	return out, nil
}

// ByTenant lists the rows of a tenant created in [from, to], both bounds inclusive.
func (f *Facade) ByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]model.Attribution, error) {
	if tenantID == "" {
		tenantID = f.defaultTenant
	}
	rows, err := f.store.BulkGetByTenant(ctx, tenantID, from, to, listLimit(limit))
	return f.views(ctx, "by_tenant", rows, err)
}

// ByCampaign lists rows resolved to a campaign. An empty tenant matches all tenants.
func (f *Facade) ByCampaign(ctx context.Context, campaignName, tenantID string, limit int) ([]model.Attribution, error) {
	if campaignName == "" {
		return nil, fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	rows, err := f.store.FindByCampaign(ctx, campaignName, tenantID, listLimit(limit))
	return f.views(ctx, "by_campaign", rows, err)
}

// Stats aggregates a tenant's rows in [from, to]. Zero times leave the window open.
func (f *Facade) Stats(ctx context.Context, tenantID string, from, to time.Time) (*model.Stats, error) {
	stats, err := f.store.Stats(ctx, tenantID, from, to)
	if err != nil {
		if perr := f.propagate(err); perr != nil {
			return nil, perr
		}
		logger.FromContextOr(ctx, f.baseLogger).Error("Failed to compute stats", zap.String("tenant", tenantID), zap.Error(err))
		return &model.Stats{}, nil
	}
	return stats, nil
}

// Refresh moves rows back to pending so the next enrichment run re-queries them.
func (f *Facade) Refresh(ctx context.Context, rawIDs ...string) (int, error) {
	if f.ReadOnly() {
		return 0, apperrors.ErrReadOnly
	}
	n, err := f.store.RequestRefresh(ctx, rawIDs...)
	if err != nil {
		if perr := f.propagate(err); perr != nil {
			return 0, perr
		}
		return 0, err
	}
	return n, nil
}

func (f *Facade) views(ctx context.Context, op string, rows []model.ClickIdentifier, err error) ([]model.Attribution, error) {
	if err != nil {
		if perr := f.propagate(err); perr != nil {
			return nil, perr
		}
		logger.FromContextOr(ctx, f.baseLogger).Error("Failed to list attributions", zap.String("operation", op), zap.Error(err))
		return []model.Attribution{}, nil
	}
	out := make([]model.Attribution, 0, len(rows))
	for i := range rows {
		out = append(out, model.NewAttribution(&rows[i]))
	}
	return out, nil
}

// propagate returns err when it must reach the caller, nil when it can be degraded.
func (f *Facade) propagate(err error) error {
	switch {
	case errors.Is(err, apperrors.ErrStoreCorrupted):
		if f.readOnly.CompareAndSwap(false, true) {
			f.baseLogger.Error("Attribution store corrupted, switching to read-only mode", zap.Error(err))
		}
		return err
	case errors.Is(err, apperrors.ErrAuthFailure),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, apperrors.ErrInvalidIdentifier):
		return err
	default:
		return nil
	}
}

func viewOf(rawID string, row *model.ClickIdentifier) model.Attribution {
	if row == nil {
		return model.MissingAttribution(rawID)
	}
	return model.NewAttribution(row)
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
