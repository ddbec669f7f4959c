package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/observer"
	"gitlab.com/timkado/api/click-attribution/internal/tenant"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// sqlite caps bound parameters per statement
const getManyChunk = 500

// windowColumn is the moment a click happened, falling back to ingestion time.
const windowColumn = "COALESCE(creation_time_hint, created_at)"

// Get finds a click by raw id. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, rawID string) (*model.ClickIdentifier, error) {
	if strings.TrimSpace(rawID) == "" {
		return nil, fmt.Errorf("%w: raw id is empty", apperrors.ErrInvalidIdentifier)
	}

	var row model.ClickIdentifier
	err := s.read(ctx, "get", func(db *gorm.DB) error {
		return db.Where("raw_id = ?", rawID).First(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetMany returns the rows found for rawIDs keyed by raw id. Missing ids are absent from the map.
func (s *Store) GetMany(ctx context.Context, rawIDs []string) (map[string]*model.ClickIdentifier, error) {
	out := make(map[string]*model.ClickIdentifier, len(rawIDs))
	for start := 0; start < len(rawIDs); start += getManyChunk {
		chunk := rawIDs[start:min(start+getManyChunk, len(rawIDs))]
		var rows []model.ClickIdentifier
		err := s.read(ctx, "get_many", func(db *gorm.DB) error {
			return db.Where("raw_id IN ?", chunk).Find(&rows).Error
		})
		if err != nil {
			return nil, err
		}
		for i := range rows {
			out[rows[i].RawID] = &rows[i]
		}
	}
	return out, nil
}

// SelectForEnrichment returns up to limit rows of provider that need an upstream
// query: pending and error rows, plus resolved and not_found rows whose
// last_updated is older than maxAge. Rows come FIFO by last_updated.
func (s *Store) SelectForEnrichment(ctx context.Context, limit int, provider model.Provider, maxAge time.Duration) ([]model.ClickIdentifier, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", apperrors.ErrValidation)
	}
	cutoff := s.now().UTC().Add(-maxAge)

	var rows []model.ClickIdentifier
	err := s.read(ctx, "select_for_enrichment", func(db *gorm.DB) error {
		return db.Where("provider = ? AND (state IN ? OR (state IN ? AND last_updated < ?))",
			provider,
			[]model.State{model.StatePending, model.StateError},
			[]model.State{model.StateResolved, model.StateNotFound},
			cutoff).
			Order("last_updated ASC").
			Order("raw_id ASC").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// BulkGetByTenant returns the tenant's clicks whose click time falls in [from, to].
// A zero from or to leaves that side open.
func (s *Store) BulkGetByTenant(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]model.ClickIdentifier, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", apperrors.ErrValidation)
	}

	var rows []model.ClickIdentifier
	err := s.read(ctx, "bulk_get_by_tenant", func(db *gorm.DB) error {
		q := applyWindow(db.Where("tenant = ?", tenantID), from, to).
			Order(windowColumn + " ASC").
			Order("raw_id ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// FindByCampaign returns resolved clicks attributed to campaignName. An empty tenant matches all tenants.
func (s *Store) FindByCampaign(ctx context.Context, campaignName, tenantID string, limit int) ([]model.ClickIdentifier, error) {
	if campaignName == "" {
		return nil, fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}

	var rows []model.ClickIdentifier
	err := s.read(ctx, "find_by_campaign", func(db *gorm.DB) error {
		q := db.Where("campaign_name = ? AND state = ?", campaignName, model.StateResolved)
		if tenantID != "" {
			q = q.Where("tenant = ?", tenantID)
		}
		q = q.Order("last_updated DESC").Order("raw_id ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Stats aggregates the tenant's clicks in [from, to] in a single SELECT.
func (s *Store) Stats(ctx context.Context, tenantID string, from, to time.Time) (*model.Stats, error) {
	var stats model.Stats
	err := s.read(ctx, "stats", func(db *gorm.DB) error {
		q := db.Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS resolved,
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS not_found,
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS error,
			COUNT(DISTINCT CASE WHEN state = ? THEN campaign_name END) AS unique_campaigns`,
			model.StatePending, model.StateResolved, model.StateNotFound, model.StateError, model.StateResolved)
		if tenantID != "" {
			q = q.Where("tenant = ?", tenantID)
		}
		return applyWindow(q, from, to).Scan(&stats).Error
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ErrorsFor returns the most recent error log entries of a click, newest first.
func (s *Store) ErrorsFor(ctx context.Context, rawID string, limit int) ([]model.ClickError, error) {
	var rows []model.ClickError
	err := s.readModel(ctx, &model.ClickError{}, "errors_for", func(db *gorm.DB) error {
		q := db.Where("raw_id = ?", rawID).Order("ts DESC").Order("id DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func applyWindow(q *gorm.DB, from, to time.Time) *gorm.DB {
	if !from.IsZero() {
		q = q.Where(windowColumn+" >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where(windowColumn+" <= ?", to.UTC())
	}
	return q
}

func (s *Store) read(ctx context.Context, opName string, query func(db *gorm.DB) error) error {
	return s.readModel(ctx, &model.ClickIdentifier{}, opName, query)
}

// readModel runs a read-only query with the read retry policy. Readers only
// wait for a running migration, never for row writers.
func (s *Store) readModel(ctx context.Context, m interface{}, opName string, query func(db *gorm.DB) error) error {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()

	operation := func() error {
		err := query(s.db.WithContext(ctx).Model(m))
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), opName, operation)
	observer.ObserveDbOperationDuration(opName, entityClick, tenant.FromContextOr(ctx, ""), time.Since(startTime), err)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		logger.FromContext(ctx).Error("Attribution store read failed", zap.String("operation", opName), zap.Error(err))
	}
	return err
}
