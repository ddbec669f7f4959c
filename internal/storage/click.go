package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/observer"
	"gitlab.com/timkado/api/click-attribution/internal/tenant"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

const entityClick = "click"

// newPendingRow validates a PendingClick and builds the row to insert.
func (s *Store) newPendingRow(p model.PendingClick, ts time.Time) (*model.ClickIdentifier, error) {
	if strings.TrimSpace(p.RawID) == "" {
		return nil, fmt.Errorf("%w: raw id is empty", apperrors.ErrInvalidIdentifier)
	}
	if p.Provider == "" {
		p.Provider = model.ProviderFacebook
	}
	if p.Tenant == "" {
		p.Tenant = model.DefaultTenant
	}

	canonical, err := s.formatter.Canonicalize(p.RawID, p.CreationTimeHint, p.Provider)
	if err != nil {
		return nil, err
	}

	var hint *time.Time
	if p.CreationTimeHint != nil && !p.CreationTimeHint.IsZero() {
		h := p.CreationTimeHint.UTC().Truncate(time.Microsecond)
		hint = &h
	}

	return &model.ClickIdentifier{
		RawID:            p.RawID,
		CanonicalID:      canonical,
		Provider:         p.Provider,
		Tenant:           p.Tenant,
		State:            model.StatePending,
		LastUpdated:      ts,
		CreationTimeHint: hint,
		CreatedAt:        ts,
	}, nil
}

// UpsertPending inserts raw_id as pending if absent; an existing row is returned untouched.
func (s *Store) UpsertPending(ctx context.Context, p model.PendingClick) (*model.ClickIdentifier, error) {
	if existing, err := s.Get(ctx, p.RawID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) && !errors.Is(err, apperrors.ErrInvalidIdentifier) {
		return nil, err
	}

	row, err := s.newPendingRow(p, s.tick())
	if err != nil {
		return nil, err
	}

	operation := func() error {
		unlock := s.lockWrite()
		defer unlock()
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "raw_id"}}, DoNothing: true}).
			Create(row)
		return checkConstraintViolation(result.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpsertPending", operation)
	observer.ObserveDbOperationDuration("upsert_pending", entityClick, row.Tenant, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to upsert pending click", zap.String("raw_id", p.RawID), zap.Error(err))
		return nil, err
	}

	// Read back: a concurrent writer may have won the insert.
	return s.Get(ctx, p.RawID)
}

// UpsertPendingBatch inserts pending rows, committing every commitEvery rows so a
// crash loses at most one uncommitted chunk. Existing ids are left untouched.
// Every click is validated before anything is written.
func (s *Store) UpsertPendingBatch(ctx context.Context, clicks []model.PendingClick, commitEvery int) (int, error) {
	if len(clicks) == 0 {
		return 0, nil
	}
	if commitEvery <= 0 {
		commitEvery = len(clicks)
	}

	rows := make([]model.ClickIdentifier, 0, len(clicks))
	seen := make(map[string]struct{}, len(clicks))
	for i, c := range clicks {
		if _, dup := seen[c.RawID]; dup {
			continue
		}
		row, err := s.newPendingRow(c, s.tick())
		if err != nil {
			return 0, fmt.Errorf("click %d: %w", i, err)
		}
		seen[c.RawID] = struct{}{}
		rows = append(rows, *row)
	}

	inserted := 0
	for start := 0; start < len(rows); start += commitEvery {
		end := min(start+commitEvery, len(rows))
		chunk := rows[start:end]

		var affected int64
		operation := func() error {
			unlock := s.lockWrite()
			defer unlock()
			return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				result := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "raw_id"}}, DoNothing: true}).
					Create(&chunk)
				if result.Error != nil {
					return checkConstraintViolation(result.Error)
				}
				affected = result.RowsAffected
				return nil
			})
		}

		startTime := utils.Now()
		err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpsertPendingBatch", operation)
		observer.ObserveDbOperationDuration("upsert_pending_batch", entityClick, tenant.FromContextOr(ctx, ""), time.Since(startTime), err)
		if err != nil {
			logger.FromContext(ctx).Error("Failed to commit pending batch",
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)),
				zap.Int("committed", inserted),
				zap.Error(err))
			return inserted, err
		}
		inserted += int(affected)
	}

	return inserted, nil
}

// SetResolved records the campaign tuple. Fails with ErrNotFound when the row is missing.
func (s *Store) SetResolved(ctx context.Context, rawID string, tuple *model.CampaignTuple) error {
	if tuple == nil || tuple.CampaignName == "" {
		return fmt.Errorf("%w: resolved row needs a campaign name", apperrors.ErrValidation)
	}
	return s.transition(ctx, "set_resolved", rawID, func(_ *model.ClickIdentifier, ts time.Time) map[string]interface{} {
		return map[string]interface{}{
			"state":         model.StateResolved,
			"campaign_name": tuple.CampaignName,
			"campaign_id":   nullable(tuple.CampaignID),
			"adset_name":    nullable(tuple.AdsetName),
			"adset_id":      nullable(tuple.AdsetID),
			"ad_name":       nullable(tuple.AdName),
			"ad_id":         nullable(tuple.AdID),
			"last_updated":  ts,
			"attempts":      gorm.Expr("attempts + 1"),
			"last_payload":  payloadJSON(tuple.Raw),
		}
	}, nil)
}

// SetNotFound caches an upstream miss with the not-found sentinel.
func (s *Store) SetNotFound(ctx context.Context, rawID string, payload []byte) error {
	return s.transition(ctx, "set_not_found", rawID, func(_ *model.ClickIdentifier, ts time.Time) map[string]interface{} {
		return map[string]interface{}{
			"state":         model.StateNotFound,
			"campaign_name": model.NotFoundSentinel,
			"campaign_id":   nil,
			"adset_name":    nil,
			"adset_id":      nil,
			"ad_name":       nil,
			"ad_id":         nil,
			"last_updated":  ts,
			"attempts":      gorm.Expr("attempts + 1"),
			"last_payload":  payloadJSON(payload),
		}
	}, nil)
}

// SetError marks the row as errored. The reason goes to click_attribution_errors.
func (s *Store) SetError(ctx context.Context, rawID string, reason string) error {
	return s.transition(ctx, "set_error", rawID, func(_ *model.ClickIdentifier, ts time.Time) map[string]interface{} {
		return map[string]interface{}{
			"state":        model.StateError,
			"last_updated": ts,
			"attempts":     gorm.Expr("attempts + 1"),
		}
	}, func(tx *gorm.DB, ts time.Time) error {
		return tx.Create(&model.ClickError{RawID: rawID, Reason: reason, Ts: ts}).Error
	})
}

// RequestRefresh moves rows back to pending so the next batch re-queries them.
func (s *Store) RequestRefresh(ctx context.Context, rawIDs ...string) (int, error) {
	refreshed := 0
	for _, rawID := range rawIDs {
		err := s.transition(ctx, "request_refresh", rawID, func(_ *model.ClickIdentifier, ts time.Time) map[string]interface{} {
			return map[string]interface{}{
				"state":        model.StatePending,
				"last_updated": ts,
			}
		}, nil)
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.FromContext(ctx).Debug("Refresh requested for unknown click", zap.String("raw_id", rawID))
			continue
		}
		if err != nil {
			return refreshed, err
		}
		refreshed++
	}
	return refreshed, nil
}

// transition applies one state change under the per-row lock inside a short
// transaction. last_updated is always moved strictly forward for the row.
func (s *Store) transition(
	ctx context.Context,
	opName string,
	rawID string,
	build func(row *model.ClickIdentifier, ts time.Time) map[string]interface{},
	after func(tx *gorm.DB, ts time.Time) error,
) error {
	if strings.TrimSpace(rawID) == "" {
		return fmt.Errorf("%w: raw id is empty", apperrors.ErrInvalidIdentifier)
	}

	releaseRow := s.rows.Lock(rawID)
	defer releaseRow()

	rowTenant := ""
	operation := func() error {
		unlock := s.lockWrite()
		defer unlock()

		tx := s.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return checkConstraintViolation(tx.Error)
		}
		var txErr error
		defer func() {
			if r := recover(); r != nil {
				tx.Rollback()
				panic(r)
			} else if txErr != nil {
				if rbErr := tx.Rollback().Error; rbErr != nil {
					logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
				}
			}
		}()

		var existing model.ClickIdentifier
		findErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("raw_id = ?", rawID).
			First(&existing).Error
		if findErr != nil {
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				txErr = fmt.Errorf("%w: click %s", apperrors.ErrNotFound, rawID)
				return backoff.Permanent(txErr)
			}
			txErr = checkConstraintViolation(findErr)
			return txErr
		}
		rowTenant = existing.Tenant

		ts := s.tick()
		if !ts.After(existing.LastUpdated) {
			ts = existing.LastUpdated.UTC().Add(time.Microsecond)
		}

		updates := build(&existing, ts)
		if err := tx.Model(&model.ClickIdentifier{}).Where("raw_id = ?", rawID).Updates(updates).Error; err != nil {
			txErr = checkConstraintViolation(err)
			return txErr
		}
		if after != nil {
			if err := after(tx, ts); err != nil {
				txErr = checkConstraintViolation(err)
				return txErr
			}
		}
		if err := tx.Commit().Error; err != nil {
			txErr = checkConstraintViolation(err)
			return txErr
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), opName, operation)
	observer.ObserveDbOperationDuration(opName, entityClick, rowTenant, time.Since(startTime), err)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		logger.FromContext(ctx).Error("Failed to apply click transition",
			zap.String("operation", opName),
			zap.String("raw_id", rawID),
			zap.Error(err))
	}
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func payloadJSON(raw []byte) interface{} {
	compact := utils.CompactJSON(raw)
	if compact == nil {
		return nil
	}
	return datatypes.JSON(compact)
}
