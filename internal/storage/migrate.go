package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// MigrationReport describes what Migrate changed.
type MigrationReport struct {
	CreatedTables  []string `json:"created_tables,omitempty"`
	AddedColumns   []string `json:"added_columns,omitempty"`
	CreatedIndexes []string `json:"created_indexes,omitempty"`
	Backfilled     int64    `json:"backfilled,omitempty"`
	BackupPath     string   `json:"backup_path,omitempty"`
}

// Changed reports whether the schema was modified.
func (r *MigrationReport) Changed() bool {
	return len(r.CreatedTables)+len(r.AddedColumns)+len(r.CreatedIndexes) > 0 || r.Backfilled > 0
}

type migrationTarget struct {
	model   interface{}
	table   string
	indexes []string
}

var migrationTargets = []migrationTarget{
	{
		model: &model.ClickIdentifier{},
		table: "click_attribution",
		indexes: []string{
			"idx_click_attribution_tenant",
			"idx_click_attribution_campaign_name",
			"idx_click_attribution_canonical_id",
			"idx_click_attribution_state_updated",
		},
	},
	{
		model:   &model.ClickError{},
		table:   "click_attribution_errors",
		indexes: []string{"idx_click_attribution_errors_raw_id"},
	},
}

// Migrate checks the schema and brings it up to date: missing tables are
// created, missing columns added and missing indexes created. On sqlite the
// file is checked for corruption first and copied to a timestamped backup
// before any existing table is altered. Writers are blocked while it runs.
func (s *Store) Migrate(ctx context.Context) (*MigrationReport, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	log := logger.FromContext(ctx)
	report := &MigrationReport{}
	db := s.db.WithContext(ctx)

	if err := s.checkIntegrity(ctx); err != nil {
		return nil, err
	}

	migrator := db.Migrator()
	for _, target := range migrationTargets {
		if migrator.HasTable(target.model) {
			continue
		}
		log.Info("Table does not exist, creating table", zap.String("tableName", target.table))
		if err := migrator.CreateTable(target.model); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", target.table, checkConstraintViolation(err))
		}
		report.CreatedTables = append(report.CreatedTables, target.table)
	}

	type pendingColumn struct {
		target migrationTarget
		field  *schema.Field
	}
	var missing []pendingColumn
	for _, target := range migrationTargets {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(target.model); err != nil {
			return nil, fmt.Errorf("failed to parse model for %s: %w", target.table, err)
		}
		for _, field := range stmt.Schema.Fields {
			if field.DBName == "" || field.IgnoreMigration {
				continue
			}
			if !migrator.HasColumn(target.model, field.DBName) {
				missing = append(missing, pendingColumn{target: target, field: field})
			}
		}
	}

	if len(missing) > 0 {
		backupPath, err := s.backupLocked(ctx)
		if err != nil {
			return nil, fmt.Errorf("refusing to alter schema without a backup: %w", err)
		}
		report.BackupPath = backupPath

		for _, col := range missing {
			log.Info("Adding missing column",
				zap.String("tableName", col.target.table),
				zap.String("column", col.field.DBName))
			if err := migrator.AddColumn(col.target.model, col.field.Name); err != nil {
				return nil, fmt.Errorf("failed to add column %s.%s: %w", col.target.table, col.field.DBName, checkConstraintViolation(err))
			}
			report.AddedColumns = append(report.AddedColumns, col.target.table+"."+col.field.DBName)
		}
	}

	for _, target := range migrationTargets {
		for _, name := range target.indexes {
			if migrator.HasIndex(target.model, name) {
				continue
			}
			if err := migrator.CreateIndex(target.model, name); err != nil {
				return nil, fmt.Errorf("failed to create index %s: %w", name, checkConstraintViolation(err))
			}
			report.CreatedIndexes = append(report.CreatedIndexes, name)
		}
	}

	backfilled, err := s.backfill(ctx)
	if err != nil {
		return nil, err
	}
	report.Backfilled = backfilled

	if report.Changed() {
		log.Info("Attribution store schema migrated",
			zap.Strings("created_tables", report.CreatedTables),
			zap.Strings("added_columns", report.AddedColumns),
			zap.Strings("created_indexes", report.CreatedIndexes),
			zap.Int64("backfilled", report.Backfilled),
			zap.String("backup_path", report.BackupPath))
	} else {
		log.Debug("Attribution store schema up to date")
	}
	return report, nil
}

// backfill fills provenance columns of rows written before they existed.
func (s *Store) backfill(ctx context.Context) (int64, error) {
	db := s.db.WithContext(ctx)
	now := s.tick()

	var total int64
	for _, col := range []string{"last_updated", "created_at"} {
		res := db.Model(&model.ClickIdentifier{}).Where(col+" IS NULL").Update(col, now)
		if res.Error != nil {
			return total, fmt.Errorf("failed to backfill %s: %w", col, checkConstraintViolation(res.Error))
		}
		total += res.RowsAffected
	}

	var rows []model.ClickIdentifier
	err := db.Where("canonical_id IS NULL OR canonical_id = ''").
		FindInBatches(&rows, getManyChunk, func(_ *gorm.DB, _ int) error {
			for _, row := range rows {
				canonical, err := s.formatter.Canonicalize(row.RawID, row.CreationTimeHint, row.Provider)
				if err != nil {
					logger.FromContext(ctx).Warn("Skipping canonical backfill", zap.String("raw_id", row.RawID), zap.Error(err))
					continue
				}
				if err := db.Model(&model.ClickIdentifier{}).Where("raw_id = ?", row.RawID).
					Update("canonical_id", canonical).Error; err != nil {
					return err
				}
				total++
			}
			return nil
		}).Error
	if err != nil {
		return total, fmt.Errorf("failed to backfill canonical ids: %w", checkConstraintViolation(err))
	}
	return total, nil
}

// checkIntegrity runs sqlite's quick_check. Any answer but "ok" means corruption.
func (s *Store) checkIntegrity(ctx context.Context) error {
	if s.driver != DriverSQLite {
		return nil
	}
	var results []string
	if err := s.db.WithContext(ctx).Raw("PRAGMA quick_check").Scan(&results).Error; err != nil {
		return checkConstraintViolation(err)
	}
	if len(results) == 1 && strings.EqualFold(results[0], "ok") {
		return nil
	}
	return apperrors.NewFatal(
		fmt.Errorf("%w: quick_check reported %s", apperrors.ErrStoreCorrupted, strings.Join(results, "; ")),
		"attribution store unusable")
}

// Backup copies the sqlite file to <path>.<timestamp>.bak and returns the copy's path.
// Writers are paused for the duration of the copy.
func (s *Store) Backup(ctx context.Context) (string, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	return s.backupLocked(ctx)
}

func (s *Store) backupLocked(ctx context.Context) (string, error) {
	if s.driver != DriverSQLite {
		logger.FromContext(ctx).Info("Skipping file backup for non-file store", zap.String("driver", s.driver))
		return "", nil
	}
	src := s.path
	if i := strings.Index(src, "?"); i >= 0 {
		src = src[:i]
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	// Fold the WAL into the main file so a plain copy is complete.
	if err := s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		return "", fmt.Errorf("wal checkpoint failed: %w", checkConstraintViolation(err))
	}

	dst := fmt.Sprintf("%s.%s.bak", src, utils.BackupStamp(s.now()))
	written, err := copyFile(src, dst)
	if err != nil {
		return "", fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	logger.FromContext(ctx).Info("Attribution store backed up",
		zap.String("source", src),
		zap.String("backup", dst),
		zap.String("size", utils.ByteCountSI(written)))
	return dst, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		_ = os.Remove(dst)
		return 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, err
	}
	return written, out.Close()
}
