package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

// writeLegacyStore creates the cache layout older scripts left behind: no
// provenance columns, no indexes.
func writeLegacyStore(t *testing.T, path string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE click_attribution (
		raw_id TEXT PRIMARY KEY,
		campaign_name TEXT,
		last_updated DATETIME
	)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO click_attribution (raw_id, campaign_name, last_updated) VALUES (?, ?, NULL)`,
		"IwAR_legacy", "Promo-Enero").Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestMigrate_FreshStore(t *testing.T) {
	logger.Log = zaptest.NewLogger(t).Named("test")
	ctx := context.Background()

	s, err := Open(ctx, Options{Path: filepath.Join(t.TempDir(), "fresh.db")})
	require.NoError(t, err)
	defer s.Close(ctx)

	report, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"click_attribution", "click_attribution_errors"}, report.CreatedTables)
	assert.Empty(t, report.AddedColumns)
	assert.Empty(t, report.BackupPath, "new tables need no backup")

	again, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.False(t, again.Changed(), "migrate is idempotent")

	var tables []string
	require.NoError(t, s.db.Raw("SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'click_%' ORDER BY name").Scan(&tables).Error)
	assert.Equal(t, []string{"click_attribution", "click_attribution_errors"}, tables)
}

func TestMigrate_LegacyStore(t *testing.T) {
	logger.Log = zaptest.NewLogger(t).Named("test")
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "fbclid_cache.db")
	writeLegacyStore(t, path)

	clock := newTestClock(time.Date(2025, 4, 2, 8, 30, 0, 0, time.UTC))
	s, err := Open(ctx, Options{Path: path, Now: clock.Now})
	require.NoError(t, err)
	defer s.Close(ctx)

	report, err := s.Migrate(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"click_attribution_errors"}, report.CreatedTables)
	for _, col := range []string{"canonical_id", "provider", "tenant", "state", "attempts", "last_payload", "created_at"} {
		assert.Contains(t, report.AddedColumns, "click_attribution."+col)
	}
	assert.NotContains(t, report.AddedColumns, "click_attribution.campaign_name")
	assert.Contains(t, report.CreatedIndexes, "idx_click_attribution_tenant")
	assert.Contains(t, report.CreatedIndexes, "idx_click_attribution_canonical_id")
	assert.Contains(t, report.CreatedIndexes, "idx_click_attribution_campaign_name")

	require.NotEmpty(t, report.BackupPath)
	assert.Equal(t, path+".20250402T083000Z.bak", report.BackupPath)
	info, err := os.Stat(report.BackupPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	row, err := s.Get(ctx, "IwAR_legacy")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderFacebook, row.Provider)
	assert.Equal(t, model.DefaultTenant, row.Tenant)
	assert.Equal(t, model.StatePending, row.State)
	assert.True(t, strings.HasPrefix(row.CanonicalID, "fb.1."), row.CanonicalID)
	assert.True(t, strings.HasSuffix(row.CanonicalID, ".IwAR_legacy"), row.CanonicalID)
	assert.False(t, row.LastUpdated.IsZero())
	assert.False(t, row.CreatedAt.IsZero())
	require.NotNil(t, row.CampaignName)
	assert.Equal(t, "Promo-Enero", *row.CampaignName)

	// The migrated store accepts the full write path.
	require.NoError(t, s.SetError(ctx, "IwAR_legacy", "legacy row re-queried"))
}

func TestOpen_CorruptedFile(t *testing.T) {
	logger.Log = zaptest.NewLogger(t).Named("test")
	path := filepath.Join(t.TempDir(), "broken.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("definitely not sqlite "), 512), 0o600))

	_, err := Open(context.Background(), Options{Path: path, AutoMigrate: true, ConnectTimeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStoreCorrupted)
	assert.True(t, apperrors.IsFatal(err))
}

func TestBackup(t *testing.T) {
	clock := newTestClock(time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, model.NewPendingClick())
	require.NoError(t, err)

	path, err := s.Backup(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".20250506T070809Z.bak"))

	// The copy is a usable store holding the row written before the backup.
	logger.Log = zaptest.NewLogger(t).Named("test")
	copied, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	defer copied.Close(ctx)
	stats, err := copied.Stats(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)

	// A second backup in the same second must not overwrite the first.
	_, err = s.Backup(ctx)
	assert.Error(t, err)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	n, err := copyFile(src, filepath.Join(dir, "dst"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = copyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "dst2"))
	assert.Error(t, err)
}
