package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

// testClock is a settable clock for the store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, clock *testClock) *Store {
	t.Helper()
	logger.Log = zaptest.NewLogger(t).Named("test")

	opts := Options{
		Driver:         DriverSQLite,
		Path:           filepath.Join(t.TempDir(), "fbclid_cache.db"),
		AutoMigrate:    true,
		ConnectTimeout: 5 * time.Second,
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestStore_UpsertPending_FreshFbclid(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	hint := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	row, err := s.UpsertPending(ctx, model.PendingClick{RawID: "IwAR_xyz", Provider: model.ProviderFacebook, CreationTimeHint: &hint})
	require.NoError(t, err)

	assert.Equal(t, "IwAR_xyz", row.RawID)
	assert.Equal(t, "fb.1.1736510400.IwAR_xyz", row.CanonicalID)
	assert.Equal(t, model.StatePending, row.State)
	assert.Equal(t, model.DefaultTenant, row.Tenant)
	assert.Equal(t, 0, row.Attempts)
	require.NotNil(t, row.CreationTimeHint)
	assert.True(t, hint.Equal(*row.CreationTimeHint))
	assert.Nil(t, row.CampaignName)
}

func TestStore_UpsertPending_AlreadyCanonical(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	row, err := s.UpsertPending(ctx, model.PendingClick{RawID: "fb.1.1700000000.abc"})
	require.NoError(t, err)
	assert.Equal(t, "fb.1.1700000000.abc", row.RawID)
	assert.Equal(t, row.RawID, row.CanonicalID)
	assert.Equal(t, model.ProviderFacebook, row.Provider)
}

func TestStore_UpsertPending_GoogleVerbatim(t *testing.T) {
	s := newTestStore(t, nil)
	gclid := model.NewGclid()

	row, err := s.UpsertPending(context.Background(), model.PendingClick{RawID: gclid, Provider: model.ProviderGoogle, Tenant: "acme"})
	require.NoError(t, err)
	assert.Equal(t, gclid, row.CanonicalID)
	assert.Equal(t, "acme", row.Tenant)
}

func TestStore_UpsertPending_InvalidIdentifier(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	for _, raw := range []string{"", "   "} {
		_, err := s.UpsertPending(ctx, model.PendingClick{RawID: raw})
		assert.ErrorIs(t, err, apperrors.ErrInvalidIdentifier)
	}

	stats, err := s.Stats(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total, "invalid identifiers are never stored")
}

func TestStore_UpsertPending_Concurrent(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	click := model.NewPendingClick()

	const workers = 8
	results := make([]*model.ClickIdentifier, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = s.UpsertPending(ctx, click)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}

	stats, err := s.Stats(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestStore_UpsertPending_DoesNotDowngradeResolved(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	click := model.NewPendingClick()

	_, err := s.UpsertPending(ctx, click)
	require.NoError(t, err)
	require.NoError(t, s.SetResolved(ctx, click.RawID, &model.CampaignTuple{CampaignName: "Promo-Enero", CampaignID: "123"}))

	row, err := s.UpsertPending(ctx, click)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, row.State)
	require.NotNil(t, row.CampaignName)
	assert.Equal(t, "Promo-Enero", *row.CampaignName)
}

func TestStore_SetResolved(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	click := model.NewPendingClick()

	pending, err := s.UpsertPending(ctx, click)
	require.NoError(t, err)

	tuple := model.NewCampaignTuple()
	tuple.AdName = ""
	tuple.Raw = []byte(`{ "data": [ {"name": "x"} ] }`)
	require.NoError(t, s.SetResolved(ctx, click.RawID, tuple))

	row, err := s.Get(ctx, click.RawID)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, row.State)
	assert.Equal(t, tuple.CampaignName, *row.CampaignName)
	assert.Equal(t, tuple.CampaignID, *row.CampaignID)
	assert.Equal(t, tuple.AdsetName, *row.AdsetName)
	assert.Equal(t, tuple.AdID, *row.AdID)
	assert.Nil(t, row.AdName, "empty strings are stored as NULL")
	assert.Equal(t, 1, row.Attempts)
	assert.JSONEq(t, `{"data":[{"name":"x"}]}`, string(row.LastPayload))
	assert.True(t, row.LastUpdated.After(pending.LastUpdated))
}

func TestStore_SetResolved_Errors(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	err := s.SetResolved(ctx, "IwAR_missing", &model.CampaignTuple{CampaignName: "x"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	click := model.NewPendingClick()
	_, err = s.UpsertPending(ctx, click)
	require.NoError(t, err)

	err = s.SetResolved(ctx, click.RawID, &model.CampaignTuple{CampaignID: "1"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	err = s.SetResolved(ctx, click.RawID, nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	row, err := s.Get(ctx, click.RawID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, row.State)
}

func TestStore_SetNotFound(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	click := model.NewPendingClick()

	_, err := s.UpsertPending(ctx, click)
	require.NoError(t, err)
	require.NoError(t, s.SetResolved(ctx, click.RawID, model.NewCampaignTuple()))
	require.NoError(t, s.SetNotFound(ctx, click.RawID, []byte(`{"data":[]}`)))

	row, err := s.Get(ctx, click.RawID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNotFound, row.State)
	require.NotNil(t, row.CampaignName)
	assert.Equal(t, model.NotFoundSentinel, *row.CampaignName)
	assert.Nil(t, row.CampaignID)
	assert.Nil(t, row.AdsetName)
	assert.Nil(t, row.AdName)
	assert.Equal(t, 2, row.Attempts)
}

func TestStore_SetError_WritesErrorLog(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	click := model.NewPendingClick()

	_, err := s.UpsertPending(ctx, click)
	require.NoError(t, err)
	require.NoError(t, s.SetError(ctx, click.RawID, "first failure"))
	require.NoError(t, s.SetError(ctx, click.RawID, "second failure"))

	row, err := s.Get(ctx, click.RawID)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, row.State)
	assert.Nil(t, row.CampaignName, "the reason is not written to the row")
	assert.Equal(t, 2, row.Attempts)

	logged, err := s.ErrorsFor(ctx, click.RawID, 10)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, "second failure", logged[0].Reason)
	assert.Equal(t, "first failure", logged[1].Reason)

	assert.ErrorIs(t, s.SetError(ctx, "IwAR_missing", "x"), apperrors.ErrNotFound)
}

func TestStore_LastUpdatedIsMonotonic(t *testing.T) {
	// A frozen clock must still yield strictly increasing last_updated values.
	clock := newTestClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()
	click := model.NewPendingClick()

	row, err := s.UpsertPending(ctx, click)
	require.NoError(t, err)
	prev := row.LastUpdated

	steps := []func() error{
		func() error { return s.SetError(ctx, click.RawID, "boom") },
		func() error { return s.SetResolved(ctx, click.RawID, model.NewCampaignTuple()) },
		func() error { _, err := s.RequestRefresh(ctx, click.RawID); return err },
		func() error { return s.SetNotFound(ctx, click.RawID, nil) },
	}
	for _, step := range steps {
		require.NoError(t, step())
		row, err = s.Get(ctx, click.RawID)
		require.NoError(t, err)
		assert.True(t, row.LastUpdated.After(prev), "last_updated %s not after %s", row.LastUpdated, prev)
		prev = row.LastUpdated
	}
}

func TestStore_SelectForEnrichment_FIFO(t *testing.T) {
	clock := newTestClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		click := model.NewPendingClick()
		_, err := s.UpsertPending(ctx, click)
		require.NoError(t, err)
		ids = append(ids, click.RawID)
		clock.Advance(time.Second)
	}
	_, err := s.UpsertPending(ctx, model.PendingClick{RawID: model.NewGclid(), Provider: model.ProviderGoogle})
	require.NoError(t, err)

	// Resolved rows drop out; errored rows stay eligible.
	require.NoError(t, s.SetResolved(ctx, ids[1], model.NewCampaignTuple()))
	require.NoError(t, s.SetError(ctx, ids[0], "transient"))

	rows, err := s.SelectForEnrichment(ctx, 10, model.ProviderFacebook, 30*24*time.Hour)
	require.NoError(t, err)

	var got []string
	for _, r := range rows {
		got = append(got, r.RawID)
	}
	assert.Equal(t, []string{ids[2], ids[3], ids[4], ids[0]}, got)

	limited, err := s.SelectForEnrichment(ctx, 2, model.ProviderFacebook, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = s.SelectForEnrichment(ctx, 0, model.ProviderFacebook, time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestStore_SelectForEnrichment_StaleRefresh(t *testing.T) {
	clock := newTestClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestStore(t, clock)
	ctx := context.Background()
	staleAfter := 30 * 24 * time.Hour

	resolved := model.NewPendingClick()
	missed := model.NewPendingClick()
	for _, c := range []model.PendingClick{resolved, missed} {
		_, err := s.UpsertPending(ctx, c)
		require.NoError(t, err)
	}
	require.NoError(t, s.SetResolved(ctx, resolved.RawID, model.NewCampaignTuple()))
	require.NoError(t, s.SetNotFound(ctx, missed.RawID, nil))

	rows, err := s.SelectForEnrichment(ctx, 10, model.ProviderFacebook, staleAfter)
	require.NoError(t, err)
	assert.Empty(t, rows, "fresh terminal rows are not re-queried")

	clock.Advance(40 * 24 * time.Hour)
	before, err := s.Get(ctx, resolved.RawID)
	require.NoError(t, err)

	rows, err = s.SelectForEnrichment(ctx, 10, model.ProviderFacebook, staleAfter)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, resolved.RawID, rows[0].RawID)

	require.NoError(t, s.SetResolved(ctx, resolved.RawID, &model.CampaignTuple{CampaignName: "Promo-Febrero"}))
	after, err := s.Get(ctx, resolved.RawID)
	require.NoError(t, err)
	assert.True(t, after.LastUpdated.After(before.LastUpdated))
	assert.Equal(t, "Promo-Febrero", *after.CampaignName)
}

func TestStore_UpsertPendingBatch(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	existing := model.NewPendingClick()
	_, err := s.UpsertPending(ctx, existing)
	require.NoError(t, err)
	require.NoError(t, s.SetResolved(ctx, existing.RawID, model.NewCampaignTuple()))

	clicks := []model.PendingClick{existing}
	for i := 0; i < 7; i++ {
		clicks = append(clicks, model.NewPendingClick())
	}
	clicks = append(clicks, clicks[3])

	inserted, err := s.UpsertPendingBatch(ctx, clicks, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, inserted)

	row, err := s.Get(ctx, existing.RawID)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, row.State)

	stats, err := s.Stats(ctx, model.DefaultTenant, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.Total)
	assert.Equal(t, int64(7), stats.Pending)
}

func TestStore_UpsertPendingBatch_ValidatesBeforeWriting(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	clicks := []model.PendingClick{model.NewPendingClick(), {RawID: ""}}
	inserted, err := s.UpsertPendingBatch(ctx, clicks, 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidIdentifier)
	assert.Zero(t, inserted)

	_, err = s.Get(ctx, clicks[0].RawID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_RequestRefresh(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	click := model.NewPendingClick()

	_, err := s.UpsertPending(ctx, click)
	require.NoError(t, err)
	require.NoError(t, s.SetResolved(ctx, click.RawID, model.NewCampaignTuple()))

	n, err := s.RequestRefresh(ctx, click.RawID, "IwAR_unknown")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := s.Get(ctx, click.RawID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, row.State)
	assert.NotNil(t, row.CampaignName, "refresh keeps the last known payload")
}

func TestStore_Reads(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	jan := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 15, 10, 0, 0, 0, time.UTC)

	a := model.NewPendingClick(func(p *model.PendingClick) { p.Tenant = "acme"; p.CreationTimeHint = ptrTime(jan) })
	b := model.NewPendingClick(func(p *model.PendingClick) { p.Tenant = "acme"; p.CreationTimeHint = ptrTime(feb) })
	c := model.NewPendingClick(func(p *model.PendingClick) { p.Tenant = "acme"; p.CreationTimeHint = ptrTime(feb.Add(time.Hour)) })
	d := model.NewPendingClick(func(p *model.PendingClick) { p.Tenant = "other"; p.CreationTimeHint = ptrTime(feb) })
	for _, click := range []model.PendingClick{a, b, c, d} {
		_, err := s.UpsertPending(ctx, click)
		require.NoError(t, err)
	}
	require.NoError(t, s.SetResolved(ctx, a.RawID, &model.CampaignTuple{CampaignName: "Promo-Enero"}))
	require.NoError(t, s.SetResolved(ctx, b.RawID, &model.CampaignTuple{CampaignName: "Promo-Enero"}))
	require.NoError(t, s.SetResolved(ctx, d.RawID, &model.CampaignTuple{CampaignName: "Promo-Enero"}))
	require.NoError(t, s.SetNotFound(ctx, c.RawID, nil))

	t.Run("GetMany", func(t *testing.T) {
		got, err := s.GetMany(ctx, []string{a.RawID, c.RawID, "IwAR_absent"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Contains(t, got, a.RawID)
		assert.NotContains(t, got, "IwAR_absent")
	})

	t.Run("BulkGetByTenant window", func(t *testing.T) {
		rows, err := s.BulkGetByTenant(ctx, "acme", feb.Add(-time.Hour), time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, b.RawID, rows[0].RawID)
		assert.Equal(t, c.RawID, rows[1].RawID)

		rows, err = s.BulkGetByTenant(ctx, "acme", time.Time{}, time.Time{}, 1)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, a.RawID, rows[0].RawID)

		// Upper bound is inclusive
		rows, err = s.BulkGetByTenant(ctx, "acme", time.Time{}, feb, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, b.RawID, rows[1].RawID)

		stats, err := s.Stats(ctx, "acme", feb, feb)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.Total)

		_, err = s.BulkGetByTenant(ctx, "", time.Time{}, time.Time{}, 0)
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("FindByCampaign", func(t *testing.T) {
		rows, err := s.FindByCampaign(ctx, "Promo-Enero", "acme", 0)
		require.NoError(t, err)
		assert.Len(t, rows, 2)

		rows, err = s.FindByCampaign(ctx, "Promo-Enero", "", 0)
		require.NoError(t, err)
		assert.Len(t, rows, 3)

		rows, err = s.FindByCampaign(ctx, model.NotFoundSentinel, "", 0)
		require.NoError(t, err)
		assert.Empty(t, rows, "the sentinel is not a campaign")
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := s.Stats(ctx, "acme", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, model.Stats{Total: 3, Resolved: 2, NotFound: 1, UniqueCampaigns: 1}, *stats)

		stats, err = s.Stats(ctx, "acme", feb.Add(-time.Hour), feb.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Total)
	})

	t.Run("Get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "IwAR_absent")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = s.Get(ctx, "")
		assert.ErrorIs(t, err, apperrors.ErrInvalidIdentifier)
	})
}

func TestStore_SequenceSeededFromRowCount(t *testing.T) {
	logger.Log = zaptest.NewLogger(t).Named("test")
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seq.db")

	s, err := Open(ctx, Options{Path: path, AutoMigrate: true})
	require.NoError(t, err)
	_, err = s.UpsertPendingBatch(ctx, []model.PendingClick{model.NewPendingClick(), model.NewPendingClick()}, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	reopened, err := Open(ctx, Options{Path: path, AutoMigrate: true})
	require.NoError(t, err)
	defer reopened.Close(ctx)
	assert.Equal(t, uint64(3), reopened.Next())
}

func TestOpen_Validation(t *testing.T) {
	logger.Log = zaptest.NewLogger(t).Named("test")
	ctx := context.Background()

	_, err := Open(ctx, Options{Driver: DriverSQLite})
	assert.Error(t, err)
	_, err = Open(ctx, Options{Driver: DriverPostgres})
	assert.Error(t, err)
	_, err = Open(ctx, Options{Driver: "mysql", Path: "x"})
	assert.Error(t, err)
}

func TestSqliteDSN(t *testing.T) {
	assert.Contains(t, sqliteDSN("a.db"), "a.db?_pragma=journal_mode(WAL)")
	assert.Contains(t, sqliteDSN("file:a.db?mode=rwc"), "mode=rwc&_pragma=")
	assert.Contains(t, sqliteDSN("a.db"), "_txlock=immediate")
}
