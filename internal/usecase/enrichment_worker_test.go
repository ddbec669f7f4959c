package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	zapobserver "go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/storage"
	storagemock "gitlab.com/timkado/api/click-attribution/internal/storage/mock"
	ucmock "gitlab.com/timkado/api/click-attribution/internal/usecase/mock"
	"gitlab.com/timkado/api/click-attribution/internal/upstream"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
)

const testFingerprint = "EAAB12...wxyz"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newWorkerStore(t *testing.T, clock *fakeClock) *storage.Store {
	t.Helper()
	logger.Log = zaptest.NewLogger(t).Named("test")

	opts := storage.Options{
		Driver:         storage.DriverSQLite,
		Path:           filepath.Join(t.TempDir(), "fbclid_cache.db"),
		AutoMigrate:    true,
		ConnectTimeout: 5 * time.Second,
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	s, err := storage.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newResolverMock() *ucmock.ResolverMock {
	r := new(ucmock.ResolverMock)
	r.On("Provider").Return(model.ProviderFacebook).Maybe()
	r.On("Fingerprint").Return(testFingerprint).Maybe()
	return r
}

func seedPending(t *testing.T, s storage.ClickRepo, rawIDs ...string) {
	t.Helper()
	for _, id := range rawIDs {
		_, err := s.UpsertPending(context.Background(), model.PendingClick{RawID: id, Provider: model.ProviderFacebook, Tenant: model.DefaultTenant})
		require.NoError(t, err)
	}
}

func authError() error {
	return &apperrors.UpstreamError{
		Kind:       apperrors.KindAuth,
		Operation:  "search_campaign",
		StatusCode: 400,
		Code:       190,
		Subcode:    463,
		Type:       "OAuthException",
		Message:    "Error validating access token: Session has expired",
	}
}

func TestEnrichmentWorker_FreshFbclidResolves(t *testing.T) {
	s := newWorkerStore(t, nil)
	ctx := context.Background()

	hint := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	_, err := s.UpsertPending(ctx, model.PendingClick{RawID: "IwAR_xyz", Provider: model.ProviderFacebook, Tenant: "degrau", CreationTimeHint: &hint})
	require.NoError(t, err)

	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, "fb.1.1736510400.IwAR_xyz").
		Return(&model.CampaignTuple{CampaignName: "Promo-Enero", CampaignID: "120210", AdsetName: "Adset A", AdName: "Ad 1"}, nil).Once()

	w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50}, zaptest.NewLogger(t))
	result, err := w.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Success)
	assert.False(t, result.AuthAborted)

	row, err := s.Get(ctx, "IwAR_xyz")
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, row.State)
	assert.Equal(t, "fb.1.1736510400.IwAR_xyz", row.CanonicalID)
	require.NotNil(t, row.CampaignName)
	assert.Equal(t, "Promo-Enero", *row.CampaignName)
	resolver.AssertExpectations(t)
}

func TestEnrichmentWorker_MissIsCachedWithinStaleWindow(t *testing.T) {
	s := newWorkerStore(t, nil)
	ctx := context.Background()
	seedPending(t, s, "IwAR_unknown")

	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, mock.AnythingOfType("string")).Return(nil, nil).Once()

	w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50, StaleAfter: 30 * 24 * time.Hour}, zaptest.NewLogger(t))
	result, err := w.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NotFound)

	row, err := s.Get(ctx, "IwAR_unknown")
	require.NoError(t, err)
	assert.Equal(t, model.StateNotFound, row.State)
	require.NotNil(t, row.CampaignName)
	assert.Equal(t, model.NotFoundSentinel, *row.CampaignName)

	// Second run inside stale_after makes no upstream call
	again, err := w.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Total)
	resolver.AssertNumberOfCalls(t, "SearchCampaign", 1)
	resolver.AssertNotCalled(t, "PushConversionEvent", mock.Anything, mock.Anything)
}

func TestEnrichmentWorker_AuthFailureAbortsBatch(t *testing.T) {
	s := newWorkerStore(t, nil)
	ctx := context.Background()
	seedPending(t, s, "IwAR_first", "IwAR_second", "IwAR_third")

	core, logs := zapobserver.New(zapcore.DebugLevel)
	var order []string
	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, mock.Anything).Return(nil, authError()).Once()

	w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50}, zap.New(core))
	result, err := w.RunBatch(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailure)
	assert.True(t, result.AuthAborted)
	assert.Equal(t, 0, result.Total)

	var af *apperrors.AuthFailure
	require.True(t, errors.As(err, &af))
	assert.Equal(t, testFingerprint, af.Fingerprint)
	assert.Equal(t, 190, af.Code)
	assert.Equal(t, 463, af.Subcode)

	alerts := logs.FilterMessage("Upstream authentication failed").All()
	require.Len(t, alerts, 1)
	fields := alerts[0].ContextMap()
	assert.Equal(t, testFingerprint, fields["token_fingerprint"])
	assert.EqualValues(t, 190, fields["vendor_code"])
	assert.EqualValues(t, 463, fields["vendor_subcode"])
	assert.Equal(t, "facebook", fields["provider"])

	stats, err := s.Stats(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Pending)
	assert.EqualValues(t, 0, stats.Error, "no row may transition to error on auth failure")
	resolver.AssertNumberOfCalls(t, "SearchCampaign", 1)

	// After the token is fixed the next run starts from the same FIFO position
	resolver.On("SearchCampaign", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { order = append(order, args.String(1)) }).
		Return(&model.CampaignTuple{CampaignName: "Promo"}, nil)
	result, err = w.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Success)
	require.Len(t, order, 3)
	for i, raw := range []string{"IwAR_first", "IwAR_second", "IwAR_third"} {
		row, err := s.Get(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, row.CanonicalID, order[i])
	}
}

func TestEnrichmentWorker_StaleRowIsRefreshed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newWorkerStore(t, clock)
	ctx := context.Background()
	seedPending(t, s, "IwAR_stale")
	require.NoError(t, s.SetResolved(ctx, "IwAR_stale", &model.CampaignTuple{CampaignName: "Old"}))
	before, err := s.Get(ctx, "IwAR_stale")
	require.NoError(t, err)

	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, before.CanonicalID).Return(&model.CampaignTuple{CampaignName: "New"}, nil).Once()
	w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50, StaleAfter: 30 * 24 * time.Hour}, zaptest.NewLogger(t))

	result, err := w.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total, "fresh resolved row is not re-selected")

	clock.Advance(40 * 24 * time.Hour)
	result, err = w.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Success)

	after, err := s.Get(ctx, "IwAR_stale")
	require.NoError(t, err)
	assert.Equal(t, "New", *after.CampaignName)
	assert.True(t, after.LastUpdated.After(before.LastUpdated))
	resolver.AssertExpectations(t)
}

func TestEnrichmentWorker_RowErrorClassification(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantState model.State
		wantCount func(r BatchResult) int
	}{
		{
			name:      "transient exhausted",
			err:       &apperrors.UpstreamError{Kind: apperrors.KindTransient, Operation: "search_campaign", StatusCode: 503, Message: "unavailable"},
			wantState: model.StateError,
			wantCount: func(r BatchResult) int { return r.Error },
		},
		{
			name:      "permanent unknown object",
			err:       &apperrors.UpstreamError{Kind: apperrors.KindPermanent, Operation: "search_campaign", StatusCode: 400, Code: 100, Message: "Invalid parameter"},
			wantState: model.StateNotFound,
			wantCount: func(r BatchResult) int { return r.NotFound },
		},
		{
			name:      "permanent policy denial",
			err:       &apperrors.UpstreamError{Kind: apperrors.KindPermanent, Operation: "search_campaign", StatusCode: 403, Code: 10, Message: "Permission denied"},
			wantState: model.StateError,
			wantCount: func(r BatchResult) int { return r.Error },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newWorkerStore(t, nil)
			ctx := context.Background()
			seedPending(t, s, "IwAR_row", "IwAR_next")

			resolver := newResolverMock()
			resolver.On("SearchCampaign", mock.Anything, mock.Anything).Return(nil, tc.err).Once()
			resolver.On("SearchCampaign", mock.Anything, mock.Anything).Return(&model.CampaignTuple{CampaignName: "Promo"}, nil).Once()

			w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50}, zaptest.NewLogger(t))
			result, err := w.RunBatch(ctx, 0)
			require.NoError(t, err, "row errors never leave the batch")
			assert.Equal(t, 2, result.Total)
			assert.Equal(t, 1, result.Success)
			assert.Equal(t, 1, tc.wantCount(result))

			row, err := s.Get(ctx, "IwAR_row")
			require.NoError(t, err)
			assert.Equal(t, tc.wantState, row.State)

			if tc.wantState == model.StateError {
				history, err := s.ErrorsFor(ctx, "IwAR_row", 10)
				require.NoError(t, err)
				require.Len(t, history, 1)
				assert.Contains(t, history[0].Reason, tc.err.Error())
			}
		})
	}
}

func TestEnrichmentWorker_SeedOnMiss(t *testing.T) {
	hint := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	t.Run("pushes event then caches miss", func(t *testing.T) {
		s := newWorkerStore(t, nil)
		ctx := context.Background()
		_, err := s.UpsertPending(ctx, model.PendingClick{RawID: "IwAR_seed", Provider: model.ProviderFacebook, Tenant: "degrau", CreationTimeHint: &hint})
		require.NoError(t, err)

		resolver := newResolverMock()
		resolver.On("SearchCampaign", mock.Anything, "fb.1.1736510400.IwAR_seed").Return(nil, nil).Once()
		resolver.On("PushConversionEvent", mock.Anything, mock.MatchedBy(func(ev upstream.ConversionEvent) bool {
			_, uuidErr := uuid.Parse(ev.EventID)
			return ev.CanonicalID == "fb.1.1736510400.IwAR_seed" &&
				ev.EventName == "Lead" &&
				ev.EventTime.Equal(hint) &&
				uuidErr == nil
		})).Return(1, nil).Once()

		w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50, SeedOnMiss: true}, zaptest.NewLogger(t))
		result, err := w.RunBatch(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.NotFound)
		resolver.AssertExpectations(t)
	})

	t.Run("push failure does not block not_found", func(t *testing.T) {
		s := newWorkerStore(t, nil)
		ctx := context.Background()
		seedPending(t, s, "IwAR_seed")

		resolver := newResolverMock()
		resolver.On("SearchCampaign", mock.Anything, mock.Anything).Return(nil, nil).Once()
		resolver.On("PushConversionEvent", mock.Anything, mock.Anything).
			Return(0, &apperrors.UpstreamError{Kind: apperrors.KindPermanent, StatusCode: 400, Message: "bad pixel"}).Once()

		w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50, SeedOnMiss: true}, zaptest.NewLogger(t))
		result, err := w.RunBatch(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, result.NotFound)
	})

	t.Run("push auth failure aborts", func(t *testing.T) {
		s := newWorkerStore(t, nil)
		ctx := context.Background()
		seedPending(t, s, "IwAR_seed")

		resolver := newResolverMock()
		resolver.On("SearchCampaign", mock.Anything, mock.Anything).Return(nil, nil).Once()
		resolver.On("PushConversionEvent", mock.Anything, mock.Anything).Return(0, authError()).Once()

		w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50, SeedOnMiss: true}, zaptest.NewLogger(t))
		result, err := w.RunBatch(ctx, 0)
		assert.ErrorIs(t, err, apperrors.ErrAuthFailure)
		assert.True(t, result.AuthAborted)

		row, err := s.Get(ctx, "IwAR_seed")
		require.NoError(t, err)
		assert.Equal(t, model.StatePending, row.State)
	})
}

func TestEnrichmentWorker_DrainTerminates(t *testing.T) {
	s := newWorkerStore(t, nil)
	ctx := context.Background()
	seedPending(t, s, "IwAR_a", "IwAR_b", "IwAR_c", "IwAR_d", "IwAR_e")

	// Always-failing upstream: error rows stay eligible but are visited once per drain
	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, mock.Anything).
		Return(nil, &apperrors.UpstreamError{Kind: apperrors.KindTransient, StatusCode: 500, Message: "boom"})

	w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 2}, zaptest.NewLogger(t))
	result, err := w.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 5, result.Error)
	resolver.AssertNumberOfCalls(t, "SearchCampaign", 5)
}

func TestEnrichmentWorker_DrainReachesFixpoint(t *testing.T) {
	s := newWorkerStore(t, nil)
	ctx := context.Background()
	seedPending(t, s, "IwAR_a", "IwAR_b", "IwAR_c")

	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, mock.Anything).Return(nil, nil)

	w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 2}, zaptest.NewLogger(t))
	result, err := w.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.NotFound)

	rows, err := s.SelectForEnrichment(ctx, 10, model.ProviderFacebook, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEnrichmentWorker_DrainMaxRows(t *testing.T) {
	s := newWorkerStore(t, nil)
	ctx := context.Background()
	seedPending(t, s, "IwAR_a", "IwAR_b", "IwAR_c", "IwAR_d", "IwAR_e")

	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, mock.Anything).Return(&model.CampaignTuple{CampaignName: "Promo"}, nil)

	w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 2}, zaptest.NewLogger(t))
	result, err := w.Drain(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	resolver.AssertNumberOfCalls(t, "SearchCampaign", 3)
}

func TestEnrichmentWorker_CancelledBetweenRows(t *testing.T) {
	s := newWorkerStore(t, nil)
	seedPending(t, s, "IwAR_a", "IwAR_b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&model.CampaignTuple{CampaignName: "Promo"}, nil).Once()

	w := NewEnrichmentWorker(s, resolver, WorkerConfig{BatchSize: 50}, zaptest.NewLogger(t))
	_, err := w.RunBatch(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	resolver.AssertNumberOfCalls(t, "SearchCampaign", 1)
}

func TestEnrichmentWorker_StoreCorruptedAborts(t *testing.T) {
	repo := new(storagemock.ClickRepoMock)
	rows := []model.ClickIdentifier{
		{RawID: "IwAR_a", CanonicalID: "fb.1.1.IwAR_a", Provider: model.ProviderFacebook, State: model.StatePending},
		{RawID: "IwAR_b", CanonicalID: "fb.1.1.IwAR_b", Provider: model.ProviderFacebook, State: model.StatePending},
	}
	repo.On("SelectForEnrichment", mock.Anything, 50, model.ProviderFacebook, mock.Anything).Return(rows, nil).Once()
	repo.On("SetResolved", mock.Anything, "IwAR_a", mock.Anything).
		Return(apperrors.NewFatal(apperrors.ErrStoreCorrupted, "database disk image is malformed")).Once()

	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, "fb.1.1.IwAR_a").Return(&model.CampaignTuple{CampaignName: "Promo"}, nil).Once()

	w := NewEnrichmentWorker(repo, resolver, WorkerConfig{BatchSize: 50}, zaptest.NewLogger(t))
	result, err := w.RunBatch(context.Background(), 0)
	assert.ErrorIs(t, err, apperrors.ErrStoreCorrupted)
	assert.Equal(t, 0, result.Total)
	repo.AssertExpectations(t)
	resolver.AssertExpectations(t)
}

func TestEnrichmentWorker_EnrichRow(t *testing.T) {
	s := newWorkerStore(t, nil)
	ctx := context.Background()
	seedPending(t, s, "IwAR_sync")
	row, err := s.Get(ctx, "IwAR_sync")
	require.NoError(t, err)

	resolver := newResolverMock()
	resolver.On("SearchCampaign", mock.Anything, row.CanonicalID).Return(&model.CampaignTuple{CampaignName: "Promo"}, nil).Once()
	w := NewEnrichmentWorker(s, resolver, WorkerConfig{}, zaptest.NewLogger(t))

	state, err := w.EnrichRow(ctx, row)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, state)

	_, err = w.EnrichRow(ctx, &model.ClickIdentifier{RawID: "Cj0K", Provider: model.ProviderGoogle})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedProvider)
}

func TestBatchResult_Add(t *testing.T) {
	total := BatchResult{Provider: model.ProviderFacebook}
	total.Add(BatchResult{Total: 3, Success: 1, NotFound: 1, Error: 1, Duration: time.Second})
	total.Add(BatchResult{Total: 1, Success: 1, AuthAborted: true, Duration: time.Second})
	assert.Equal(t, BatchResult{Provider: model.ProviderFacebook, Total: 4, Success: 2, NotFound: 1, Error: 1, AuthAborted: true, Duration: 2 * time.Second}, total)
}
