package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/click-attribution/internal/model"
)

// ClickRepoMock mocks the storage.ClickRepo interface
type ClickRepoMock struct {
	mock.Mock
}

// UpsertPending mocks the UpsertPending method
func (m *ClickRepoMock) UpsertPending(ctx context.Context, click model.PendingClick) (*model.ClickIdentifier, error) {
	args := m.Called(ctx, click)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ClickIdentifier), args.Error(1)
}

// UpsertPendingBatch mocks the UpsertPendingBatch method
func (m *ClickRepoMock) UpsertPendingBatch(ctx context.Context, clicks []model.PendingClick, commitEvery int) (int, error) {
	args := m.Called(ctx, clicks, commitEvery)
	return args.Int(0), args.Error(1)
}

// SetResolved mocks the SetResolved method
func (m *ClickRepoMock) SetResolved(ctx context.Context, rawID string, tuple *model.CampaignTuple) error {
	args := m.Called(ctx, rawID, tuple)
	return args.Error(0)
}

// SetNotFound mocks the SetNotFound method
func (m *ClickRepoMock) SetNotFound(ctx context.Context, rawID string, payload []byte) error {
	args := m.Called(ctx, rawID, payload)
	return args.Error(0)
}

// SetError mocks the SetError method
func (m *ClickRepoMock) SetError(ctx context.Context, rawID string, reason string) error {
	args := m.Called(ctx, rawID, reason)
	return args.Error(0)
}

// RequestRefresh mocks the RequestRefresh method
func (m *ClickRepoMock) RequestRefresh(ctx context.Context, rawIDs ...string) (int, error) {
	args := m.Called(ctx, rawIDs)
	return args.Int(0), args.Error(1)
}

// Get mocks the Get method
func (m *ClickRepoMock) Get(ctx context.Context, rawID string) (*model.ClickIdentifier, error) {
	args := m.Called(ctx, rawID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ClickIdentifier), args.Error(1)
}

// GetMany mocks the GetMany method
func (m *ClickRepoMock) GetMany(ctx context.Context, rawIDs []string) (map[string]*model.ClickIdentifier, error) {
	args := m.Called(ctx, rawIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*model.ClickIdentifier), args.Error(1)
}

// SelectForEnrichment mocks the SelectForEnrichment method
func (m *ClickRepoMock) SelectForEnrichment(ctx context.Context, limit int, provider model.Provider, maxAge time.Duration) ([]model.ClickIdentifier, error) {
	args := m.Called(ctx, limit, provider, maxAge)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ClickIdentifier), args.Error(1)
}

// BulkGetByTenant mocks the BulkGetByTenant method
func (m *ClickRepoMock) BulkGetByTenant(ctx context.Context, tenant string, from, to time.Time, limit int) ([]model.ClickIdentifier, error) {
	args := m.Called(ctx, tenant, from, to, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ClickIdentifier), args.Error(1)
}

// FindByCampaign mocks the FindByCampaign method
func (m *ClickRepoMock) FindByCampaign(ctx context.Context, campaignName, tenant string, limit int) ([]model.ClickIdentifier, error) {
	args := m.Called(ctx, campaignName, tenant, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ClickIdentifier), args.Error(1)
}

// Stats mocks the Stats method
func (m *ClickRepoMock) Stats(ctx context.Context, tenant string, from, to time.Time) (*model.Stats, error) {
	args := m.Called(ctx, tenant, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Stats), args.Error(1)
}

// ErrorsFor mocks the ErrorsFor method
func (m *ClickRepoMock) ErrorsFor(ctx context.Context, rawID string, limit int) ([]model.ClickError, error) {
	args := m.Called(ctx, rawID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ClickError), args.Error(1)
}

// Ping mocks the Ping method
func (m *ClickRepoMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close mocks the Close method
func (m *ClickRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
