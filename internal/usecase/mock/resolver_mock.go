package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/upstream"
)

// ResolverMock mocks the usecase.Resolver interface
type ResolverMock struct {
	mock.Mock
}

// Provider mocks the Provider method
func (m *ResolverMock) Provider() model.Provider {
	args := m.Called()
	return args.Get(0).(model.Provider)
}

// Fingerprint mocks the Fingerprint method
func (m *ResolverMock) Fingerprint() string {
	args := m.Called()
	return args.String(0)
}

// SearchCampaign mocks the SearchCampaign method
func (m *ResolverMock) SearchCampaign(ctx context.Context, canonicalID string) (*model.CampaignTuple, error) {
	args := m.Called(ctx, canonicalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CampaignTuple), args.Error(1)
}

// PushConversionEvent mocks the PushConversionEvent method
func (m *ResolverMock) PushConversionEvent(ctx context.Context, ev upstream.ConversionEvent) (int, error) {
	args := m.Called(ctx, ev)
	return args.Int(0), args.Error(1)
}

// RowEnricherMock mocks the usecase.RowEnricher interface
type RowEnricherMock struct {
	mock.Mock
}

// Provider mocks the Provider method
func (m *RowEnricherMock) Provider() model.Provider {
	args := m.Called()
	return args.Get(0).(model.Provider)
}

// EnrichRow mocks the EnrichRow method
func (m *RowEnricherMock) EnrichRow(ctx context.Context, row *model.ClickIdentifier) (model.State, error) {
	args := m.Called(ctx, row)
	return args.Get(0).(model.State), args.Error(1)
}
