package usecase

import (
	"context"

	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/upstream"
)

// Resolver looks click ids up on one attribution back-end.
// *upstream.Client implements it for Facebook.
type Resolver interface {
	Provider() model.Provider
	// Fingerprint identifies the credential in use, never the credential itself.
	Fingerprint() string
	SearchCampaign(ctx context.Context, canonicalID string) (*model.CampaignTuple, error)
	PushConversionEvent(ctx context.Context, ev upstream.ConversionEvent) (int, error)
}

var _ Resolver = (*upstream.Client)(nil)

// RowEnricher enriches a single stored row. The facade uses it for
// synchronous lookups.
type RowEnricher interface {
	Provider() model.Provider
	EnrichRow(ctx context.Context, row *model.ClickIdentifier) (model.State, error)
}

var _ RowEnricher = (*EnrichmentWorker)(nil)
