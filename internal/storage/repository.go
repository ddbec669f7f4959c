package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/click-attribution/internal/model"
)

// ClickRepo defines attribution store operations
type ClickRepo interface {
	// UpsertPending inserts a pending row if raw_id is absent, otherwise returns the existing row untouched.
	UpsertPending(ctx context.Context, click model.PendingClick) (*model.ClickIdentifier, error)
	// UpsertPendingBatch inserts pending rows committing every commitEvery rows. It returns the number of new rows.
	UpsertPendingBatch(ctx context.Context, clicks []model.PendingClick, commitEvery int) (int, error)

	SetResolved(ctx context.Context, rawID string, tuple *model.CampaignTuple) error
	SetNotFound(ctx context.Context, rawID string, payload []byte) error
	SetError(ctx context.Context, rawID string, reason string) error
	// RequestRefresh moves rows back to pending. Unknown ids are skipped.
	RequestRefresh(ctx context.Context, rawIDs ...string) (int, error)

	Get(ctx context.Context, rawID string) (*model.ClickIdentifier, error)
	GetMany(ctx context.Context, rawIDs []string) (map[string]*model.ClickIdentifier, error)
	SelectForEnrichment(ctx context.Context, limit int, provider model.Provider, maxAge time.Duration) ([]model.ClickIdentifier, error)
	BulkGetByTenant(ctx context.Context, tenant string, from, to time.Time, limit int) ([]model.ClickIdentifier, error)
	FindByCampaign(ctx context.Context, campaignName, tenant string, limit int) ([]model.ClickIdentifier, error)
	Stats(ctx context.Context, tenant string, from, to time.Time) (*model.Stats, error)
	ErrorsFor(ctx context.Context, rawID string, limit int) ([]model.ClickError, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ ClickRepo = (*Store)(nil)
