package ingestion

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
)

// Ingester stores raw click records as pending rows.
type Ingester interface {
	Ingest(ctx context.Context, source string, records []model.IngestRecord) (*usecase.IngestReport, error)
}

var _ Ingester = (*usecase.IngestService)(nil)

// ConsumerInterface defines the lifecycle of the click ingest consumer
type ConsumerInterface interface {
	// Setup ensures the stream and durable consumer exist
	Setup(ctx context.Context) error

	// Start subscribes and begins fetching batches
	Start(ctx context.Context) error

	// Stop stops fetching and waits for the in-flight batch
	Stop()
}

var _ ConsumerInterface = (*Consumer)(nil)

// acker is the part of *nats.Msg the consumer acknowledges through.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}
