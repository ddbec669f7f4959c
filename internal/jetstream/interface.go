package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the JetStream surface used by the click ingest consumer.
type ClientInterface interface {
	// SetupStream creates the stream or updates it when the config drifted.
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// SetupConsumer creates the durable consumer or recreates it when the config drifted.
	SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error

	// SubscribePull binds a pull subscription to an existing durable consumer.
	SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error)

	// Publish stores data on subject and reports whether the stream dropped it
	// as a duplicate of msgID.
	Publish(ctx context.Context, subject string, data []byte, msgID string) (bool, error)

	// Ping checks the server connection.
	Ping(ctx context.Context) error

	Close()
}
