package mock

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/click-attribution/internal/jetstream"
)

// ClientMock is a mock implementation of the JetStream Client
type ClientMock struct {
	mock.Mock
}

var _ jetstream.ClientInterface = (*ClientMock)(nil)

// SetupStream mocks the SetupStream method
func (m *ClientMock) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	args := m.Called(ctx, streamConfig)
	return args.Error(0)
}

// SetupConsumer mocks the SetupConsumer method
func (m *ClientMock) SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	args := m.Called(ctx, streamName, consumerConfig)
	return args.Error(0)
}

// SubscribePull mocks the SubscribePull method
func (m *ClientMock) SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error) {
	args := m.Called(streamName, subject, consumer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*nats.Subscription), args.Error(1)
}

// Publish mocks the Publish method
func (m *ClientMock) Publish(ctx context.Context, subject string, data []byte, msgID string) (bool, error) {
	args := m.Called(ctx, subject, data, msgID)
	return args.Bool(0), args.Error(1)
}

// Ping mocks the Ping method
func (m *ClientMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close mocks the Close method
func (m *ClientMock) Close() {
	m.Called()
}
