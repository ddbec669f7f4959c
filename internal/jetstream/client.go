package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// Client wraps a NATS connection and its JetStream context
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ ClientInterface = (*Client)(nil)

// NewClient connects to NATS and opens a JetStream context. name identifies
// the process in server monitoring.
func NewClient(url, name string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
			logger.Log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{
		nc: nc,
		js: js,
	}, nil
}

// SetupStream ensures the stream exists with the given configuration
func (c *Client) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx)

	log.Debug("Setting up stream", zap.String("config", fmt.Sprintf("%+v", streamConfig)))

	stream, err := c.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamConfig.Name, err)
	}

	if stream == nil {
		_, err = c.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to add stream '%s': %w", streamConfig.Name, err)
		}
		log.Info(
			"Created stream", zap.String("name", streamConfig.Name),
			zap.Any("subjects", streamConfig.Subjects),
		)
	} else {
		if !utils.StreamConfigEqual(stream.Config, *streamConfig) {
			_, err = c.js.UpdateStream(streamConfig)
			if err != nil {
				return fmt.Errorf("failed to update stream '%s': %w", streamConfig.Name, err)
			}
			log.Info(
				"Updated stream", zap.String("name", streamConfig.Name),
				zap.Any("subjects", streamConfig.Subjects),
			)
		} else {
			log.Debug("Stream is up to date", zap.String("name", streamConfig.Name))
		}
	}

	return nil
}

// SetupConsumer ensures the consumer exists with the given configuration for a specific stream
func (c *Client) SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamName), zap.String("consumer", consumerConfig.Durable))

	log.Debug("Setting up consumer", zap.String("config", fmt.Sprintf("%+v", consumerConfig)))

	consumer, err := c.js.ConsumerInfo(streamName, consumerConfig.Durable)
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for stream '%s', consumer '%s': %w", streamName, consumerConfig.Durable, err)
	}

	if consumer == nil {
		_, err = c.js.AddConsumer(streamName, consumerConfig)
		if err != nil {
			return fmt.Errorf("failed to add consumer '%s' to stream '%s': %w", consumerConfig.Durable, streamName, err)
		}
		log.Info("Created consumer", zap.String("filter_subject", consumerConfig.FilterSubject))
	} else {
		// Durable pull consumers cannot change every field in place
		if !utils.ConsumerConfigEqual(consumer.Config, *consumerConfig) {
			log.Warn("Consumer config mismatch, attempting update by delete/add",
				zap.String("provided_cfg", fmt.Sprintf("%+v", consumerConfig)),
				zap.String("current_cfg", fmt.Sprintf("%+v", consumer.Config)),
			)
			err = c.js.DeleteConsumer(streamName, consumerConfig.Durable)
			if err != nil {
				return fmt.Errorf("failed to delete existing consumer '%s' from stream '%s' for update: %w", consumerConfig.Durable, streamName, err)
			}
			_, err = c.js.AddConsumer(streamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to re-add consumer '%s' to stream '%s' during update: %w", consumerConfig.Durable, streamName, err)
			}
			log.Info("Recreated consumer", zap.String("filter_subject", consumerConfig.FilterSubject))
		} else {
			log.Debug("Consumer is up to date")
		}
	}

	return nil
}

// SubscribePull creates a pull-based consumer subscription
func (c *Client) SubscribePull(streamName, subject, consumer string) (*nats.Subscription, error) {
	sub, err := c.js.PullSubscribe(
		subject,
		consumer,
		nats.Bind(streamName, consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull subscription for stream '%s', consumer '%s': %w", streamName, consumer, err)
	}

	return sub, nil
}

// Publish stores data on subject. msgID feeds the stream duplicate window:
// a second publish with the same id within it is acknowledged but not stored,
// which is reported as duplicate.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) (bool, error) {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	ack, err := c.js.Publish(subject, data, opts...)
	if err != nil {
		return false, fmt.Errorf("%w: failed to publish to '%s': %w", apperrors.ErrNATS, subject, err)
	}
	return ack.Duplicate, nil
}

// Ping round-trips to the server. It fails fast while the client is reconnecting.
func (c *Client) Ping(ctx context.Context) error {
	if c.nc == nil || !c.nc.IsConnected() {
		return fmt.Errorf("%w: not connected", apperrors.ErrNATS)
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrNATS, err)
	}
	return nil
}

// Close drains subscriptions so in-flight acks reach the server, then closes
// the connection.
func (c *Client) Close() {
	if c.nc == nil || c.nc.IsClosed() {
		return
	}
	if err := c.nc.Drain(); err != nil {
		logger.Log.Warn("NATS drain failed, closing", zap.Error(err))
		c.nc.Close()
	}
}
