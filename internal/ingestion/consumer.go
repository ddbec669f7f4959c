package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
	"gitlab.com/timkado/api/click-attribution/internal/config"
	"gitlab.com/timkado/api/click-attribution/internal/jetstream"
	"gitlab.com/timkado/api/click-attribution/internal/model"
	"gitlab.com/timkado/api/click-attribution/internal/observer"
	"gitlab.com/timkado/api/click-attribution/internal/usecase"
	"gitlab.com/timkado/api/click-attribution/pkg/logger"
	"gitlab.com/timkado/api/click-attribution/pkg/utils"
)

// AckNakAction is the fate of a message after its batch was processed
type AckNakAction int

const (
	ActionAck      AckNakAction = iota // stored, or already stored
	ActionNakDelay                     // store failure with deliveries left
	ActionTerm                         // invalid record, or deliveries exhausted
)

const (
	nakBaseDelay = time.Second
	nakMaxDelay  = time.Minute
)

// ConsumerConfig configures the click ingest consumer.
type ConsumerConfig struct {
	Stream     string
	Subject    string
	Consumer   string
	MaxAgeDays int
	MaxDeliver int
	AckWait    time.Duration
	FetchWait  time.Duration
	BatchSize  int
}

// ConsumerConfigFromConfig maps the nats and enrichment config sections.
func ConsumerConfigFromConfig(cfg *config.Config) ConsumerConfig {
	return ConsumerConfig{
		Stream:     cfg.NATS.Stream,
		Subject:    cfg.NATS.Subject,
		Consumer:   cfg.NATS.Consumer,
		MaxAgeDays: cfg.NATS.MaxAgeDays,
		MaxDeliver: cfg.NATS.MaxDeliver,
		AckWait:    cfg.NATS.AckWait,
		FetchWait:  cfg.NATS.FetchWait,
		BatchSize:  cfg.Enrichment.BatchSize,
	}
}

// delivery is one fetched message.
type delivery struct {
	subject      string
	data         []byte
	numDelivered uint64
	msg          acker
}

// Consumer pulls raw click records from JetStream and stores them as pending
// rows. A message is acked only after its batch was committed.
type Consumer struct {
	client     jetstream.ClientInterface
	ingester   Ingester
	cfg        ConsumerConfig
	baseLogger *zap.Logger

	sub    *nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates the consumer. Call Setup and Start to run it.
func NewConsumer(client jetstream.ClientInterface, ingester Ingester, cfg ConsumerConfig, baseLogger *zap.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	return &Consumer{
		client:     client,
		ingester:   ingester,
		cfg:        cfg,
		baseLogger: baseLogger.Named("ingest_consumer").With(zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer)),
	}
}

// Setup configures the NATS stream and durable pull consumer
func (c *Consumer) Setup(ctx context.Context) error {
	ctx = logger.WithLogger(ctx, c.baseLogger)

	streamCfg := &nats.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.cfg.Subject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(c.cfg.MaxAgeDays*24) * time.Hour,
	}
	if err := c.client.SetupStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to setup ingest stream '%s': %w", c.cfg.Stream, err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:       c.cfg.Consumer,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		MaxAckPending: c.cfg.BatchSize * 4,
		DeliverPolicy: nats.DeliverAllPolicy,
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}
	if err := c.client.SetupConsumer(ctx, c.cfg.Stream, consumerCfg); err != nil {
		return fmt.Errorf("failed to setup ingest consumer '%s' for stream '%s': %w", c.cfg.Consumer, c.cfg.Stream, err)
	}

	c.baseLogger.Info("Ingest consumer setup complete", zap.String("subject", c.cfg.Subject))
	return nil
}

// Start subscribes and fetches batches until Stop or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.client.SubscribePull(c.cfg.Stream, c.cfg.Subject, c.cfg.Consumer)
	if err != nil {
		return fmt.Errorf("failed to subscribe ingest consumer '%s': %w", c.cfg.Consumer, err)
	}
	c.sub = sub

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	ctx = logger.WithLogger(ctx, c.baseLogger)

	c.wg.Add(1)
	utils.SafeGo(func() {
		defer c.wg.Done()
		c.fetchLoop(ctx)
	}, nil)

	c.baseLogger.Info("Ingest consumer started", zap.Int("batch_size", c.cfg.BatchSize))
	return nil
}

func (c *Consumer) fetchLoop(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := c.sub.Fetch(c.cfg.BatchSize, nats.MaxWait(c.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				c.baseLogger.Warn("Ingest subscription closed", zap.Error(err))
				return
			}
			c.baseLogger.Error("Failed to fetch ingest batch", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		batch := make([]delivery, 0, len(msgs))
		for _, m := range msgs {
			d := delivery{subject: m.Subject, data: m.Data, numDelivered: 1, msg: m}
			if meta, err := m.Metadata(); err == nil {
				d.numDelivered = meta.NumDelivered
			}
			batch = append(batch, d)
		}
		c.processBatch(ctx, batch)
	}
}

// processBatch decodes, stores and acknowledges one fetched batch.
func (c *Consumer) processBatch(ctx context.Context, batch []delivery) {
	log := logger.FromContextOr(ctx, c.baseLogger)
	start := utils.Now()

	records := make([]model.IngestRecord, 0, len(batch))
	owners := make([]int, 0, len(batch))
	actions := make([]AckNakAction, len(batch))

	for i, d := range batch {
		var rec model.IngestRecord
		if err := json.Unmarshal(d.data, &rec); err != nil {
			log.Warn("Terminating undecodable ingest message", zap.String("subject", d.subject), zap.Error(err))
			observer.IncIngestRecord(usecase.SourceNATS, "", "undecodable")
			actions[i] = ActionTerm
			continue
		}
		if subjectTenant, ok := model.TenantFromSubject(d.subject); ok && rec.Tenant == "" {
			rec.Tenant = subjectTenant
		}
		records = append(records, rec)
		owners = append(owners, i)
	}

	var storeErr error
	if len(records) > 0 {
		report, err := c.ingester.Ingest(ctx, usecase.SourceNATS, records)
		storeErr = err
		if report != nil {
			for _, e := range report.Errors {
				actions[owners[e.Index]] = ActionTerm
			}
		}
		for _, i := range owners {
			if actions[i] == ActionTerm {
				continue
			}
			actions[i] = determineAckNakAction(storeErr, batch[i].numDelivered, c.cfg.MaxDeliver)
		}
	}

	acked, naked, termed := 0, 0, 0
	for i, d := range batch {
		switch actions[i] {
		case ActionAck:
			acked++
			if err := d.msg.Ack(); err != nil {
				log.Error("Failed to ACK ingest message", zap.String("subject", d.subject), zap.Error(err))
			}
		case ActionNakDelay:
			naked++
			if err := d.msg.NakWithDelay(nakDelay(d.numDelivered)); err != nil {
				log.Error("Failed to NAK ingest message", zap.String("subject", d.subject), zap.Error(err))
			}
		case ActionTerm:
			termed++
			if err := d.msg.Term(); err != nil {
				log.Error("Failed to TERM ingest message", zap.String("subject", d.subject), zap.Error(err))
			}
		}
	}

	fields := []zap.Field{
		zap.Int("messages", len(batch)),
		zap.Int("acked", acked),
		zap.Int("naked", naked),
		zap.Int("terminated", termed),
		zap.Duration("duration", time.Since(start)),
	}
	if storeErr != nil {
		log.Error("Ingest batch failed to store", append(fields, zap.Error(storeErr))...)
		return
	}
	log.Debug("Ingest batch processed", fields...)
}

// determineAckNakAction decides the fate of a valid record after its batch was stored.
func determineAckNakAction(storeErr error, numDelivered uint64, maxDeliver int) AckNakAction {
	if storeErr == nil {
		return ActionAck
	}
	if apperrors.IsStoreCorrupted(storeErr) {
		// Redelivery after repair, not now
		return ActionNakDelay
	}
	if numDelivered >= uint64(maxDeliver) {
		return ActionTerm
	}
	return ActionNakDelay
}

// nakDelay backs off exponentially with the delivery count.
func nakDelay(numDelivered uint64) time.Duration {
	delay := nakBaseDelay
	for i := uint64(1); i < numDelivered && delay < nakMaxDelay; i++ {
		delay *= 2
	}
	return min(delay, nakMaxDelay)
}

// Stop stops fetching, waits for the in-flight batch and unsubscribes
func (c *Consumer) Stop() {
	c.baseLogger.Info("Stopping ingest consumer")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.baseLogger.Warn("Error unsubscribing ingest consumer", zap.Error(err))
		}
	}
	c.baseLogger.Info("Ingest consumer stopped")
}
