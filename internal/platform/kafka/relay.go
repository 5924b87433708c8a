// Package kafka relays the audit outbox to a Kafka topic so downstream
// compliance and fraud consumers receive every audit entry at least once.
package kafka

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"veriflow/internal/platform/config"
	auditpg "veriflow/pkg/platform/audit/store/postgres"
)

// Outbox is the subset of the postgres audit store the relay drains.
type Outbox interface {
	FetchUnpublished(ctx context.Context, limit int) ([]auditpg.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Producer is satisfied by *kgo.Client.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// NewProducer builds a franz-go client that waits for all in-sync replicas.
func NewProducer(cfg config.Kafka) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

type Relay struct {
	outbox    Outbox
	producer  Producer
	topic     string
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func NewRelay(outbox Outbox, producer Producer, cfg config.Kafka, opts ...Option) *Relay {
	r := &Relay{
		outbox:    outbox,
		producer:  producer,
		topic:     cfg.Topic,
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if r.interval <= 0 {
		r.interval = 2 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.PublishBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "audit outbox relay failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PublishBatch publishes one batch and marks the delivered rows. Rows whose
// produce failed stay unpublished and are retried on the next poll.
func (r *Relay) PublishBatch(ctx context.Context) (int, error) {
	entries, err := r.outbox.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	records := make([]*kgo.Record, len(entries))
	byRecord := make(map[*kgo.Record]uuid.UUID, len(entries))
	for i, e := range entries {
		rec := &kgo.Record{
			Topic: r.topic,
			Key:   []byte(e.Key),
			Value: e.Payload,
			Headers: []kgo.RecordHeader{
				{Key: "event_id", Value: []byte(e.EventID.String())},
			},
		}
		records[i] = rec
		byRecord[rec] = e.ID
	}

	results := r.producer.ProduceSync(ctx, records...)
	delivered := make([]uuid.UUID, 0, len(results))
	var firstErr error
	for _, res := range results {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		if outboxID, ok := byRecord[res.Record]; ok {
			delivered = append(delivered, outboxID)
		}
	}

	if err := r.outbox.MarkPublished(ctx, delivered, time.Now()); err != nil {
		return 0, err
	}
	if firstErr != nil {
		r.logger.WarnContext(ctx, "audit events not delivered",
			"failed", len(entries)-len(delivered),
			"error", firstErr,
		)
	}
	return len(delivered), nil
}
