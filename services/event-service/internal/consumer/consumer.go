// Package consumer feeds events from a Kafka topic into the ingestion
// coordinator.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/eventledger/libs/kafkax"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ingest"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ledger"
)

type Ingester interface {
	Ingest(ctx context.Context, raw event.Raw) (ingest.Result, error)
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
	// RetryBase and RetryCap bound the wait between attempts while the
	// primary store is unavailable.
	RetryBase time.Duration
	RetryCap  time.Duration
}

type Consumer struct {
	reader Reader
	ingest Ingester
	logger *slog.Logger
	cfg    Config
}

func New(logger *slog.Logger, ingester Ingester, cfg Config) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewWithReader(logger, reader, ingester, cfg)
}

func NewWithReader(logger *slog.Logger, reader Reader, ingester Ingester, cfg Config) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Second
	}
	return &Consumer{reader: reader, ingest: ingester, logger: logger, cfg: cfg}
}

// Run consumes until ctx is done. A message's offset is committed only once
// it is durable in the primary store or known to be invalid.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The message will be redelivered; ingestion is idempotent on its id.
			c.logger.Error("kafka commit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	}
}

// handle ingests msg, retrying storage failures until they clear. It returns
// false only when ctx ends first.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	raw, err := decode(msg)
	if err != nil {
		c.logger.Error("invalid event message skipped", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		span.RecordError(err)
		return true
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.RetryBase,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         c.cfg.RetryCap,
	}
	b.Reset()

	for {
		res, err := c.ingest.Ingest(ctxSpan, raw)
		if err == nil {
			span.SetAttributes(attribute.String("event.id", res.ID), attribute.Bool("event.created", res.Created))
			return true
		}

		var verr *event.ValidationError
		if errors.As(err, &verr) {
			c.logger.Warn("invalid event skipped", "topic", msg.Topic, "offset", msg.Offset, "field", verr.Field, "err", err)
			span.RecordError(err)
			return true
		}
		if errors.Is(err, ledger.ErrRejected) {
			c.logger.Warn("event rejected by store; skipped", "topic", msg.Topic, "offset", msg.Offset, "err", err)
			span.RecordError(err)
			return true
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		wait := b.NextBackOff()
		c.logger.Warn("ingest failed; retrying message", "topic", msg.Topic, "offset", msg.Offset, "wait", wait, "err", err)
		if !sleep(ctx, wait) {
			return false
		}
	}
}

// decode reads the message body as a Raw event. Headers fill in what the body
// leaves out, and the message key stands in for a missing id.
func decode(msg kafka.Message) (event.Raw, error) {
	var raw event.Raw
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		return event.Raw{}, err
	}
	meta := kafkax.ExtractEventMeta(msg)
	if raw.ID == "" && raw.IdempotencyKey == "" {
		raw.ID = meta.EventID
	}
	if raw.Type == "" {
		raw.Type = meta.EventType
	}
	if raw.Source == "" {
		raw.Source = meta.Source
	}
	return raw, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
