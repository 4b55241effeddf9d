// Package observe reports publish progress to metrics and logs.
package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
)

// Hook receives lifecycle signals from the ingest path, the publisher and
// the sweeper. Implementations must be safe for concurrent use.
type Hook interface {
	Ingested(ctx context.Context, rec event.Record)
	Published(ctx context.Context, entry outbox.Entry, lag time.Duration)
	Failed(ctx context.Context, entry outbox.Entry, err error)
	// PermanentlyFailed fires once per entry that ran out of attempts.
	PermanentlyFailed(ctx context.Context, entry outbox.Entry)
}

type Nop struct{}

func (Nop) Ingested(context.Context, event.Record) {}
func (Nop) Published(context.Context, outbox.Entry, time.Duration) {}
func (Nop) Failed(context.Context, outbox.Entry, error) {}
func (Nop) PermanentlyFailed(context.Context, outbox.Entry) {}

// Metrics is the production hook: OpenTelemetry counters plus an error log
// line for every exhausted entry.
type Metrics struct {
	logger            *slog.Logger
	ingested          metric.Int64Counter
	published         metric.Int64Counter
	failed            metric.Int64Counter
	permanentlyFailed metric.Int64Counter
	publishLag        metric.Float64Histogram
}

// NewMetrics registers the instruments on meter, or on the global provider
// when meter is nil.
func NewMetrics(meter metric.Meter, logger *slog.Logger) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("eventledger")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Metrics{logger: logger}

	var err error
	if m.ingested, err = meter.Int64Counter(
		"eventledger.events.ingested",
		metric.WithDescription("Events newly committed to the primary store"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.published, err = meter.Int64Counter(
		"eventledger.events.published",
		metric.WithDescription("Outbox entries published to the search index"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter(
		"eventledger.events.failed",
		metric.WithDescription("Failed publish attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.permanentlyFailed, err = meter.Int64Counter(
		"eventledger.events.permanently_failed",
		metric.WithDescription("Outbox entries that exhausted their retry budget"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.publishLag, err = meter.Float64Histogram(
		"eventledger.events.publish_lag",
		metric.WithDescription("Time from commit to successful publish"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Ingested(ctx context.Context, rec event.Record) {
	m.ingested.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", rec.Type)))
}

func (m *Metrics) Published(ctx context.Context, _ outbox.Entry, lag time.Duration) {
	m.published.Add(ctx, 1)
	m.publishLag.Record(ctx, lag.Seconds())
}

func (m *Metrics) Failed(ctx context.Context, entry outbox.Entry, err error) {
	m.failed.Add(ctx, 1)
	m.logger.Warn("outbox publish failed",
		"event_id", entry.EventID,
		"attempts", entry.Attempts,
		"err", err,
	)
}

func (m *Metrics) PermanentlyFailed(ctx context.Context, entry outbox.Entry) {
	m.permanentlyFailed.Add(ctx, 1)
	m.logger.Error("outbox entry exhausted retries",
		"event_id", entry.EventID,
		"seq", entry.Seq,
		"attempts", entry.Attempts,
		"last_error", entry.LastError,
		"created_at", entry.CreatedAt,
	)
}
