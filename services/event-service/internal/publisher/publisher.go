// Package publisher drains the outbox into the search index.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/eventledger/libs/otel"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/observe"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

type Config struct {
	Interval      time.Duration
	BatchSize     int
	Workers       int
	Lease         time.Duration
	SubmitTimeout time.Duration
	Ceiling       int
	Backoff       outbox.Backoff
	// WorkerPrefix names this instance in claimed_by.
	WorkerPrefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Publisher struct {
	store  storage.Outbox
	index  search.Indexer
	hook   observe.Hook
	logger *slog.Logger
	cfg    Config
	tracer trace.Tracer
	now    func() time.Time
}

// Stats summarizes one claimed batch.
type Stats struct {
	Claimed   int
	Published int
	Failed    int
	// Stale counts entries whose state moved on while the batch was in flight.
	Stale int
}

func NewPublisher(store storage.Outbox, index search.Indexer, hook observe.Hook, logger *slog.Logger, cfg Config) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.Lease <= cfg.SubmitTimeout {
		cfg.Lease = 3 * cfg.SubmitTimeout
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = outbox.DefaultCeiling
	}
	if cfg.Backoff == (outbox.Backoff{}) {
		cfg.Backoff = outbox.DefaultBackoff()
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "publisher"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if hook == nil {
		hook = observe.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:  store,
		index:  index,
		hook:   hook,
		logger: logger,
		cfg:    cfg,
		tracer: otel.Tracer("eventledger/publisher"),
		now:    cfg.Now,
	}
}

// Run starts cfg.Workers polling loops and blocks until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		worker := fmt.Sprintf("%s-%d", p.cfg.WorkerPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, worker)
		}()
	}
	wg.Wait()
}

func (p *Publisher) runWorker(ctx context.Context, worker string) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A full batch means there is likely more waiting; keep going.
			for ctx.Err() == nil {
				stats, err := p.RunOnce(ctx, worker)
				if err != nil {
					p.logger.Error("outbox publish failed", "worker", worker, "err", err)
					break
				}
				if stats.Claimed < p.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// RunOnce claims one batch, submits it in a single bulk request and records
// the outcome of every entry. One entry's failure never fails the batch.
func (p *Publisher) RunOnce(ctx context.Context, worker string) (Stats, error) {
	claims, err := p.store.ClaimDue(ctx, outbox.ClaimRequest{
		Worker:  worker,
		Now:     p.now(),
		Lease:   p.cfg.Lease,
		Limit:   p.cfg.BatchSize,
		Ceiling: p.cfg.Ceiling,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("claim outbox entries: %w", err)
	}
	stats := Stats{Claimed: len(claims)}
	if len(claims) == 0 {
		return stats, nil
	}

	docs := make([]search.Document, 0, len(claims))
	links := make([]trace.Link, 0, len(claims))
	for _, c := range claims {
		docs = append(docs, search.NewDocument(c.Record))
		origin := otelx.ContextWithTraceContext(ctx, c.Entry.Traceparent, c.Entry.Tracestate)
		if sc := trace.SpanContextFromContext(origin); sc.IsValid() {
			links = append(links, trace.Link{SpanContext: sc})
		}
	}

	spanCtx, span := p.tracer.Start(ctx, "outbox.publish",
		trace.WithLinks(links...),
		trace.WithAttributes(
			attribute.String("outbox.worker", worker),
			attribute.Int("outbox.batch_size", len(claims)),
		),
	)
	defer span.End()

	submitCtx, cancel := context.WithTimeout(spanCtx, p.cfg.SubmitTimeout)
	failed, submitErr := p.index.Upsert(submitCtx, docs)
	cancel()
	if submitErr != nil {
		span.RecordError(submitErr)
		span.SetStatus(codes.Error, "bulk submit failed")
	}

	done := p.now()
	for _, c := range claims {
		pubErr := submitErr
		if pubErr == nil {
			pubErr = failed[c.Entry.EventID]
		}
		if pubErr == nil {
			p.markPublished(ctx, c, done, &stats)
		} else {
			p.markFailed(ctx, c, pubErr, done, &stats)
		}
	}
	span.SetAttributes(
		attribute.Int("outbox.published", stats.Published),
		attribute.Int("outbox.failed", stats.Failed),
	)
	return stats, nil
}

func (p *Publisher) markPublished(ctx context.Context, c outbox.Claim, at time.Time, stats *Stats) {
	err := p.store.MarkPublished(ctx, c.Entry.EventID, c.Entry.Version, at)
	if err != nil {
		p.markError(c, err, stats)
		return
	}
	stats.Published++

	entry := c.Entry
	entry.Status = outbox.StatusPublished
	entry.Attempts++
	p.hook.Published(ctx, entry, at.Sub(c.Record.ReceivedAt))
}

func (p *Publisher) markFailed(ctx context.Context, c outbox.Claim, cause error, at time.Time, stats *Stats) {
	attempts := c.Entry.Attempts + 1
	err := p.store.MarkFailed(ctx, c.Entry.EventID, c.Entry.Version, outbox.Failure{
		LastError:   storage.ErrorText(cause),
		NextRetryAt: p.cfg.Backoff.NextRetryAt(at, attempts),
		At:          at,
	})
	if err != nil {
		p.markError(c, err, stats)
		return
	}
	stats.Failed++

	entry := c.Entry
	entry.Status = outbox.StatusFailed
	entry.Attempts = attempts
	entry.LastError = cause.Error()
	p.hook.Failed(ctx, entry, cause)
	if entry.Exhausted(p.cfg.Ceiling) {
		p.logger.Warn("outbox entry out of attempts", "event_id", entry.EventID, "attempts", entry.Attempts)
	}
}

// markError handles a status write that did not land. The lease runs out on
// its own, so the entry is picked up again later either way.
func (p *Publisher) markError(c outbox.Claim, err error, stats *Stats) {
	if errors.Is(err, storage.ErrStale) {
		stats.Stale++
		p.logger.Info("outbox entry changed during publish", "event_id", c.Entry.EventID)
		return
	}
	p.logger.Error("outbox status update failed", "event_id", c.Entry.EventID, "err", err)
}
