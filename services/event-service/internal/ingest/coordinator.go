// Package ingest is the synchronous entry point for new events.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ledger"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/observe"
)

// Committer is the durable write the coordinator depends on.
type Committer interface {
	Commit(ctx context.Context, rec event.Record) (ledger.CommitResult, error)
}

type Result struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

type Coordinator struct {
	ledger   Committer
	hook     observe.Hook
	logger   *slog.Logger
	instance string
	now      func() time.Time
}

func NewCoordinator(ledger Committer, hook observe.Hook, logger *slog.Logger, instance string) *Coordinator {
	if hook == nil {
		hook = observe.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{ledger: ledger, hook: hook, logger: logger, instance: instance, now: time.Now}
}

// Ingest validates raw and commits it. Success means the event is in the
// primary store; it says nothing about the search index. Errors are either
// *event.ValidationError (nothing was written), wrap ledger.ErrRejected (the
// store refused the record; retrying cannot help) or wrap
// ledger.ErrStorageUnavailable (nothing is known to be written; retry with
// the same id).
func (c *Coordinator) Ingest(ctx context.Context, raw event.Raw) (Result, error) {
	rec, err := event.Normalize(raw, c.now(), c.instance)
	if err != nil {
		return Result{}, err
	}

	res, err := c.ledger.Commit(ctx, rec)
	if err != nil {
		c.logger.Error("event commit failed", "event_id", rec.ID, "type", rec.Type, "err", err)
		return Result{}, err
	}
	if res.Created {
		c.hook.Ingested(ctx, res.Record)
	}
	return Result{ID: res.Record.ID, Created: res.Created}, nil
}
