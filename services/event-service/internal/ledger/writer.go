// Package ledger commits event records to the primary store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

// ErrStorageUnavailable means the commit did not happen. The caller must not
// assume the event is recorded; resubmitting the same id is safe.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrRejected means the store refused the record itself. Resubmitting the
// same input fails the same way.
var ErrRejected = errors.New("event rejected by store")

type CommitResult struct {
	Record  event.Record
	Created bool
}

type Config struct {
	// MaxTries counts the first attempt.
	MaxTries     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type Writer struct {
	store  storage.Events
	logger *slog.Logger
	cfg    Config
}

func NewWriter(store storage.Events, logger *slog.Logger, cfg Config) *Writer {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, logger: logger, cfg: cfg}
}

// Commit stores rec and its PENDING outbox entry atomically. A record whose
// id already exists is returned as-is with Created=false.
func (w *Writer) Commit(ctx context.Context, rec event.Record) (CommitResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialDelay
	b.MaxInterval = w.cfg.MaxDelay

	op := func() (CommitResult, error) {
		stored, created, err := w.store.CommitEvent(ctx, rec)
		if err == nil {
			return CommitResult{Record: stored, Created: created}, nil
		}
		if errors.Is(err, storage.ErrRejected) || ctx.Err() != nil {
			return CommitResult{}, backoff.Permanent(err)
		}
		return CommitResult{}, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(w.cfg.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			w.logger.Warn("event commit failed, retrying", "event_id", rec.ID, "wait", wait, "err", err)
		}),
	)
	if errors.Is(err, storage.ErrRejected) {
		return CommitResult{}, fmt.Errorf("%w: commit event %s: %w", ErrRejected, rec.ID, err)
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: commit event %s: %w", ErrStorageUnavailable, rec.ID, err)
	}
	return res, nil
}
