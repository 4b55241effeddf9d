package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

// Reindexer copies committed records into the index straight from the
// primary store. It never touches outbox state; it is for rebuilding an index
// that was lost or created late.
type Reindexer struct {
	store     storage.Events
	index     search.Indexer
	logger    *slog.Logger
	batchSize int
}

type ReindexResult struct {
	Scanned int   `json:"scanned"`
	Indexed int   `json:"indexed"`
	Failed  int   `json:"failed"`
	LastSeq int64 `json:"last_seq"`
}

func NewReindexer(store storage.Events, index search.Indexer, logger *slog.Logger, batchSize int) *Reindexer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reindexer{store: store, index: index, logger: logger, batchSize: batchSize}
}

// Run indexes records received at or after since, oldest first, stopping
// after limit records (no limit when limit <= 0).
func (r *Reindexer) Run(ctx context.Context, since time.Time, limit int) (ReindexResult, error) {
	var res ReindexResult
	if err := r.index.EnsureIndex(ctx); err != nil {
		return res, fmt.Errorf("ensure index: %w", err)
	}

	for {
		page := r.batchSize
		if limit > 0 && limit-res.Scanned < page {
			page = limit - res.Scanned
		}
		if page <= 0 {
			return res, nil
		}

		records, err := r.store.EventsAfter(ctx, since, res.LastSeq, page)
		if err != nil {
			return res, fmt.Errorf("load events after seq %d: %w", res.LastSeq, err)
		}
		if len(records) == 0 {
			return res, nil
		}

		docs := make([]search.Document, 0, len(records))
		for _, rec := range records {
			docs = append(docs, search.NewDocument(rec))
		}
		failed, err := r.index.Upsert(ctx, docs)
		if err != nil {
			return res, fmt.Errorf("index batch after seq %d: %w", res.LastSeq, err)
		}
		for id, ferr := range failed {
			r.logger.Warn("reindex document failed", "event_id", id, "err", ferr)
		}

		res.Scanned += len(records)
		res.Failed += len(failed)
		res.Indexed += len(records) - len(failed)
		res.LastSeq = records[len(records)-1].Seq

		if len(records) < page {
			return res, nil
		}
	}
}
