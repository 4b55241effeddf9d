package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	otelx "github.com/md-rashed-zaman/eventledger/libs/otel"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

const eventColumns = `seq, id, type, source, payload, occurred_at, received_at, instance`

type eventScan struct {
	rec                  event.Record
	payload              string
	occurredAt, received int64
}

func (s *eventScan) dest() []any {
	return []any{&s.rec.Seq, &s.rec.ID, &s.rec.Type, &s.rec.Source, &s.payload, &s.occurredAt, &s.received, &s.rec.Instance}
}

func (s *eventScan) record() event.Record {
	rec := s.rec
	rec.Payload = json.RawMessage(s.payload)
	rec.OccurredAt = fromNanos(s.occurredAt)
	rec.ReceivedAt = fromNanos(s.received)
	return rec
}

func scanEvent(row scanner) (event.Record, error) {
	var es eventScan
	if err := row.Scan(es.dest()...); err != nil {
		return event.Record{}, err
	}
	return es.record(), nil
}

func (s *Store) CommitEvent(ctx context.Context, rec event.Record) (event.Record, bool, error) {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Record{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO events (id, type, source, payload, occurred_at, received_at, instance)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
		RETURNING seq
	`, rec.ID, rec.Type, rec.Source, string(rec.Payload), nanos(rec.OccurredAt), nanos(rec.ReceivedAt), rec.Instance).Scan(&rec.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, rec.ID))
		if err != nil {
			return event.Record{}, false, fmt.Errorf("load existing event: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return event.Record{}, false, fmt.Errorf("insert event: %w", classify(err))
	}

	now := nanos(rec.ReceivedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_entries (event_id, seq, status, next_retry_at, traceparent, tracestate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Seq, string(outbox.StatusPending), now, traceparent, tracestate, now, now); err != nil {
		return event.Record{}, false, fmt.Errorf("insert outbox entry: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return event.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (event.Record, error) {
	rec, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return event.Record{}, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListEvents(ctx context.Context, q event.Query) ([]event.Record, error) {
	q = q.Normalized()
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if q.Contains != "" {
		where = append(where, `payload LIKE ? ESCAPE '\'`)
		args = append(args, storage.LikePattern(q.Contains))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, q.Limit)

	return s.queryEvents(ctx, query, args...)
}

func (s *Store) EventsAfter(ctx context.Context, since time.Time, afterSeq int64, limit int) ([]event.Record, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE received_at >= ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, lowerBound(since), afterSeq, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
