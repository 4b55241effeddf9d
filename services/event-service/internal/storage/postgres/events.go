package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	otelx "github.com/md-rashed-zaman/eventledger/libs/otel"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

const eventColumns = `seq, id, type, source, payload, occurred_at, received_at, instance`

type eventScan struct {
	rec     event.Record
	payload []byte
}

func (s *eventScan) dest() []any {
	return []any{&s.rec.Seq, &s.rec.ID, &s.rec.Type, &s.rec.Source, &s.payload, &s.rec.OccurredAt, &s.rec.ReceivedAt, &s.rec.Instance}
}

func (s *eventScan) record() event.Record {
	rec := s.rec
	rec.Payload = json.RawMessage(s.payload)
	rec.OccurredAt = utc(rec.OccurredAt)
	rec.ReceivedAt = utc(rec.ReceivedAt)
	return rec
}

func scanEvent(row pgx.Row) (event.Record, error) {
	var es eventScan
	if err := row.Scan(es.dest()...); err != nil {
		return event.Record{}, err
	}
	return es.record(), nil
}

func (s *Store) CommitEvent(ctx context.Context, rec event.Record) (event.Record, bool, error) {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return event.Record{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO events (id, type, source, payload, occurred_at, received_at, instance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq
	`, rec.ID, rec.Type, rec.Source, []byte(rec.Payload), rec.OccurredAt, rec.ReceivedAt, rec.Instance).Scan(&rec.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, rec.ID))
		if err != nil {
			return event.Record{}, false, fmt.Errorf("load existing event: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return event.Record{}, false, fmt.Errorf("insert event: %w", classify(err))
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_entries (event_id, seq, status, next_retry_at, traceparent, tracestate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $4, $4)
	`, rec.ID, rec.Seq, string(outbox.StatusPending), rec.ReceivedAt, traceparent, tracestate); err != nil {
		return event.Record{}, false, fmt.Errorf("insert outbox entry: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return event.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (event.Record, error) {
	rec, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
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
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Type != "" {
		where = append(where, "type = "+arg(q.Type))
	}
	if q.Source != "" {
		where = append(where, "source = "+arg(q.Source))
	}
	if q.Contains != "" {
		where = append(where, "payload::text ILIKE "+arg(storage.LikePattern(q.Contains)))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT " + arg(q.Limit)

	return s.queryEvents(ctx, query, args...)
}

func (s *Store) EventsAfter(ctx context.Context, since time.Time, afterSeq int64, limit int) ([]event.Record, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE received_at >= $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, since, afterSeq, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
