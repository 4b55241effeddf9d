package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

const entryColumns = `event_id, seq, status, attempts, last_error, next_retry_at, COALESCE(claimed_by, ''), claimed_until,
	version, published_at, reported_at, traceparent, tracestate, created_at, updated_at`

type entryScan struct {
	e      outbox.Entry
	status string
}

func (s *entryScan) dest() []any {
	return []any{&s.e.EventID, &s.e.Seq, &s.status, &s.e.Attempts, &s.e.LastError, &s.e.NextRetryAt, &s.e.ClaimedBy, &s.e.ClaimedUntil,
		&s.e.Version, &s.e.PublishedAt, &s.e.ReportedAt, &s.e.Traceparent, &s.e.Tracestate, &s.e.CreatedAt, &s.e.UpdatedAt}
}

func (s *entryScan) entry() (outbox.Entry, error) {
	status, err := outbox.ParseStatus(s.status)
	if err != nil {
		return outbox.Entry{}, err
	}
	e := s.e
	e.Status = status
	e.NextRetryAt = utc(e.NextRetryAt)
	e.ClaimedUntil = utcPtr(e.ClaimedUntil)
	e.PublishedAt = utcPtr(e.PublishedAt)
	e.ReportedAt = utcPtr(e.ReportedAt)
	e.CreatedAt = utc(e.CreatedAt)
	e.UpdatedAt = utc(e.UpdatedAt)
	return e, nil
}

func scanEntry(row pgx.Row) (outbox.Entry, error) {
	var es entryScan
	if err := row.Scan(es.dest()...); err != nil {
		return outbox.Entry{}, err
	}
	return es.entry()
}

func collectEntries(rows pgx.Rows) ([]outbox.Entry, error) {
	defer rows.Close()
	var out []outbox.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ClaimDue(ctx context.Context, req outbox.ClaimRequest) ([]outbox.Claim, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT event_id FROM outbox_entries
			WHERE status IN ('PENDING', 'FAILED')
			  AND next_retry_at <= $1
			  AND (status = 'PENDING' OR attempts < $2)
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE outbox_entries o
			SET claimed_by = $4, claimed_until = $5, version = o.version + 1, updated_at = $1
			FROM due
			WHERE o.event_id = due.event_id
			RETURNING o.*
		)
		SELECT c.event_id, c.seq, c.status, c.attempts, c.last_error, c.next_retry_at, COALESCE(c.claimed_by, ''), c.claimed_until,
			c.version, c.published_at, c.reported_at, c.traceparent, c.tracestate, c.created_at, c.updated_at,
			e.seq, e.id, e.type, e.source, e.payload, e.occurred_at, e.received_at, e.instance
		FROM claimed c
		JOIN events e ON e.id = c.event_id
		ORDER BY c.seq
	`, req.Now, req.Ceiling, req.Limit, req.Worker, req.Now.Add(req.Lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var out []outbox.Claim
	for rows.Next() {
		var (
			es entryScan
			ev eventScan
		)
		if err := rows.Scan(append(es.dest(), ev.dest()...)...); err != nil {
			return nil, err
		}
		entry, err := es.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, outbox.Claim{Entry: entry, Record: ev.record()})
	}
	return out, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, eventID string, version int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'PUBLISHED', attempts = attempts + 1, last_error = '', published_at = $3,
		    claimed_by = NULL, claimed_until = NULL, version = version + 1, updated_at = $3
		WHERE event_id = $1 AND version = $2 AND status <> 'PUBLISHED'
	`, eventID, version, at)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return s.checkApplied(ctx, tag, eventID)
}

func (s *Store) MarkFailed(ctx context.Context, eventID string, version int64, f outbox.Failure) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'FAILED', attempts = attempts + 1, last_error = $3, next_retry_at = $4,
		    claimed_by = NULL, claimed_until = NULL, version = version + 1, updated_at = $5
		WHERE event_id = $1 AND version = $2 AND status <> 'PUBLISHED'
	`, eventID, version, f.LastError, f.NextRetryAt, f.At)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return s.checkApplied(ctx, tag, eventID)
}

func (s *Store) checkApplied(ctx context.Context, tag pgconn.CommandTag, eventID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM outbox_entries WHERE event_id = $1)`, eventID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrStale
}

func (s *Store) ResetDueFailed(ctx context.Context, now time.Time, ceiling, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_entries
		SET status = 'PENDING', last_error = '', next_retry_at = $1, version = version + 1, updated_at = $1
		WHERE event_id IN (
			SELECT event_id FROM outbox_entries
			WHERE status = 'FAILED'
			  AND attempts < $2
			  AND next_retry_at <= $1
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING event_id
	`, now, ceiling, limit)
	if err != nil {
		return nil, fmt.Errorf("reset failed entries: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reset failed entries: %w", err)
	}
	return ids, nil
}

func (s *Store) TakeUnreported(ctx context.Context, now time.Time, ceiling, limit int) ([]outbox.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_entries
		SET reported_at = $1, version = version + 1, updated_at = $1
		WHERE event_id IN (
			SELECT event_id FROM outbox_entries
			WHERE status = 'FAILED' AND attempts >= $2 AND reported_at IS NULL
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns, now, ceiling, limit)
	if err != nil {
		return nil, fmt.Errorf("take unreported entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *Store) ListExhausted(ctx context.Context, ceiling, limit int) ([]outbox.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM outbox_entries
		WHERE status = 'FAILED' AND attempts >= $1
		ORDER BY seq
		LIMIT $2
	`, ceiling, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) Replay(ctx context.Context, eventID string, now time.Time) (outbox.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return outbox.Entry{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entry, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM outbox_entries WHERE event_id = $1 FOR UPDATE`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return outbox.Entry{}, err
	}
	if !outbox.CanTransition(entry.Status, outbox.StatusPending) {
		return outbox.Entry{}, storage.ErrNotReplayable
	}

	entry, err = scanEntry(tx.QueryRow(ctx, `
		UPDATE outbox_entries
		SET status = 'PENDING', last_error = '', next_retry_at = $3, reported_at = NULL,
		    claimed_by = NULL, claimed_until = NULL, version = version + 1, updated_at = $3
		WHERE event_id = $1 AND version = $2
		RETURNING `+entryColumns, eventID, entry.Version, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Entry{}, storage.ErrStale
	}
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("replay entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return outbox.Entry{}, err
	}
	return entry, nil
}

func (s *Store) PurgePublished(ctx context.Context, before time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_entries
		WHERE event_id IN (
			SELECT event_id FROM outbox_entries
			WHERE status = 'PUBLISHED' AND published_at < $1
			ORDER BY seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("purge published entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetEntry(ctx context.Context, eventID string) (outbox.Entry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM outbox_entries WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Entry{}, storage.ErrNotFound
	}
	return entry, err
}

func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[outbox.Status]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st, err := outbox.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

var _ storage.Store = (*Store)(nil)
