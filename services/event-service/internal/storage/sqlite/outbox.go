package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

const entryColumns = `event_id, seq, status, attempts, last_error, next_retry_at, COALESCE(claimed_by, ''), claimed_until,
	version, published_at, reported_at, traceparent, tracestate, created_at, updated_at`

type entryScan struct {
	e                                     outbox.Entry
	status                                string
	nextRetry, created, updated           int64
	claimedUntil, publishedAt, reportedAt sql.NullInt64
}

func (s *entryScan) dest() []any {
	return []any{&s.e.EventID, &s.e.Seq, &s.status, &s.e.Attempts, &s.e.LastError, &s.nextRetry, &s.e.ClaimedBy, &s.claimedUntil,
		&s.e.Version, &s.publishedAt, &s.reportedAt, &s.e.Traceparent, &s.e.Tracestate, &s.created, &s.updated}
}

func (s *entryScan) entry() (outbox.Entry, error) {
	status, err := outbox.ParseStatus(s.status)
	if err != nil {
		return outbox.Entry{}, err
	}
	e := s.e
	e.Status = status
	e.NextRetryAt = fromNanos(s.nextRetry)
	e.ClaimedUntil = optTime(s.claimedUntil)
	e.PublishedAt = optTime(s.publishedAt)
	e.ReportedAt = optTime(s.reportedAt)
	e.CreatedAt = fromNanos(s.created)
	e.UpdatedAt = fromNanos(s.updated)
	return e, nil
}

func scanEntry(row scanner) (outbox.Entry, error) {
	var es entryScan
	if err := row.Scan(es.dest()...); err != nil {
		return outbox.Entry{}, err
	}
	return es.entry()
}

func collectEntries(rows *sql.Rows) ([]outbox.Entry, error) {
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
	now := nanos(req.Now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE outbox_entries
		SET claimed_by = ?, claimed_until = ?, version = version + 1, updated_at = ?
		WHERE event_id IN (
			SELECT event_id FROM outbox_entries
			WHERE status IN ('PENDING', 'FAILED')
			  AND next_retry_at <= ?
			  AND (status = 'PENDING' OR attempts < ?)
			  AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY seq
			LIMIT ?
		)
		RETURNING event_id
	`, req.Worker, nanos(req.Now.Add(req.Lease)), now, now, req.Ceiling, now, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT o.event_id, o.seq, o.status, o.attempts, o.last_error, o.next_retry_at, COALESCE(o.claimed_by, ''), o.claimed_until,
			o.version, o.published_at, o.reported_at, o.traceparent, o.tracestate, o.created_at, o.updated_at,
			e.seq, e.id, e.type, e.source, e.payload, e.occurred_at, e.received_at, e.instance
		FROM outbox_entries o
		JOIN events e ON e.id = o.event_id
		WHERE o.event_id IN (`+placeholders(len(ids))+`)
		ORDER BY o.seq
	`, ids...)
	if err != nil {
		return nil, fmt.Errorf("load claimed entries: %w", err)
	}
	claims, err := scanClaims(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claims, nil
}

func scanClaims(rows *sql.Rows) ([]outbox.Claim, error) {
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status = 'PUBLISHED', attempts = attempts + 1, last_error = '', published_at = ?,
		    claimed_by = NULL, claimed_until = NULL, version = version + 1, updated_at = ?
		WHERE event_id = ? AND version = ? AND status <> 'PUBLISHED'
	`, nanos(at), nanos(at), eventID, version)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return s.checkApplied(ctx, res, eventID)
}

func (s *Store) MarkFailed(ctx context.Context, eventID string, version int64, f outbox.Failure) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status = 'FAILED', attempts = attempts + 1, last_error = ?, next_retry_at = ?,
		    claimed_by = NULL, claimed_until = NULL, version = version + 1, updated_at = ?
		WHERE event_id = ? AND version = ? AND status <> 'PUBLISHED'
	`, f.LastError, nanos(f.NextRetryAt), nanos(f.At), eventID, version)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return s.checkApplied(ctx, res, eventID)
}

// checkApplied turns a zero-row conditional update into ErrNotFound or ErrStale.
func (s *Store) checkApplied(ctx context.Context, res sql.Result, eventID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM outbox_entries WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return storage.ErrStale
}

func (s *Store) ResetDueFailed(ctx context.Context, now time.Time, ceiling, limit int) ([]string, error) {
	ts := nanos(now)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_entries
		SET status = 'PENDING', last_error = '', next_retry_at = ?, version = version + 1, updated_at = ?
		WHERE event_id IN (
			SELECT event_id FROM outbox_entries
			WHERE status = 'FAILED'
			  AND attempts < ?
			  AND next_retry_at <= ?
			  AND (claimed_until IS NULL OR claimed_until <= ?)
			ORDER BY seq
			LIMIT ?
		)
		RETURNING event_id
	`, ts, ts, ceiling, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("reset failed entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) TakeUnreported(ctx context.Context, now time.Time, ceiling, limit int) ([]outbox.Entry, error) {
	ts := nanos(now)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_entries
		SET reported_at = ?, version = version + 1, updated_at = ?
		WHERE event_id IN (
			SELECT event_id FROM outbox_entries
			WHERE status = 'FAILED' AND attempts >= ? AND reported_at IS NULL
			ORDER BY seq
			LIMIT ?
		)
		RETURNING `+entryColumns, ts, ts, ceiling, limit)
	if err != nil {
		return nil, fmt.Errorf("take unreported entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *Store) ListExhausted(ctx context.Context, ceiling, limit int) ([]outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM outbox_entries
		WHERE status = 'FAILED' AND attempts >= ?
		ORDER BY seq
		LIMIT ?
	`, ceiling, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *Store) Replay(ctx context.Context, eventID string, now time.Time) (outbox.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return outbox.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox_entries WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return outbox.Entry{}, err
	}
	if !outbox.CanTransition(entry.Status, outbox.StatusPending) {
		return outbox.Entry{}, storage.ErrNotReplayable
	}

	ts := nanos(now)
	entry, err = scanEntry(tx.QueryRowContext(ctx, `
		UPDATE outbox_entries
		SET status = 'PENDING', last_error = '', next_retry_at = ?, reported_at = NULL,
		    claimed_by = NULL, claimed_until = NULL, version = version + 1, updated_at = ?
		WHERE event_id = ? AND version = ?
		RETURNING `+entryColumns, ts, ts, eventID, entry.Version))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, storage.ErrStale
	}
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("replay entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return outbox.Entry{}, err
	}
	return entry, nil
}

func (s *Store) PurgePublished(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_entries
		WHERE event_id IN (
			SELECT event_id FROM outbox_entries
			WHERE status = 'PUBLISHED' AND published_at < ?
			ORDER BY seq
			LIMIT ?
		)
	`, nanos(before), limit)
	if err != nil {
		return 0, fmt.Errorf("purge published entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetEntry(ctx context.Context, eventID string) (outbox.Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox_entries WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Entry{}, storage.ErrNotFound
	}
	return entry, err
}

func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
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
