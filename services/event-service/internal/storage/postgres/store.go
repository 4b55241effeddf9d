// Package postgres is the primary store on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED plus a lease so several service instances can drain
// the outbox together.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/md-rashed-zaman/eventledger/libs/db"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// migrationLockKey serializes schema setup across instances booting together.
const migrationLockKey int64 = 0x6576656e746c6472

type Store struct {
	pool *db.Pool
}

func New(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the schema while holding a cluster-wide advisory lock.
func Migrate(ctx context.Context, pool *db.Pool) error {
	return db.WithAdvisoryLock(ctx, pool, migrationLockKey, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// classify wraps integrity and data errors with storage.ErrRejected.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return fmt.Errorf("%w: %w", storage.ErrRejected, err)
		}
	}
	return err
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
