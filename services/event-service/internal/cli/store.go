package cli

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/eventledger/libs/db"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage/postgres"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage/sqlite"
)

var errNoDatabase = NewExitError(ExitCommandError, "--database-url is required")

func openStore(ctx context.Context, opts *RootOptions) (storage.Store, error) {
	if opts.DatabaseURL == "" {
		return nil, errNoDatabase
	}
	if opts.Driver == "postgres" {
		pool, err := db.Open(ctx, opts.DatabaseURL, db.Options{MaxConns: 2})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to connect to postgres", err)
		}
		return postgres.New(pool), nil
	}
	s, err := sqlite.Open(opts.DatabaseURL)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open sqlite database", err)
	}
	return s, nil
}

// migrate applies the schema for the configured driver. The sqlite store
// applies it on open.
func migrate(ctx context.Context, opts *RootOptions) error {
	if opts.DatabaseURL == "" {
		return errNoDatabase
	}
	if opts.Driver == "postgres" {
		pool, err := db.Open(ctx, opts.DatabaseURL, db.Options{MaxConns: 1, StartupTimeout: 30 * time.Second})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to postgres", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return WrapExitError(ExitFailure, "migration failed", err)
		}
		return nil
	}
	s, err := sqlite.Open(opts.DatabaseURL)
	if err != nil {
		return WrapExitError(ExitFailure, "migration failed", err)
	}
	return s.Close()
}
