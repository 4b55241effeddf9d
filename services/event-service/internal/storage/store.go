// Package storage defines the primary store: the system of record for event
// records and the outbox table that coordinates publishing.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStale aliases outbox.ErrStale so callers can check either.
	ErrStale = outbox.ErrStale
	// ErrNotReplayable is returned when a replay targets an entry that is not FAILED.
	ErrNotReplayable = errors.New("outbox entry is not failed")
	// ErrRejected marks a write the store refused on its own rules (constraint
	// or data errors). Retrying it cannot succeed.
	ErrRejected = errors.New("store rejected write")
)

// Events is the read and write surface over event records.
type Events interface {
	// CommitEvent inserts rec and its PENDING outbox entry in one transaction.
	// When rec.ID already exists nothing is written and the stored record is
	// returned with created=false.
	CommitEvent(ctx context.Context, rec event.Record) (stored event.Record, created bool, err error)
	GetEvent(ctx context.Context, id string) (event.Record, error)
	// ListEvents returns the newest records first.
	ListEvents(ctx context.Context, q event.Query) ([]event.Record, error)
	// EventsAfter pages records received at or after since, oldest first,
	// resuming after the given sequence number.
	EventsAfter(ctx context.Context, since time.Time, afterSeq int64, limit int) ([]event.Record, error)
}

// Outbox is the coordination surface shared by the publisher, the sweeper and
// operators. Every status change bumps the entry version; writers pass the
// version they hold and get ErrStale if someone else moved first.
type Outbox interface {
	// ClaimDue leases due entries to req.Worker. Entries held by a live lease
	// are skipped, so concurrent workers get disjoint batches.
	ClaimDue(ctx context.Context, req outbox.ClaimRequest) ([]outbox.Claim, error)
	MarkPublished(ctx context.Context, eventID string, version int64, at time.Time) error
	MarkFailed(ctx context.Context, eventID string, version int64, f outbox.Failure) error
	// ResetDueFailed moves due FAILED entries below the ceiling back to
	// PENDING and returns their ids.
	ResetDueFailed(ctx context.Context, now time.Time, ceiling, limit int) ([]string, error)
	// TakeUnreported stamps reported_at on exhausted entries that have not been
	// reported yet and returns them. Each exhaustion is returned once.
	TakeUnreported(ctx context.Context, now time.Time, ceiling, limit int) ([]outbox.Entry, error)
	ListExhausted(ctx context.Context, ceiling, limit int) ([]outbox.Entry, error)
	// Replay resets a FAILED entry to PENDING, due immediately.
	Replay(ctx context.Context, eventID string, now time.Time) (outbox.Entry, error)
	// PurgePublished deletes up to limit PUBLISHED entries published before the cutoff.
	PurgePublished(ctx context.Context, before time.Time, limit int) (int64, error)
	GetEntry(ctx context.Context, eventID string) (outbox.Entry, error)
	CountByStatus(ctx context.Context) (map[outbox.Status]int64, error)
}

type Store interface {
	Events
	Outbox
	Ping(ctx context.Context) error
	Close() error
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// LikePattern builds a substring pattern for LIKE/ILIKE with '\' as escape.
func LikePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

// ErrorText bounds the stored last_error so one noisy index response cannot
// bloat the outbox row.
func ErrorText(err error) string {
	const max = 1024
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > max {
		s = strings.ToValidUTF8(s[:max], "")
	}
	return s
}
