// Package outbox models the publish-state row kept next to every event record.
package outbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusPublished, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown outbox status %q", s)
	}
}

// CanTransition reports whether from -> to is an allowed move. PUBLISHED is
// terminal. Due FAILED entries are claimed directly, so FAILED may also move
// to PUBLISHED or back to FAILED without passing through PENDING.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusPublished || to == StatusFailed
	case StatusFailed:
		return to == StatusPending || to == StatusPublished || to == StatusFailed
	default:
		return false
	}
}

// ErrStale is returned when a status write loses to a concurrent writer: the
// row's version moved on since it was read or claimed.
var ErrStale = errors.New("outbox entry changed concurrently")

// Entry tracks propagation of one event to the search index.
type Entry struct {
	EventID      string     `json:"event_id"`
	Seq          int64      `json:"seq"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	NextRetryAt  time.Time  `json:"next_retry_at"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	Version      int64      `json:"version"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	ReportedAt   *time.Time `json:"reported_at,omitempty"`
	Traceparent  string     `json:"-"`
	Tracestate   string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DefaultCeiling is the attempt budget before an entry is left FAILED for an operator.
const DefaultCeiling = 8

// Exhausted reports a FAILED entry that has used up its retry budget.
func (e Entry) Exhausted(ceiling int) bool {
	return e.Status == StatusFailed && e.Attempts >= ceiling
}

// ClaimRequest asks the store to lease due entries to one worker.
type ClaimRequest struct {
	Worker string
	Now    time.Time
	Lease  time.Duration
	Limit  int
	// Ceiling keeps exhausted FAILED entries out of the publisher's hands.
	Ceiling int
}

// Claim is a leased entry together with the record to publish.
type Claim struct {
	Entry  Entry
	Record event.Record
}

// Failure describes a failed publish attempt for MarkFailed. The store
// increments attempts itself.
type Failure struct {
	LastError   string
	NextRetryAt time.Time
	At          time.Time
}
