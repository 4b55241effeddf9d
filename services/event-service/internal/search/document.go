// Package search writes event documents to the secondary index.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
)

// ErrDisabled is returned by the no-op indexer.
var ErrDisabled = errors.New("search index disabled")

// Document is the index shape of an event record. The event id is also the
// document id, which makes every write an idempotent upsert.
type Document struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt string          `json:"occurred_at"`
	ReceivedAt string          `json:"received_at"`
	Instance   string          `json:"instance"`
}

func NewDocument(rec event.Record) Document {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return Document{
		ID:         rec.ID,
		Type:       rec.Type,
		Source:     rec.Source,
		Payload:    payload,
		OccurredAt: rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		ReceivedAt: rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		Instance:   rec.Instance,
	}
}

// Indexer is the search index as the publisher sees it.
type Indexer interface {
	// Upsert writes docs in one round trip. A non-nil error means the whole
	// request failed; otherwise the map holds per-document failures by id.
	Upsert(ctx context.Context, docs []Document) (map[string]error, error)
	EnsureIndex(ctx context.Context) error
	Ping(ctx context.Context) error
}

// ItemError is a per-document rejection reported inside a bulk response.
type ItemError struct {
	Status int
	Type   string
	Reason string
}

func (e *ItemError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("index status %d", e.Status)
	}
	return fmt.Sprintf("index status %d: %s: %s", e.Status, e.Type, e.Reason)
}

// Noop stands in when no index is configured.
type Noop struct{}

func (Noop) Upsert(context.Context, []Document) (map[string]error, error) {
	return nil, ErrDisabled
}

func (Noop) EnsureIndex(context.Context) error { return nil }

func (Noop) Ping(context.Context) error { return ErrDisabled }
