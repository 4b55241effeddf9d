// Package event turns producer input into immutable event records.
package event

import (
	"encoding/json"
	"time"
)

const (
	MaxIDLength     = 128
	MaxTypeLength   = 100
	MaxSourceLength = 100
)

// Raw is an event as a producer submits it, before any validation.
type Raw struct {
	ID             string          `json:"id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Type           string          `json:"type"`
	Source         string          `json:"source,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OccurredAt     string          `json:"occurred_at"`
}

// Record is the persisted form of an event. It never changes after commit.
type Record struct {
	// Seq is assigned by the primary store and orders records by insertion.
	Seq        int64           `json:"-"`
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
	ReceivedAt time.Time       `json:"received_at"`
	Instance   string          `json:"instance"`
}

// Query filters the read path over committed records.
type Query struct {
	Type   string
	Source string
	// Contains matches a substring of the serialized payload.
	Contains string
	Limit    int
}

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Normalized clamps the limit into [1, MaxQueryLimit].
func (q Query) Normalized() Query {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		q.Limit = MaxQueryLimit
	}
	return q
}
