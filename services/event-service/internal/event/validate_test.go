package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validRaw() Raw {
	return Raw{
		ID:         "e1",
		Type:       "order.created",
		Source:     "web",
		Payload:    json.RawMessage(`{ "amount": 10 }`),
		OccurredAt: "2026-03-01T11:59:58+03:00",
	}
}

func TestNormalize(t *testing.T) {
	rec, err := Normalize(validRaw(), now, "node-1")
	require.NoError(t, err)

	assert.Equal(t, "e1", rec.ID)
	assert.Equal(t, "order.created", rec.Type)
	assert.Equal(t, "web", rec.Source)
	assert.JSONEq(t, `{"amount":10}`, string(rec.Payload))
	assert.Equal(t, `{"amount":10}`, string(rec.Payload), "payload is compacted")
	assert.Equal(t, time.Date(2026, 3, 1, 8, 59, 58, 0, time.UTC), rec.OccurredAt)
	assert.Equal(t, time.UTC, rec.OccurredAt.Location())
	assert.Equal(t, now, rec.ReceivedAt)
	assert.Equal(t, "node-1", rec.Instance)
}

func TestNormalizeIdempotencyKeyAlias(t *testing.T) {
	raw := validRaw()
	raw.ID = ""
	raw.IdempotencyKey = "  key-7 "
	rec, err := Normalize(raw, now, "")
	require.NoError(t, err)
	assert.Equal(t, "key-7", rec.ID)
}

func TestNormalizeGeneratesTimeOrderedID(t *testing.T) {
	raw := validRaw()
	raw.ID = "   "

	first, err := Normalize(raw, now, "")
	require.NoError(t, err)
	second, err := Normalize(raw, now, "")
	require.NoError(t, err)

	parsed, err := uuid.Parse(first.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, first.ID < second.ID, "v7 ids sort by creation")
}

func TestNormalizePayloadDefaults(t *testing.T) {
	for _, payload := range []string{"", "null", "  "} {
		raw := validRaw()
		raw.Payload = json.RawMessage(payload)
		rec, err := Normalize(raw, now, "")
		require.NoError(t, err)
		assert.Equal(t, "{}", string(rec.Payload))
	}
}

func TestNormalizePayloadKeepsValidEscapes(t *testing.T) {
	for _, payload := range []string{
		`{"emoji":"\ud83d\ude00"}`,
		`{"path":"C:\\u0000"}`,
		`{"tab":"\t","quote":"\"\u0041"}`,
	} {
		raw := validRaw()
		raw.Payload = json.RawMessage(payload)
		rec, err := Normalize(raw, now, "")
		require.NoError(t, err, payload)
		assert.JSONEq(t, payload, string(rec.Payload))
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Raw)
		field  string
	}{
		{"missing type", func(r *Raw) { r.Type = " " }, "type"},
		{"long type", func(r *Raw) { r.Type = strings.Repeat("t", MaxTypeLength+1) }, "type"},
		{"control char in type", func(r *Raw) { r.Type = "order\ncreated" }, "type"},
		{"missing occurred_at", func(r *Raw) { r.OccurredAt = "" }, "occurred_at"},
		{"bad occurred_at", func(r *Raw) { r.OccurredAt = "yesterday" }, "occurred_at"},
		{"occurred_at out of range", func(r *Raw) { r.OccurredAt = "0001-01-01T00:00:00Z" }, "occurred_at"},
		{"array payload", func(r *Raw) { r.Payload = json.RawMessage(`[1,2]`) }, "payload"},
		{"scalar payload", func(r *Raw) { r.Payload = json.RawMessage(`"x"`) }, "payload"},
		{"broken payload", func(r *Raw) { r.Payload = json.RawMessage(`{"a":`) }, "payload"},
		{"nul escape in payload", func(r *Raw) { r.Payload = json.RawMessage(`{"a":"\u0000"}`) }, "payload"},
		{"nul escape in payload key", func(r *Raw) { r.Payload = json.RawMessage(`{"a\u0000":1}`) }, "payload"},
		{"lone high surrogate", func(r *Raw) { r.Payload = json.RawMessage(`{"a":"\ud83d"}`) }, "payload"},
		{"lone low surrogate", func(r *Raw) { r.Payload = json.RawMessage(`{"a":"x\ude00"}`) }, "payload"},
		{"reversed surrogates", func(r *Raw) { r.Payload = json.RawMessage(`{"a":"\ude00\ud83d"}`) }, "payload"},
		{"trailing payload", func(r *Raw) { r.Payload = json.RawMessage(`{"a":1}{"b":2}`) }, "payload"},
		{"long id", func(r *Raw) { r.ID = strings.Repeat("k", MaxIDLength+1) }, "id"},
		{"long key", func(r *Raw) { r.ID = ""; r.IdempotencyKey = strings.Repeat("k", MaxIDLength+1) }, "idempotency_key"},
		{"long source", func(r *Raw) { r.Source = strings.Repeat("s", MaxSourceLength+1) }, "source"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRaw()
			tc.mutate(&raw)
			_, err := Normalize(raw, now, "")

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestQueryNormalized(t *testing.T) {
	assert.Equal(t, DefaultQueryLimit, Query{}.Normalized().Limit)
	assert.Equal(t, MaxQueryLimit, Query{Limit: 10_000}.Normalized().Limit)
	assert.Equal(t, 7, Query{Limit: 7}.Normalized().Limit)
}
