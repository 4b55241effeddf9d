package searchtest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search"
)

func TestMemoryIndexer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	doc := search.NewDocument(event.Record{
		ID:         "e1",
		Type:       "order.created",
		Payload:    json.RawMessage(`{}`),
		OccurredAt: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	failed, err := m.Upsert(ctx, []search.Document{doc, doc})
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, m.Writes("e1"))

	down := errors.New("connection refused")
	m.SetUnavailable(down)
	_, err = m.Upsert(ctx, []search.Document{doc})
	assert.ErrorIs(t, err, down)
	assert.ErrorIs(t, m.Ping(ctx), down)
	m.SetUnavailable(nil)

	m.Reject("e1", errors.New("mapping conflict"))
	failed, err = m.Upsert(ctx, []search.Document{doc})
	require.NoError(t, err)
	assert.Contains(t, failed, "e1")
}
