// Package storagetest holds behaviour tests every storage.Store must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

// Opener returns an empty store; it registers its own cleanup.
type Opener func(t *testing.T) storage.Store

var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const ceiling = 3

// Record builds a committed-ready record received at Base plus offset.
func Record(id, typ, source, payload string, offset time.Duration) event.Record {
	return event.Record{
		ID:         id,
		Type:       typ,
		Source:     source,
		Payload:    json.RawMessage(payload),
		OccurredAt: Base.Add(-time.Minute),
		ReceivedAt: Base.Add(offset),
		Instance:   "test-1",
	}
}

func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CommitIsIdempotent", testCommitIsIdempotent},
		{"GetEventNotFound", testGetEventNotFound},
		{"ListEventsFilters", testListEventsFilters},
		{"EventsAfterPages", testEventsAfterPages},
		{"ClaimsAreDisjoint", testClaimsAreDisjoint},
		{"ExpiredLeaseIsReclaimed", testExpiredLeaseIsReclaimed},
		{"MarkPublishedIsTerminal", testMarkPublishedIsTerminal},
		{"FailedEntryWaitsForBackoff", testFailedEntryWaitsForBackoff},
		{"ExhaustedEntriesAreReportedOnce", testExhaustedEntriesAreReportedOnce},
		{"ReplayResetsFailed", testReplayResetsFailed},
		{"PurgeKeepsRecords", testPurgeKeepsRecords},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func commit(t *testing.T, s storage.Store, rec event.Record) event.Record {
	t.Helper()
	stored, created, err := s.CommitEvent(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created, "event %s already existed", rec.ID)
	return stored
}

func claim(t *testing.T, s storage.Store, worker string, now time.Time, limit int) []outbox.Claim {
	t.Helper()
	claims, err := s.ClaimDue(context.Background(), outbox.ClaimRequest{
		Worker:  worker,
		Now:     now,
		Lease:   30 * time.Second,
		Limit:   limit,
		Ceiling: ceiling,
	})
	require.NoError(t, err)
	return claims
}

func ids(claims []outbox.Claim) []string {
	out := make([]string, 0, len(claims))
	for _, c := range claims {
		out = append(out, c.Entry.EventID)
	}
	return out
}

func testCommitIsIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rec := Record("e1", "order.created", "shop", `{"amount":10}`, 0)

	stored, created, err := s.CommitEvent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Positive(t, stored.Seq)

	again := rec
	again.Payload = json.RawMessage(`{"amount":99}`)
	again.ReceivedAt = Base.Add(time.Hour)
	dup, created, err := s.CommitEvent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.Seq, dup.Seq)
	assert.JSONEq(t, `{"amount":10}`, string(dup.Payload))
	assert.True(t, Base.Equal(dup.ReceivedAt))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[outbox.Status]int64{outbox.StatusPending: 1}, counts)

	entry, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, entry.Status)
	assert.Zero(t, entry.Attempts)
	assert.Empty(t, entry.LastError)
	assert.Equal(t, stored.Seq, entry.Seq)
	assert.True(t, Base.Equal(entry.NextRetryAt))
}

func testGetEventNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	commit(t, s, Record("e1", "order.created", "shop", `{"amount":10}`, 0))
	got, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "order.created", got.Type)
	assert.Equal(t, "shop", got.Source)
	assert.Equal(t, "test-1", got.Instance)
	assert.True(t, Base.Add(-time.Minute).Equal(got.OccurredAt))
	assert.Equal(t, time.UTC, got.ReceivedAt.Location())
}

func testListEventsFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commit(t, s, Record("a", "order.created", "shop", `{"sku":"RED-1"}`, 0))
	commit(t, s, Record("b", "login.succeeded", "auth", `{"user":"ann"}`, time.Second))
	commit(t, s, Record("c", "order.created", "pos", `{"sku":"BLUE_2"}`, 2*time.Second))

	all, err := s.ListEvents(ctx, event.Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	orders, err := s.ListEvents(ctx, event.Query{Type: "order.created"})
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	pos, err := s.ListEvents(ctx, event.Query{Type: "order.created", Source: "pos"})
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "c", pos[0].ID)

	red, err := s.ListEvents(ctx, event.Query{Contains: "red-1"})
	require.NoError(t, err)
	require.Len(t, red, 1)
	assert.Equal(t, "a", red[0].ID)

	// '_' is literal, not a wildcard.
	under, err := s.ListEvents(ctx, event.Query{Contains: "E_2"})
	require.NoError(t, err)
	require.Len(t, under, 1)
	assert.Equal(t, "c", under[0].ID)
	none, err := s.ListEvents(ctx, event.Query{Contains: "D_1"})
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := s.ListEvents(ctx, event.Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)
}

func testEventsAfterPages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		commit(t, s, Record(fmt.Sprintf("e%d", i), "order.created", "", `{}`, time.Duration(i)*time.Minute))
	}

	page, err := s.EventsAfter(ctx, time.Time{}, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e0", page[0].ID)
	assert.Equal(t, "e1", page[1].ID)

	page, err = s.EventsAfter(ctx, time.Time{}, page[1].Seq, 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	recent, err := s.EventsAfter(ctx, Base.Add(3*time.Minute), 0, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e3", recent[0].ID)
}

func testClaimsAreDisjoint(t *testing.T, s storage.Store) {
	for _, id := range []string{"e1", "e2", "e3"} {
		commit(t, s, Record(id, "order.created", "", `{}`, 0))
	}

	first := claim(t, s, "w1", Base, 2)
	second := claim(t, s, "w2", Base, 2)
	third := claim(t, s, "w3", Base, 2)

	assert.Equal(t, []string{"e1", "e2"}, ids(first))
	assert.Equal(t, []string{"e3"}, ids(second))
	assert.Empty(t, third)

	for _, c := range first {
		assert.Equal(t, "w1", c.Entry.ClaimedBy)
		require.NotNil(t, c.Entry.ClaimedUntil)
		assert.True(t, Base.Add(30*time.Second).Equal(*c.Entry.ClaimedUntil))
		assert.Equal(t, c.Entry.EventID, c.Record.ID)
		assert.Equal(t, "order.created", c.Record.Type)
	}

	entry, err := s.GetEntry(context.Background(), "e3")
	require.NoError(t, err)
	assert.Equal(t, second[0].Entry.Version, entry.Version)
}

func testExpiredLeaseIsReclaimed(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commit(t, s, Record("e1", "order.created", "", `{}`, 0))

	stale := claim(t, s, "w1", Base, 10)
	require.Len(t, stale, 1)
	assert.Empty(t, claim(t, s, "w2", Base.Add(10*time.Second), 10))

	fresh := claim(t, s, "w2", Base.Add(31*time.Second), 10)
	require.Len(t, fresh, 1)
	assert.Greater(t, fresh[0].Entry.Version, stale[0].Entry.Version)

	err := s.MarkPublished(ctx, "e1", stale[0].Entry.Version, Base.Add(32*time.Second))
	assert.ErrorIs(t, err, storage.ErrStale)
	require.NoError(t, s.MarkPublished(ctx, "e1", fresh[0].Entry.Version, Base.Add(32*time.Second)))
}

func testMarkPublishedIsTerminal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commit(t, s, Record("e1", "order.created", "", `{}`, 0))
	claims := claim(t, s, "w1", Base, 10)
	require.Len(t, claims, 1)
	version := claims[0].Entry.Version

	at := Base.Add(time.Second)
	require.NoError(t, s.MarkPublished(ctx, "e1", version, at))

	entry, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPublished, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Empty(t, entry.ClaimedBy)
	assert.Nil(t, entry.ClaimedUntil)
	require.NotNil(t, entry.PublishedAt)
	assert.True(t, at.Equal(*entry.PublishedAt))

	assert.ErrorIs(t, s.MarkPublished(ctx, "e1", entry.Version, at), storage.ErrStale)
	assert.ErrorIs(t, s.MarkFailed(ctx, "e1", entry.Version, outbox.Failure{LastError: "x", NextRetryAt: at, At: at}), storage.ErrStale)
	assert.ErrorIs(t, s.MarkPublished(ctx, "nope", 1, at), storage.ErrNotFound)

	_, err = s.Replay(ctx, "e1", at)
	assert.ErrorIs(t, err, storage.ErrNotReplayable)
	assert.Empty(t, claim(t, s, "w1", Base.Add(time.Hour), 10))
}

func testFailedEntryWaitsForBackoff(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commit(t, s, Record("e1", "order.created", "", `{}`, 0))
	claims := claim(t, s, "w1", Base, 10)
	require.Len(t, claims, 1)

	retryAt := Base.Add(2 * time.Second)
	require.NoError(t, s.MarkFailed(ctx, "e1", claims[0].Entry.Version, outbox.Failure{
		LastError:   "index unreachable",
		NextRetryAt: retryAt,
		At:          Base,
	}))

	entry, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "index unreachable", entry.LastError)
	assert.True(t, retryAt.Equal(entry.NextRetryAt))

	assert.Empty(t, claim(t, s, "w1", Base.Add(time.Second), 10))
	reset, err := s.ResetDueFailed(ctx, Base.Add(time.Second), ceiling, 10)
	require.NoError(t, err)
	assert.Empty(t, reset)

	reset, err = s.ResetDueFailed(ctx, retryAt, ceiling, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, reset)

	entry, err = s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Empty(t, entry.LastError)

	again := claim(t, s, "w1", retryAt, 10)
	require.Len(t, again, 1)
	assert.Equal(t, 1, again[0].Entry.Attempts)
}

// fail drives e through n failed attempts with immediate retry.
func fail(t *testing.T, s storage.Store, id string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		entry, err := s.GetEntry(ctx, id)
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, id, entry.Version, outbox.Failure{LastError: "boom", NextRetryAt: Base, At: Base}))
	}
}

func testExhaustedEntriesAreReportedOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commit(t, s, Record("e1", "order.created", "", `{}`, 0))
	commit(t, s, Record("e2", "order.created", "", `{}`, 0))
	fail(t, s, "e1", ceiling)
	fail(t, s, "e2", ceiling-1)

	assert.Equal(t, []string{"e2"}, ids(claim(t, s, "w1", Base, 10)))

	reset, err := s.ResetDueFailed(ctx, Base, ceiling, 10)
	require.NoError(t, err)
	assert.Empty(t, reset, "e1 is exhausted and e2 is leased")

	reported, err := s.TakeUnreported(ctx, Base, ceiling, 10)
	require.NoError(t, err)
	require.Len(t, reported, 1)
	assert.Equal(t, "e1", reported[0].EventID)
	assert.Equal(t, ceiling, reported[0].Attempts)
	require.NotNil(t, reported[0].ReportedAt)

	reported, err = s.TakeUnreported(ctx, Base, ceiling, 10)
	require.NoError(t, err)
	assert.Empty(t, reported)

	exhausted, err := s.ListExhausted(ctx, ceiling, 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, outbox.StatusFailed, exhausted[0].Status)
	assert.Equal(t, "boom", exhausted[0].LastError)
}

func testReplayResetsFailed(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commit(t, s, Record("e1", "order.created", "", `{}`, 0))
	fail(t, s, "e1", ceiling)
	_, err := s.TakeUnreported(ctx, Base, ceiling, 10)
	require.NoError(t, err)

	now := Base.Add(time.Hour)
	entry, err := s.Replay(ctx, "e1", now)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, entry.Status)
	assert.Equal(t, ceiling, entry.Attempts)
	assert.Empty(t, entry.LastError)
	assert.Nil(t, entry.ReportedAt)
	assert.True(t, now.Equal(entry.NextRetryAt))

	_, err = s.Replay(ctx, "e1", now)
	assert.ErrorIs(t, err, storage.ErrNotReplayable)
	_, err = s.Replay(ctx, "missing", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, []string{"e1"}, ids(claim(t, s, "w1", now, 10)))
}

func testPurgeKeepsRecords(t *testing.T, s storage.Store) {
	ctx := context.Background()
	commit(t, s, Record("e1", "order.created", "", `{}`, 0))
	commit(t, s, Record("e2", "order.created", "", `{}`, 0))
	for _, c := range claim(t, s, "w1", Base, 10) {
		require.NoError(t, s.MarkPublished(ctx, c.Entry.EventID, c.Entry.Version, Base))
	}

	n, err := s.PurgePublished(ctx, Base, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PurgePublished(ctx, Base.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.PurgePublished(ctx, Base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetEntry(ctx, "e1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetEvent(ctx, "e1")
	require.NoError(t, err)

	_, created, err := s.CommitEvent(ctx, Record("e1", "order.created", "", `{}`, time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}
