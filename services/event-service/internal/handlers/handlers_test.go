package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/eventledger/libs/auth"
	"github.com/md-rashed-zaman/eventledger/libs/httpx"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ingest"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ledger"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/publisher"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search/searchtest"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage/sqlite"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *sqlite.Store
	index *searchtest.Memory
	pub   *publisher.Publisher
	mux   *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	index := searchtest.NewMemory()
	writer := ledger.NewWriter(s, nil, ledger.Config{MaxTries: 1})
	coord := ingest.NewCoordinator(writer, nil, nil, "api-1")

	mux := http.NewServeMux()
	NewEventHandler(coord, s, nil).Register(mux)
	admin := NewAdminHandler(s, publisher.NewReindexer(s, index, nil, 2), 1, nil)
	admin.now = func() time.Time { return base }
	admin.Register(mux)

	pub := publisher.NewPublisher(s, index, nil, nil, publisher.Config{Ceiling: 1})
	return &fixture{store: s, index: index, pub: pub, mux: mux}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rw := httptest.NewRecorder()
	f.mux.ServeHTTP(rw, req)
	return rw
}

func decode[T any](t *testing.T, rw *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &v), rw.Body.String())
	return v
}

func eventBody(id, typ string) string {
	return fmt.Sprintf(`{"id":%q,"type":%q,"source":"web","payload":{"amount":10},"occurred_at":"2026-03-01T11:59:00Z"}`, id, typ)
}

func TestCreateEvent(t *testing.T) {
	f := newFixture(t)

	rw := f.do(t, http.MethodPost, "/v1/events", eventBody("e1", "order.created"))
	assert.Equal(t, http.StatusCreated, rw.Code)
	assert.Equal(t, ingest.Result{ID: "e1", Created: true}, decode[ingest.Result](t, rw))
	assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))

	rw = f.do(t, http.MethodPost, "/v1/events", eventBody("e1", "order.created"))
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, ingest.Result{ID: "e1", Created: false}, decode[ingest.Result](t, rw))
}

func TestCreateEventUsesIdempotencyKeyHeader(t *testing.T) {
	f := newFixture(t)
	body := `{"type":"order.created","occurred_at":"2026-03-01T11:59:00Z"}`

	for i, want := range []int{http.StatusCreated, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", "checkout-42")
		rw := httptest.NewRecorder()
		f.mux.ServeHTTP(rw, req)
		assert.Equal(t, want, rw.Code, "attempt %d", i)
		assert.Equal(t, "checkout-42", decode[ingest.Result](t, rw).ID)
	}
}

func TestCreateEventRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name  string
		body  string
		field string
	}{
		{name: "malformed json", body: `{"type":`},
		{name: "missing type", body: `{"occurred_at":"2026-03-01T11:59:00Z"}`, field: "type"},
		{name: "bad timestamp", body: `{"type":"x","occurred_at":"yesterday"}`, field: "occurred_at"},
		{name: "array payload", body: `{"type":"x","payload":[1],"occurred_at":"2026-03-01T11:59:00Z"}`, field: "payload"},
		{name: "nul in payload", body: `{"type":"x","payload":{"a":"\u0000"},"occurred_at":"2026-03-01T11:59:00Z"}`, field: "payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rw := f.do(t, http.MethodPost, "/v1/events", tc.body)
			assert.Equal(t, http.StatusBadRequest, rw.Code)
			resp := decode[errorResponse](t, rw)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tc.field, resp.Field)
		})
	}

	counts, err := f.store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestCreateEventBodyLimit(t *testing.T) {
	f := newFixture(t)
	h := httpx.Chain(f.mux, httpx.WithBodyLimit(64))

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(eventBody("e1", strings.Repeat("x", 100))))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rw.Code)
}

type failingIngester struct{ err error }

func (f failingIngester) Ingest(context.Context, event.Raw) (ingest.Result, error) {
	return ingest.Result{}, f.err
}

func TestCreateEventStorageUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	err := fmt.Errorf("%w: commit event e1: %w", ledger.ErrStorageUnavailable, errors.New("database is locked"))
	NewEventHandler(failingIngester{err: err}, nil, nil).Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(eventBody("e1", "order.created")))
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
	assert.Equal(t, "1", rw.Header().Get("Retry-After"))
	assert.Equal(t, "storage unavailable", decode[errorResponse](t, rw).Error)
}

func TestCreateEventRejectedByStore(t *testing.T) {
	mux := http.NewServeMux()
	err := fmt.Errorf("%w: commit event e1: %w", ledger.ErrRejected, errors.New("unsupported Unicode escape sequence (SQLSTATE 22P05)"))
	NewEventHandler(failingIngester{err: err}, nil, nil).Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(eventBody("e1", "order.created")))
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rw.Code)
	assert.Empty(t, rw.Header().Get("Retry-After"))
	assert.Equal(t, "event rejected by store", decode[errorResponse](t, rw).Error)
}

func TestListAndGetEvents(t *testing.T) {
	f := newFixture(t)
	for i, typ := range []string{"order.created", "order.paid", "order.created"} {
		rw := f.do(t, http.MethodPost, "/v1/events", eventBody(fmt.Sprintf("e%d", i+1), typ))
		require.Equal(t, http.StatusCreated, rw.Code)
	}

	rw := f.do(t, http.MethodGet, "/v1/events?type=order.created", "")
	require.Equal(t, http.StatusOK, rw.Code)
	list := decode[listEventsResponse](t, rw)
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, "e3", list.Events[0].ID)
	assert.Equal(t, "e1", list.Events[1].ID)

	rw = f.do(t, http.MethodGet, "/v1/events?limit=1", "")
	assert.Equal(t, 1, decode[listEventsResponse](t, rw).Count)

	rw = f.do(t, http.MethodGet, "/v1/events?source=nobody", "")
	assert.JSONEq(t, `{"events":[],"count":0}`, rw.Body.String())

	rw = f.do(t, http.MethodGet, "/v1/events?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rw.Code)

	rw = f.do(t, http.MethodGet, "/v1/events/e2", "")
	require.Equal(t, http.StatusOK, rw.Code)
	rec := decode[event.Record](t, rw)
	assert.Equal(t, "order.paid", rec.Type)
	assert.JSONEq(t, `{"amount":10}`, string(rec.Payload))

	rw = f.do(t, http.MethodGet, "/v1/events/missing", "")
	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func TestAdminFailedAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/events", eventBody("e1", "order.created")).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/events", eventBody("e2", "order.created")).Code)

	f.index.Reject("e1", errors.New("mapper_parsing_exception"))
	_, err := f.pub.RunOnce(ctx, "w1")
	require.NoError(t, err)

	rw := f.do(t, http.MethodGet, "/admin/outbox/failed", "")
	require.Equal(t, http.StatusOK, rw.Code)
	failed := decode[entriesResponse](t, rw)
	require.Equal(t, 1, failed.Count)
	assert.Equal(t, "e1", failed.Entries[0].EventID)
	assert.Equal(t, outbox.StatusFailed, failed.Entries[0].Status)
	assert.Contains(t, failed.Entries[0].LastError, "mapper_parsing_exception")

	rw = f.do(t, http.MethodGet, "/admin/outbox/stats", "")
	assert.JSONEq(t, `{"PENDING":0,"PUBLISHED":1,"FAILED":1}`, rw.Body.String())

	rw = f.do(t, http.MethodGet, "/admin/outbox/e2", "")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, outbox.StatusPublished, decode[outbox.Entry](t, rw).Status)

	rw = f.do(t, http.MethodPost, "/admin/outbox/e2/replay", "")
	assert.Equal(t, http.StatusConflict, rw.Code)

	rw = f.do(t, http.MethodPost, "/admin/outbox/missing/replay", "")
	assert.Equal(t, http.StatusNotFound, rw.Code)

	rw = f.do(t, http.MethodPost, "/admin/outbox/e1/replay", "")
	require.Equal(t, http.StatusOK, rw.Code)
	replayed := decode[outbox.Entry](t, rw)
	assert.Equal(t, outbox.StatusPending, replayed.Status)
	assert.Equal(t, 1, replayed.Attempts)
	assert.Empty(t, replayed.LastError)

	f.index.Reject("e1", nil)
	_, err = f.pub.RunOnce(ctx, "w1")
	require.NoError(t, err)
	_, ok := f.index.Get("e1")
	assert.True(t, ok)

	rw = f.do(t, http.MethodGet, "/admin/outbox/failed", "")
	assert.Equal(t, 0, decode[entriesResponse](t, rw).Count)
}

func TestAdminActionsNameTheOperator(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/events", eventBody("e1", "order.created")).Code)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	mux := http.NewServeMux()
	NewAdminHandler(f.store, publisher.NewReindexer(f.store, f.index, nil, 2), 1, logger).Register(mux)
	h := auth.RequireRole("s3cret", "operator", logger)(mux)

	token, err := auth.SignHS256(auth.NewClaims("alice", "operator", time.Now(), time.Hour), "s3cret")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/admin/reindex", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, 1, decode[publisher.ReindexResult](t, rw).Indexed)
	assert.Contains(t, logs.String(), `"msg":"reindex finished"`)
	assert.Contains(t, logs.String(), `"operator":"alice"`)
}

func TestAdminReindex(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		rw := f.do(t, http.MethodPost, "/v1/events", eventBody(fmt.Sprintf("e%d", i), "order.created"))
		require.Equal(t, http.StatusCreated, rw.Code)
	}

	rw := f.do(t, http.MethodPost, "/admin/reindex?limit=3", "")
	require.Equal(t, http.StatusOK, rw.Code)
	res := decode[publisher.ReindexResult](t, rw)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 3, f.index.Len())

	rw = f.do(t, http.MethodPost, "/admin/reindex?since=2026-01-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, 5, decode[publisher.ReindexResult](t, rw).Indexed)
	assert.Equal(t, 5, f.index.Len())

	rw = f.do(t, http.MethodPost, "/admin/reindex?since=last-week", "")
	assert.Equal(t, http.StatusBadRequest, rw.Code)

	f.index.SetUnavailable(errors.New("connection refused"))
	rw = f.do(t, http.MethodPost, "/admin/reindex", "")
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
	assert.Contains(t, rw.Body.String(), `"error":"reindex failed"`)
}
