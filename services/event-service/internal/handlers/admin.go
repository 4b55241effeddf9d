package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventledger/libs/auth"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/publisher"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

// Reindexer rebuilds the index from the primary store.
type Reindexer interface {
	Run(ctx context.Context, since time.Time, limit int) (publisher.ReindexResult, error)
}

// AdminHandler serves the operator endpoints over the outbox.
type AdminHandler struct {
	outbox    storage.Outbox
	reindexer Reindexer
	ceiling   int
	logger    *slog.Logger
	now       func() time.Time
}

func NewAdminHandler(store storage.Outbox, reindexer Reindexer, ceiling int, logger *slog.Logger) *AdminHandler {
	if ceiling <= 0 {
		ceiling = outbox.DefaultCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{outbox: store, reindexer: reindexer, ceiling: ceiling, logger: logger, now: time.Now}
}

func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/outbox/failed", h.ListFailed)
	mux.HandleFunc("GET /admin/outbox/stats", h.Stats)
	mux.HandleFunc("GET /admin/outbox/{id}", h.GetEntry)
	mux.HandleFunc("POST /admin/outbox/{id}/replay", h.Replay)
	mux.HandleFunc("POST /admin/reindex", h.Reindex)
}

type entriesResponse struct {
	Entries []outbox.Entry `json:"entries"`
	Count   int            `json:"count"`
	Ceiling int            `json:"ceiling"`
}

func (h *AdminHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit", Field: "limit"})
		return
	}
	if limit == 0 {
		limit = 100
	}
	entries, err := h.outbox.ListExhausted(r.Context(), h.ceiling, limit)
	if err != nil {
		h.logger.Error("list exhausted entries failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		return
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	writeJSON(w, http.StatusOK, entriesResponse{Entries: entries, Count: len(entries), Ceiling: h.ceiling})
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.outbox.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("count outbox entries failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		return
	}
	out := map[outbox.Status]int64{
		outbox.StatusPending:   0,
		outbox.StatusPublished: 0,
		outbox.StatusFailed:    0,
	}
	for status, n := range counts {
		out[status] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.outbox.GetEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *AdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := h.outbox.Replay(r.Context(), id, h.now())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.logger.Info("outbox entry replayed", "event_id", id, "attempts", entry.Attempts, "operator", operator(r))
	writeJSON(w, http.StatusOK, entry)
}

func (h *AdminHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since time.Time
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be an RFC 3339 timestamp", Field: "since"})
			return
		}
		since = t
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit", Field: "limit"})
		return
	}

	res, err := h.reindexer.Run(r.Context(), since, limit)
	if err != nil {
		h.logger.Error("reindex failed", "since", since, "indexed", res.Indexed, "operator", operator(r), "err", err)
		msg := "reindex failed"
		if errors.Is(err, search.ErrDisabled) {
			msg = "search index disabled"
		}
		writeJSON(w, http.StatusServiceUnavailable, struct {
			errorResponse
			publisher.ReindexResult
		}{errorResponse{Error: msg}, res})
		return
	}
	h.logger.Info("reindex finished", "since", since, "indexed", res.Indexed, "operator", operator(r))
	writeJSON(w, http.StatusOK, res)
}

// operator names the token subject behind an admin request, if any.
func operator(r *http.Request) string {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		return c.Subject
	}
	return ""
}

func (h *AdminHandler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "outbox entry not found"})
	case errors.Is(err, storage.ErrNotReplayable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("outbox request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
	}
}
