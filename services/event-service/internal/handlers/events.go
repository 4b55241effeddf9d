package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/md-rashed-zaman/eventledger/libs/httpx"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ingest"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ledger"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

// Ingester is the part of the coordinator the HTTP layer needs.
type Ingester interface {
	Ingest(ctx context.Context, raw event.Raw) (ingest.Result, error)
}

type EventHandler struct {
	ingest Ingester
	events storage.Events
	logger *slog.Logger
}

func NewEventHandler(ingester Ingester, events storage.Events, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{ingest: ingester, events: events, logger: logger}
}

func (h *EventHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.Create)
	mux.HandleFunc("GET /v1/events", h.List)
	mux.HandleFunc("GET /v1/events/{id}", h.Get)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type listEventsResponse struct {
	Events []event.Record `json:"events"`
	Count  int            `json:"count"`
}

func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var raw event.Raw
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if raw.IdempotencyKey == "" {
		raw.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	res, err := h.ingest.Ingest(r.Context(), raw)
	if err != nil {
		var verr *event.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
		case errors.Is(err, ledger.ErrRejected):
			h.logger.Warn("event rejected by store", "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "event rejected by store"})
		case errors.Is(err, ledger.ErrStorageUnavailable):
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		default:
			h.logger.Error("ingest failed", "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return
	}

	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit", Field: "limit"})
		return
	}

	records, err := h.events.ListEvents(r.Context(), event.Query{
		Type:     strings.TrimSpace(q.Get("type")),
		Source:   strings.TrimSpace(q.Get("source")),
		Contains: q.Get("q"),
		Limit:    limit,
	})
	if err != nil {
		h.logger.Error("list events failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		return
	}
	if records == nil {
		records = []event.Record{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: records, Count: len(records)})
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.events.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "event not found"})
			return
		}
		h.logger.Error("get event failed", "event_id", r.PathValue("id"), "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
