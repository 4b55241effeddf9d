package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
)

var errStoreConnecting = errors.New("primary store not connected yet")

// storeRef holds the primary store once it is connected.
type storeRef struct {
	p atomic.Pointer[storage.Store]
}

func (r *storeRef) set(s storage.Store) { r.p.Store(&s) }

func (r *storeRef) Ping(ctx context.Context) error {
	s := r.p.Load()
	if s == nil {
		return errStoreConnecting
	}
	return (*s).Ping(ctx)
}

// deferredHandler answers 503 until set installs the real handler.
type deferredHandler struct {
	h atomic.Pointer[http.Handler]
}

func (d *deferredHandler) set(h http.Handler) { d.h.Store(&h) }

func (d *deferredHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h := d.h.Load(); h != nil {
		(*h).ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, `{"error":"service starting"}`+"\n")
}
