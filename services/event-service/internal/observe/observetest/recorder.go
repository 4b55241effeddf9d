// Package observetest records observe.Hook calls for assertions.
package observetest

import (
	"context"
	"sync"
	"time"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/event"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/outbox"
)

type Recorder struct {
	mu        sync.Mutex
	ingested  []string
	published []string
	failed    []string
	exhausted []string
}

func (r *Recorder) Ingested(_ context.Context, rec event.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingested = append(r.ingested, rec.ID)
}

func (r *Recorder) Published(_ context.Context, entry outbox.Entry, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, entry.EventID)
}

func (r *Recorder) Failed(_ context.Context, entry outbox.Entry, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, entry.EventID)
}

func (r *Recorder) PermanentlyFailed(_ context.Context, entry outbox.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted = append(r.exhausted, entry.EventID)
}

func (r *Recorder) IngestedIDs() []string { return r.snapshot(&r.ingested) }
func (r *Recorder) PublishedIDs() []string { return r.snapshot(&r.published) }
func (r *Recorder) FailedIDs() []string { return r.snapshot(&r.failed) }
func (r *Recorder) ExhaustedIDs() []string { return r.snapshot(&r.exhausted) }

func (r *Recorder) snapshot(s *[]string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), (*s)...)
}
