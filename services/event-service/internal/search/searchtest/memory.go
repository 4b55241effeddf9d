// Package searchtest provides an in-process index for tests.
package searchtest

import (
	"context"
	"sync"

	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search"
)

// Memory is a search.Indexer that keeps documents in a map and can be told
// to fail.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]search.Document
	writes map[string]int
	down   error
	reject map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		docs:   map[string]search.Document{},
		writes: map[string]int{},
		reject: map[string]error{},
	}
}

// SetUnavailable makes every Upsert fail with err until cleared with nil.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = err
}

// Reject makes writes of id fail with err; nil clears it.
func (m *Memory) Reject(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.reject, id)
		return
	}
	m.reject[id] = err
}

func (m *Memory) Upsert(ctx context.Context, docs []search.Document) (map[string]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, m.down
	}
	failed := map[string]error{}
	for _, doc := range docs {
		if err, ok := m.reject[doc.ID]; ok {
			failed[doc.ID] = err
			continue
		}
		m.docs[doc.ID] = doc
		m.writes[doc.ID]++
	}
	return failed, nil
}

var _ search.Indexer = (*Memory)(nil)

func (m *Memory) EnsureIndex(context.Context) error { return nil }

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.down
}

func (m *Memory) Get(id string) (search.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

// Writes counts successful upserts of id, including re-pushes.
func (m *Memory) Writes(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[id]
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
