package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Store for tests and throwaway runs.
type Memory struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record)}
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.SessionID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, sessionID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[sessionID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return rec, nil
}

func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, sessionID)
	return nil
}

func (m *Memory) Close() error { return nil }
