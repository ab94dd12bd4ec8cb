package taint

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(_ context.Context, txHash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[txHash]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.TxHash]; ok {
		cp := *existing
		return &cp, false, nil
	}
	stored := *rec
	m.records[rec.TxHash] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) MarkOrigin(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *rec
	m.records[rec.TxHash] = &stored
	return nil
}

func (m *MemoryStore) Rescore(_ context.Context, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[rec.TxHash]
	if !ok || existing.Origin {
		return false, nil
	}
	existing.Score = rec.Score
	existing.Parent = rec.Parent
	existing.Hops = rec.Hops
	existing.ComputedAt = rec.ComputedAt
	return true, nil
}

func (m *MemoryStore) CountOrigins(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if r.Origin {
			n++
		}
	}
	return n, nil
}
