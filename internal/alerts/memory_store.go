package alerts

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/taintguard/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts []*Alert
	byID   map[string]int
	flags  map[string]*Flag
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]int),
		flags: make(map[string]*Flag),
	}
}

func copyAlert(a *Alert) *Alert {
	cp := *a
	if a.Evidence != nil {
		cp.Evidence = make(map[string]interface{}, len(a.Evidence))
		for k, v := range a.Evidence {
			cp.Evidence[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) Append(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ID]; ok {
		return nil
	}
	m.byID[a.ID] = len(m.alerts)
	m.alerts = append(m.alerts, copyAlert(a))
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return copyAlert(m.alerts[i]), nil
}

func (m *MemoryStore) filter(keep func(*Alert) bool, limit int, newestFirst bool) []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, copyAlert(a))
		}
	}
	if newestFirst {
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListByTx(_ context.Context, txHash string) ([]*Alert, error) {
	return m.filter(func(a *Alert) bool { return a.TxHash == txHash }, 0, false), nil
}

func (m *MemoryStore) ListByAddress(_ context.Context, address string, limit int) ([]*Alert, error) {
	return m.filter(func(a *Alert) bool { return a.Address == address }, limit, true), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, before *pagination.Cursor, limit int) ([]*Alert, error) {
	return m.filter(func(a *Alert) bool { return before.Precedes(a.CreatedAt, a.ID) }, limit, true), nil
}

func (m *MemoryStore) CountByAddress(_ context.Context, address string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total, critical := 0, 0
	for _, a := range m.alerts {
		if a.Address != address {
			continue
		}
		total++
		if a.Severity == SeverityCritical {
			critical++
		}
	}
	return total, critical, nil
}

func (m *MemoryStore) CountBySeverity(_ context.Context) (map[Severity]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Severity]int)
	for _, a := range m.alerts {
		out[a.Severity]++
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts), nil
}

func (m *MemoryStore) Flag(_ context.Context, f *Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flags[f.Address]; ok {
		return nil
	}
	cp := *f
	m.flags[f.Address] = &cp
	return nil
}

func (m *MemoryStore) Unflag(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flags[address]
	delete(m.flags, address)
	return ok, nil
}

func (m *MemoryStore) IsFlagged(_ context.Context, address string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.flags[address]
	return ok, nil
}

func (m *MemoryStore) CountFlagged(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flags), nil
}
