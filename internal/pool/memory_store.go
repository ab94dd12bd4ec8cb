package pool

import (
	"context"
	"sync"

	"github.com/mbd888/taintguard/internal/faults"
)

// MemoryStore keeps the pool in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	balance int64
	entries []*Entry
	refs    map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refs: make(map[string]bool)}
}

func refKey(e *Entry) string {
	return string(e.Kind) + "|" + string(e.Source) + "|" + e.Reference
}

func (m *MemoryStore) Apply(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Reference != "" && m.refs[refKey(e)] {
		return ErrDuplicateEntry
	}
	next := m.balance + e.delta()
	if next < 0 {
		return faults.InsufficientFunds("pool balance %d is below requested %d", m.balance, e.Amount)
	}
	if e.Reference != "" {
		m.refs[refKey(e)] = true
	}
	e.BalanceAfter = next
	m.balance = next
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Balance(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance, nil
}

// List returns entries of kind, newest first.
func (m *MemoryStore) List(_ context.Context, kind Kind, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Kind != kind {
			continue
		}
		cp := *m.entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Totals(_ context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := &Totals{BySource: make(map[Source]SourceTotal)}
	for _, e := range m.entries {
		st := t.BySource[e.Source]
		st.Count++
		st.Amount += e.Amount
		t.BySource[e.Source] = st
		if e.Kind == KindFunding {
			t.Funded += e.Amount
			t.FundingCount++
			cp := *e
			t.LastFunding = &cp
		} else {
			t.Spent += e.Amount
			t.SpendingCount++
		}
	}
	return t, nil
}
