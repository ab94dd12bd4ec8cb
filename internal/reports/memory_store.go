package reports

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory report store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*FraudReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*FraudReport)}
}

func (m *MemoryStore) Create(_ context.Context, r *FraudReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; ok {
		return ErrDuplicateID
	}
	if r.Version == 0 {
		r.Version = 1
	}
	m.reports[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*FraudReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *FraudReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reports[r.ID]
	if !ok {
		return ErrReportNotFound
	}
	if cur.Version != r.Version {
		return ErrStaleReport
	}
	r.Version++
	m.reports[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListByFacts(_ context.Context, status FactsStatus, limit int) ([]*FraudReport, error) {
	m.mu.RLock()
	var out []*FraudReport
	for _, r := range m.reports {
		if r.FactsStatus == status {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	sortBySubmission(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByTx(_ context.Context, txHash string) ([]*FraudReport, error) {
	m.mu.RLock()
	var out []*FraudReport
	for _, r := range m.reports {
		if r.TxHash == txHash {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sortBySubmission(out)
	return out, nil
}

func (m *MemoryStore) Counts(_ context.Context) (*Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &Counts{}
	for _, r := range m.reports {
		c.add(r)
	}
	return c, nil
}

func (c *Counts) add(r *FraudReport) {
	c.Total++
	c.AmountReported += r.Amount
	c.AmountRecovered += r.RecoveredAmount
	switch r.FactsStatus {
	case FactsPending:
		c.Pending++
	case FactsApproved:
		c.Approved++
	case FactsRejected:
		c.Rejected++
	case FactsWithdrawn:
		c.Withdrawn++
	}
	switch r.ExecutionStatus {
	case ExecutionExecuted:
		c.Executed++
	case ExecutionInfeasible:
		c.Infeasible++
	}
}

func sortBySubmission(list []*FraudReport) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].SubmittedAt.Equal(list[j].SubmittedAt) {
			return list[i].SubmittedAt.Before(list[j].SubmittedAt)
		}
		return list[i].ID < list[j].ID
	})
}
