package watcher

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// CursorStore persists feed positions by watcher name.
type CursorStore interface {
	Load(ctx context.Context, name string) (uint64, bool, error)
	Save(ctx context.Context, name string, height uint64) error
}

// MemoryCursorStore keeps cursors in process memory.
type MemoryCursorStore struct {
	mu      sync.Mutex
	heights map[string]uint64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{heights: make(map[string]uint64)}
}

func (m *MemoryCursorStore) Load(_ context.Context, name string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heights[name]
	return h, ok, nil
}

func (m *MemoryCursorStore) Save(_ context.Context, name string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heights[name] = height
	return nil
}

// PostgresCursorStore stores cursors in the watcher_cursors table.
type PostgresCursorStore struct {
	db *sql.DB
}

func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (s *PostgresCursorStore) Load(ctx context.Context, name string) (uint64, bool, error) {
	var h int64
	err := s.db.QueryRowContext(ctx, `SELECT height FROM watcher_cursors WHERE name = $1`, name).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(h), true, nil
}

func (s *PostgresCursorStore) Save(ctx context.Context, name string, height uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watcher_cursors (name, height, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET height = EXCLUDED.height, updated_at = NOW()`,
		name, int64(height))
	return err
}
