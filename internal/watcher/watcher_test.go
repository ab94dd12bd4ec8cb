package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	hashes []string
	failAt int // 1-based call that fails, 0 never
	calls  int
}

func (s *recordingSink) Submit(_ context.Context, tx *chain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAt != 0 && s.calls == s.failAt {
		return errors.New("queue closed")
	}
	s.hashes = append(s.hashes, tx.Hash)
	return nil
}

func (s *recordingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hashes...)
}

func mint(g *testutil.Graph, names ...string) {
	for _, n := range names {
		g.Coinbase(n, testutil.Pay("miner", 100))
	}
}

func TestPoll_PagesThroughFeed(t *testing.T) {
	g := testutil.NewGraph(t)
	mint(g, "a", "b", "c", "d", "e")
	sink := &recordingSink{}
	cursors := NewMemoryCursorStore()
	w := New(Config{Name: "test", BatchSize: 2}, g.Ledger, cursors, sink, nil)

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{
		testutil.Hash("a"), testutil.Hash("b"), testutil.Hash("c"), testutil.Hash("d"), testutil.Hash("e"),
	}, sink.seen())
	assert.Equal(t, uint64(5), w.Cursor())

	h, found, err := cursors.Load(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(5), h)

	// Nothing new.
	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPoll_StopsAtRefusedTransaction(t *testing.T) {
	g := testutil.NewGraph(t)
	mint(g, "a", "b", "c", "d")
	sink := &recordingSink{failAt: 3}
	cursors := NewMemoryCursorStore()
	w := New(Config{Name: "test", BatchSize: 10}, g.Ledger, cursors, sink, nil)

	n, err := w.Poll(context.Background())
	assert.ErrorContains(t, err, "queue closed")
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), w.Cursor())

	// The retry resumes at the refused transaction.
	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{
		testutil.Hash("a"), testutil.Hash("b"), testutil.Hash("c"), testutil.Hash("d"),
	}, sink.seen())
}

func TestStart_ResumesFromStoredCursor(t *testing.T) {
	g := testutil.NewGraph(t)
	mint(g, "a", "b", "c")
	cursors := NewMemoryCursorStore()
	require.NoError(t, cursors.Save(context.Background(), "ledger", 2))

	sink := &recordingSink{}
	tk := ticker.NewForce(time.Hour)
	w := New(Config{}, g.Ledger, cursors, sink, nil).WithTicker(tk)
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, uint64(2), w.Cursor())
	assert.True(t, w.Running())

	tk.Force <- time.Now()
	require.Eventually(t, func() bool { return len(sink.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, testutil.Hash("c"), sink.seen()[0])

	mint(g, "d")
	tk.Force <- time.Now()
	require.Eventually(t, func() bool { return len(sink.seen()) == 2 }, 2*time.Second, 10*time.Millisecond)
	w.Stop()
	assert.Equal(t, uint64(4), w.Cursor())
	assert.False(t, w.Running())
}

func TestStart_UsesStartHeightWithoutCursor(t *testing.T) {
	g := testutil.NewGraph(t)
	mint(g, "a", "b")
	w := New(Config{StartHeight: 1}, g.Ledger, NewMemoryCursorStore(), &recordingSink{}, nil).
		WithTicker(ticker.NewForce(time.Hour))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Equal(t, uint64(1), w.Cursor())
}

func TestPostgresCursorStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresCursorStore(db)

	_, found, err := s.Load(ctx, "ledger")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save(ctx, "ledger", 10))
	require.NoError(t, s.Save(ctx, "ledger", 42))
	h, found, err := s.Load(ctx, "ledger")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(42), h)
}
