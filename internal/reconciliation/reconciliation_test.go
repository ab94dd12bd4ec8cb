package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/pool"
	"github.com/mbd888/taintguard/internal/reports"
)

const funder = "GXCfunder1111111111111111111"

type mockCounter struct {
	recovered int64
}

func (m *mockCounter) Counts(_ context.Context) (*reports.Counts, error) {
	return &reports.Counts{AmountRecovered: m.recovered}, nil
}

// skewedPool reports a balance that disagrees with its history.
type skewedPool struct {
	pool.Store
	skew int64
}

func (s *skewedPool) Balance(ctx context.Context) (int64, error) {
	b, err := s.Store.Balance(ctx)
	return b + s.skew, err
}

func fundedPool(t *testing.T) (*pool.Pool, pool.Store) {
	t.Helper()
	store := pool.NewMemoryStore()
	p := pool.NewPool(store, pool.DefaultConfig(), nil)
	ctx := context.Background()
	if _, err := p.RecordFunding(ctx, funder, 100*gxc.Coin, "", ""); err != nil {
		t.Fatalf("RecordFunding: %v", err)
	}
	if _, err := p.Debit(ctx, 30*gxc.Coin, "FR-1", ""); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if _, err := p.Debit(ctx, 5*gxc.Coin, "FR-2", ""); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if _, err := p.Refund(ctx, "FR-2", 5*gxc.Coin, ""); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	return p, store
}

func TestRunAll_Healthy(t *testing.T) {
	_, store := fundedPool(t)
	r := NewRunner(store, &mockCounter{recovered: 30 * gxc.Coin}, nil)

	rep, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if !rep.Healthy {
		t.Fatalf("expected healthy run, got pool=%+v recovery=%+v", rep.Pool, rep.Recovery)
	}
	if rep.Pool.Balance != "70.00000000" || rep.Pool.Expected != "70.00000000" {
		t.Errorf("unexpected pool result %+v", rep.Pool)
	}
	if rep.Recovery.PoolReversals != "30.00000000" {
		t.Errorf("expected net reversals 30, got %s", rep.Recovery.PoolReversals)
	}
}

func TestCheckPool_Mismatch(t *testing.T) {
	_, store := fundedPool(t)
	r := NewRunner(&skewedPool{Store: store, skew: -1}, nil, nil)

	rep, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if rep.Healthy || rep.Pool.Match {
		t.Fatal("expected pool mismatch")
	}
	if rep.Pool.Diff != "-0.00000001" {
		t.Errorf("expected diff -0.00000001, got %s", rep.Pool.Diff)
	}
	if rep.Recovery != nil {
		t.Error("recovery check should be skipped without a report counter")
	}
}

func TestCheckRecovery_Mismatch(t *testing.T) {
	_, store := fundedPool(t)
	r := NewRunner(store, &mockCounter{recovered: 25 * gxc.Coin}, nil)

	res, err := r.CheckRecovery(context.Background())
	if err != nil {
		t.Fatalf("CheckRecovery failed: %v", err)
	}
	if res.Match {
		t.Error("expected mismatch when reports record less than the pool paid")
	}
	if res.Diff != "5.00000000" {
		t.Errorf("expected diff 5, got %s", res.Diff)
	}
}

func TestTimer_RunsOnTick(t *testing.T) {
	_, store := fundedPool(t)
	tk := ticker.NewForce(time.Hour)
	timer := NewTimer(NewRunner(store, nil, nil), 0, nil).WithTicker(tk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	tk.Force <- time.Now()
	deadline := time.Now().Add(2 * time.Second)
	for timer.Last() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if timer.Last() == nil || !timer.Last().Healthy {
		t.Fatalf("expected a healthy run, got %+v", timer.Last())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	if timer.Running() {
		t.Error("timer still reports running")
	}
}
