package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/taintguard/internal/chain"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})
	r.Register("fast", func(_ context.Context) Status {
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out checker should make the registry unhealthy")
	}
	if time.Since(start) > time.Second {
		t.Fatal("CheckAll did not respect the per-check timeout")
	}
	// Names default to the registered name and order is preserved.
	if statuses[0].Name != "slow" || statuses[1].Name != "fast" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

func TestLedgerChecker(t *testing.T) {
	st := Ledger(chain.NewMemoryLedger())(context.Background())
	if !st.Healthy || st.Name != "ledger" {
		t.Fatalf("expected healthy ledger, got %+v", st)
	}
}

func TestPoolBalanceChecker(t *testing.T) {
	low := PoolBalance(func(context.Context) (int64, error) { return 5, nil }, 100)(context.Background())
	if !low.Healthy {
		t.Fatal("low balance must not make the pool unhealthy")
	}
	if !strings.HasSuffix(low.Detail, "(low)") {
		t.Fatalf("expected low marker, got %q", low.Detail)
	}

	failed := PoolBalance(func(context.Context) (int64, error) { return 0, errors.New("db down") }, 100)(context.Background())
	if failed.Healthy || failed.Detail != "db down" {
		t.Fatalf("expected failure, got %+v", failed)
	}
}

func TestLoopChecker(t *testing.T) {
	running := false
	check := Loop("watcher", func() bool { return running })
	if check(context.Background()).Healthy {
		t.Fatal("stopped loop should be unhealthy")
	}
	running = true
	if !check(context.Background()).Healthy {
		t.Fatal("running loop should be healthy")
	}
}
