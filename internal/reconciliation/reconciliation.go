// Package reconciliation cross-checks the system pool against its own
// history and against the recovered amounts recorded on fraud reports.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/pool"
	"github.com/mbd888/taintguard/internal/reports"
)

// PoolLedger exposes the pool's balance and history totals. pool.Store
// implements it.
type PoolLedger interface {
	Balance(ctx context.Context) (int64, error)
	Totals(ctx context.Context) (*pool.Totals, error)
}

// ReportCounter aggregates report outcomes. reports.Store implements it.
type ReportCounter interface {
	Counts(ctx context.Context) (*reports.Counts, error)
}

// PoolResult compares the stored balance with funding minus spending.
type PoolResult struct {
	Match    bool   `json:"match"`
	Balance  string `json:"balance"`
	Expected string `json:"expected"`
	Diff     string `json:"diff"`
}

// RecoveryResult compares net reversal spending from the pool with the
// amounts recorded as recovered on executed reports. A reversal that is
// between its debit and its commit shows up as a transient mismatch.
type RecoveryResult struct {
	Match          bool   `json:"match"`
	PoolReversals  string `json:"poolReversals"`
	ReportedTotals string `json:"reportedRecovered"`
	Diff           string `json:"diff"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Pool     *PoolResult     `json:"pool"`
	Recovery *RecoveryResult `json:"recovery,omitempty"`
	Healthy  bool            `json:"healthy"`
	Duration time.Duration   `json:"duration"`
	RunAt    time.Time       `json:"runAt"`
}

// Runner performs reconciliation checks.
type Runner struct {
	pool    PoolLedger
	reports ReportCounter
	logger  *slog.Logger
}

// NewRunner creates a runner. reports may be nil to skip the recovery
// check.
func NewRunner(pl PoolLedger, rc ReportCounter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{pool: pl, reports: rc, logger: logger}
}

// CheckPool verifies balance == funded - spent.
func (r *Runner) CheckPool(ctx context.Context) (*PoolResult, error) {
	bal, err := r.pool.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool balance: %w", err)
	}
	totals, err := r.pool.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to total pool history: %w", err)
	}
	expected := totals.Funded - totals.Spent
	return &PoolResult{
		Match:    bal == expected,
		Balance:  gxc.Format(bal),
		Expected: gxc.Format(expected),
		Diff:     gxc.Format(bal - expected),
	}, nil
}

// CheckRecovery verifies that the pool paid out exactly what executed
// reports claim was recovered.
func (r *Runner) CheckRecovery(ctx context.Context) (*RecoveryResult, error) {
	totals, err := r.pool.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to total pool history: %w", err)
	}
	counts, err := r.reports.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count reports: %w", err)
	}
	paid := totals.BySource[pool.SourceReversal].Amount - totals.BySource[pool.SourceRefund].Amount
	return &RecoveryResult{
		Match:          paid == counts.AmountRecovered,
		PoolReversals:  gxc.Format(paid),
		ReportedTotals: gxc.Format(counts.AmountRecovered),
		Diff:           gxc.Format(paid - counts.AmountRecovered),
	}, nil
}

// RunAll runs every check and updates the reconciliation metrics.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep := &Report{RunAt: start, Healthy: true}

	pr, err := r.CheckPool(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	rep.Pool = pr
	reconcilePoolMismatch.Set(boolGauge(!pr.Match))
	if !pr.Match {
		rep.Healthy = false
		r.logger.Error("pool balance mismatch", "balance", pr.Balance, "expected", pr.Expected, "diff", pr.Diff)
	}

	if r.reports != nil {
		rr, err := r.CheckRecovery(ctx)
		if err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
		rep.Recovery = rr
		reconcileRecoveryMismatch.Set(boolGauge(!rr.Match))
		if !rr.Match {
			rep.Healthy = false
			r.logger.Warn("recovered amounts disagree with pool reversals",
				"pool", rr.PoolReversals, "reports", rr.ReportedTotals, "diff", rr.Diff)
		}
	}

	rep.Duration = time.Since(start)
	reconcileDuration.Observe(rep.Duration.Seconds())
	return rep, nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
