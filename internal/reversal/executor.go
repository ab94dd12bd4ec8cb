package reversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/logging"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/traces"
)

// Executor carries out feasible reversals.
type Executor struct {
	registry *reports.Registry
	ledger   chain.Ledger
	claims   ClaimStore
	funds    Funds
	ttl      time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

func NewExecutor(registry *reports.Registry, ledger chain.Ledger, claims ClaimStore, funds Funds, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		ledger:   ledger,
		claims:   claims,
		funds:    funds,
		ttl:      DefaultTokenTTL,
		clock:    clock.NewDefaultClock(),
		logger:   logger,
	}
}

func (e *Executor) WithClock(c clock.Clock) *Executor {
	e.clock = c
	return e
}

// WithTokenTTL bounds how long a feasibility verdict stays executable.
func (e *Executor) WithTokenTTL(ttl time.Duration) *Executor {
	if ttl > 0 {
		e.ttl = ttl
	}
	return e
}

// Execute performs the reversal authorized by tok. A token that was not
// sealed by this process is refused without touching the report. Any
// failure after that resolves the report INFEASIBLE and leaves the pool
// and claims as they were.
func (e *Executor) Execute(ctx context.Context, tok *Token) (r *reports.FraudReport, err error) {
	if !tok.valid() {
		executions.WithLabelValues("invalid_token").Inc()
		return nil, ErrInvalidToken
	}
	ctx = logging.WithTxHash(logging.WithReportID(ctx, tok.reportID), tok.txHash)
	ctx, span := traces.StartSpan(ctx, "reversal.execute",
		traces.ReportID(tok.reportID), traces.TxHash(tok.txHash), traces.Amount(tok.amount))
	defer func() { traces.End(span, err) }()

	r, err = e.registry.CommitExecution(ctx, tok.reportID, func(ctx context.Context, r *reports.FraudReport) (reports.Outcome, error) {
		return e.reverse(ctx, tok, r)
	})

	switch {
	case err == nil:
		executions.WithLabelValues("executed").Inc()
		recoveredUnits.Add(float64(r.RecoveredAmount))
	case r != nil:
		executions.WithLabelValues("infeasible").Inc()
	default:
		executions.WithLabelValues("refused").Inc()
	}
	return r, err
}

func (e *Executor) reverse(ctx context.Context, tok *Token, r *reports.FraudReport) (reports.Outcome, error) {
	out := reports.Outcome{ProofHash: tok.proofHash}
	if r.TxHash != tok.txHash || r.Amount != tok.amount {
		return out, faults.Conflict("token_mismatch", "feasibility token does not match report %s", r.ID)
	}
	if tok.expired(e.clock.Now(), e.ttl) {
		return out, ErrTokenExpired
	}

	// Rollbacks must run even if the caller gives up.
	bg := context.WithoutCancel(ctx)
	log := logging.L(ctx)

	if err := e.claims.Claim(ctx, r.ID, tok.claims); err != nil {
		if errors.Is(err, ErrOutputClaimed) {
			return out, faults.Infeasible("outputs_claimed", "tainted outputs were claimed by another report after validation")
		}
		return out, fmt.Errorf("failed to claim outputs: %w", err)
	}

	note := fmt.Sprintf("reversal of %s for %s", r.TxHash, r.ReporterAddress)
	if _, err := e.funds.Debit(ctx, r.Amount, r.ID, note); err != nil {
		e.release(bg, r.ID)
		return out, err
	}

	hash, err := e.ledger.BroadcastCompensatingTransfer(ctx, r.ReporterAddress, r.Amount, r.ID)
	if err != nil {
		log.Error("compensating transfer failed, rolling back", "error", err)
		if _, rerr := e.funds.Refund(bg, r.ID, r.Amount, "refund: "+err.Error()); rerr != nil {
			log.Error("CRITICAL: pool refund failed after broadcast failure", "amount", r.Amount, "error", rerr)
		}
		e.release(bg, r.ID)
		return out, faults.Infeasible("broadcast_failed", "compensating transfer could not be broadcast")
	}

	if _, err := e.funds.CreditReversalFee(bg, r.ID, r.Amount); err != nil {
		log.Warn("failed to credit reversal fee", "error", err)
	}

	out.RecoveredAmount = r.Amount
	out.CompensationTx = hash
	out.Notes = fmt.Sprintf("recovered %s GXC from %d tainted outputs", gxc.Format(r.Amount), len(tok.claims))
	return out, nil
}

func (e *Executor) release(ctx context.Context, reportID string) {
	if err := e.claims.Release(ctx, reportID); err != nil {
		e.logger.Error("failed to release output claims", "report", reportID, "error", err)
	}
}
