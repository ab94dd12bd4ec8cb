package reversal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/semaphore"

	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/cleanzone"
	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/logging"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/traces"
)

// Governor turns approved facts into feasibility verdicts and hands
// feasible ones to the executor.
type Governor struct {
	cfg      Config
	registry *reports.Registry
	ledger   chain.Ledger
	tracer   Tracer
	zones    cleanzone.Registry
	claims   ClaimStore
	funds    Funds
	executor *Executor
	clock    clock.Clock
	logger   *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewGovernor creates a governor. Call Subscribe to start reacting to
// approvals and Close to stop.
func NewGovernor(cfg Config, registry *reports.Registry, ledger chain.Ledger, tracer Tracer,
	zones cleanzone.Registry, claims ClaimStore, funds Funds, executor *Executor, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	if zones == nil {
		zones = cleanzone.NewStaticRegistry()
	}
	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	return &Governor{
		cfg:      cfg,
		registry: registry,
		ledger:   ledger,
		tracer:   tracer,
		zones:    zones,
		claims:   claims,
		funds:    funds,
		executor: executor,
		clock:    clock.NewDefaultClock(),
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		inflight: make(map[string]context.CancelFunc),
		ctx:      ctx,
		stop:     stop,
	}
}

func (g *Governor) WithClock(c clock.Clock) *Governor {
	g.clock = c
	return g
}

// Subscribe registers the governor for approval and withdrawal events.
func (g *Governor) Subscribe() {
	g.registry.OnFactsApproved(g.onApproved)
	g.registry.OnWithdraw(func(id string) { g.Cancel(id) })
}

func (g *Governor) onApproved(ev reports.Approval) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Warn("governor closed, approval not processed", "report", ev.ReportID)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		ctx := logging.WithReportID(g.ctx, ev.ReportID)
		if _, err := g.Process(ctx, ev.ReportID); err != nil {
			logging.L(ctx).Warn("reversal processing ended with error", "error", err)
		}
	}()
}

// Close stops accepting approvals, cancels in-flight checks and waits for
// them to finish.
func (g *Governor) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.stop()
	g.wg.Wait()
}

// Cancel aborts the in-flight feasibility check of reportID. It reports
// whether one was running.
func (g *Governor) Cancel(reportID string) bool {
	g.mu.Lock()
	cancel, ok := g.inflight[reportID]
	g.mu.Unlock()
	if ok {
		cancel()
		g.logger.Info("feasibility check cancelled", "report", reportID)
	}
	return ok
}

// Inflight returns the number of checks in progress.
func (g *Governor) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// Process drives one approved report through marking, validation and
// execution. It returns the report in its final state.
func (g *Governor) Process(ctx context.Context, reportID string) (*reports.FraudReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	if _, busy := g.inflight[reportID]; busy {
		g.mu.Unlock()
		return nil, faults.Conflict("validation_in_progress", "report %s is already being validated", reportID)
	}
	g.inflight[reportID] = cancel
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.inflight, reportID)
		g.mu.Unlock()
	}()

	r, err := g.registry.BeginValidation(ctx, reportID)
	if err != nil {
		return nil, err
	}
	log := logging.L(logging.WithTxHash(logging.WithReportID(ctx, reportID), r.TxHash))

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return g.abandon(ctx, reportID, err)
	}
	defer g.sem.Release(1)

	if _, err := g.tracer.MarkStolen(ctx, r.TxHash, r.ReviewedBy); err != nil {
		if ctx.Err() != nil {
			return g.abandon(ctx, reportID, err)
		}
		log.Warn("failed to mark reported transaction stolen", "error", err)
	}

	v, err := g.ValidateFeasibility(ctx, reportID)
	if err != nil {
		if ctx.Err() != nil {
			return g.abandon(ctx, reportID, err)
		}
		return g.registry.ResolveInfeasible(context.WithoutCancel(ctx), reportID,
			"feasibility check failed: "+faults.Message(err), "")
	}
	if !v.Feasible {
		return g.registry.ResolveInfeasible(context.WithoutCancel(ctx), reportID,
			strings.Join(v.Reasons, "; "), v.ProofHash)
	}
	return g.executor.Execute(ctx, v.Token())
}

// abandon handles a check that stopped because its context ended. A
// withdrawn report was already resolved by the withdrawal; otherwise the
// report is closed so it does not stay VALIDATING.
func (g *Governor) abandon(ctx context.Context, reportID string, cause error) (*reports.FraudReport, error) {
	r, err := g.registry.Get(context.WithoutCancel(ctx), reportID)
	if err != nil {
		return nil, err
	}
	if r.ExecutionStatus != reports.ExecutionValidating {
		return r, nil
	}
	return g.registry.ResolveInfeasible(context.WithoutCancel(ctx), reportID,
		"feasibility check aborted: "+cause.Error(), "")
}

// ValidateFeasibility decides whether reportID can be reversed. It has no
// side effects on reports, claims or the pool.
func (g *Governor) ValidateFeasibility(ctx context.Context, reportID string) (v *Verdict, err error) {
	ctx, span := traces.StartSpan(ctx, "reversal.validate", traces.ReportID(reportID))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() {
		validationDuration.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			validations.WithLabelValues("error").Inc()
		case v.Feasible:
			validations.WithLabelValues("feasible").Inc()
		default:
			validations.WithLabelValues("infeasible").Inc()
		}
	}()

	r, err := g.registry.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.FactsStatus != reports.FactsApproved {
		return nil, faults.Conflict("facts_not_approved", "report %s facts are %s", r.ID, r.FactsStatus)
	}

	now := g.clock.Now()
	v = &Verdict{ReportID: r.ID, TxHash: r.TxHash, Feasible: true, Claimed: r.Amount, CheckedAt: now}
	defer func() {
		if v != nil {
			v.ProofHash = proofHash(v)
		}
	}()

	tx, err := g.ledger.GetTransaction(ctx, r.TxHash)
	if chain.IsNotFound(err) {
		v.reject("transaction not found on ledger")
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reported transaction: %w", err)
	}
	if age := now.Sub(tx.Timestamp); age > g.cfg.Window {
		v.reject(fmt.Sprintf("transaction is %s old, outside the %s reversal window",
			age.Truncate(time.Hour), g.cfg.Window))
		return v, nil
	}

	rec, err := g.tracer.TaintOf(ctx, r.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to score reported transaction: %w", err)
	}
	v.Score = rec.Score
	if rec.Score < g.cfg.MinTaint {
		v.reject(fmt.Sprintf("taint %s below minimum %s", rec.Score, g.cfg.MinTaint))
		return v, nil
	}

	horizon := g.cfg.Horizon
	horizon.Terminal = g.zones.IsCleanZone
	tr, err := g.tracer.TraceForward(ctx, r.TxHash, horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to trace stolen funds: %w", err)
	}
	v.Truncated = tr.Truncated
	// Funds that reached a clean zone are out of reach, spent or not.
	for _, o := range tr.Terminal {
		v.CleanZoneHits = append(v.CleanZoneHits, o.Outpoint.String())
	}

	outs := make([]chain.Outpoint, 0, len(tr.Unspent))
	for _, u := range tr.Unspent {
		outs = append(outs, u.Outpoint)
	}
	owners, err := g.claims.Owners(ctx, outs)
	if err != nil {
		return nil, fmt.Errorf("failed to read output claims: %w", err)
	}

	var candidates []Claim
	for _, u := range tr.Unspent {
		if g.zones.IsCleanZone(u.Address) {
			v.CleanZoneHits = append(v.CleanZoneHits, u.Outpoint.String())
			continue
		}
		if owner, ok := owners[u.Outpoint]; ok && owner != r.ID {
			v.ForeignClaims = append(v.ForeignClaims, u.Outpoint.String())
			continue
		}
		if amt := u.Recoverable(); amt > 0 {
			candidates = append(candidates, Claim{Outpoint: u.Outpoint, Address: u.Address, Amount: amt})
		}
	}
	sort.Strings(v.CleanZoneHits)
	sort.Strings(v.ForeignClaims)

	// Largest recoverable outputs first, until the claim is covered.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Amount != candidates[j].Amount {
			return candidates[i].Amount > candidates[j].Amount
		}
		return candidates[i].Outpoint.String() < candidates[j].Outpoint.String()
	})
	var selected []Claim
	for _, c := range candidates {
		if v.Recoverable >= r.Amount {
			break
		}
		selected = append(selected, c)
		v.Recoverable += c.Amount
	}
	sortClaims(selected)
	v.Claims = selected

	if v.Recoverable < r.Amount {
		reason := fmt.Sprintf("recoverable %s GXC is below claimed %s GXC", gxc.Format(v.Recoverable), gxc.Format(r.Amount))
		if n := len(v.CleanZoneHits); n > 0 {
			reason += fmt.Sprintf(", %d tainted outputs sit in clean zones", n)
		}
		if n := len(v.ForeignClaims); n > 0 {
			reason += fmt.Sprintf(", %d outputs are claimed by other reports", n)
		}
		if v.Truncated {
			reason += ", trace horizon reached"
		}
		v.reject(reason)
		return v, nil
	}

	if v.PoolBalance, err = g.funds.Balance(ctx); err != nil {
		return nil, fmt.Errorf("failed to read pool balance: %w", err)
	}
	if v.PoolBalance < r.Amount {
		v.reject(fmt.Sprintf("system pool balance %s GXC cannot cover %s GXC",
			gxc.Format(v.PoolBalance), gxc.Format(r.Amount)))
		return v, nil
	}

	v.ProofHash = proofHash(v)
	v.token = issueToken(r.ID, r.TxHash, r.Amount, v.Claims, v.ProofHash, now)
	return v, nil
}

// proofHash commits to the inputs of a verdict so the decision can be
// re-derived and audited later.
func proofHash(v *Verdict) string {
	var b strings.Builder
	b.WriteString(v.ReportID)
	b.WriteByte('|')
	b.WriteString(v.TxHash)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(v.Claimed, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(int64(v.Score), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(v.Feasible))
	for _, c := range v.Claims {
		b.WriteByte('|')
		b.WriteString(c.Outpoint.String())
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(c.Amount, 10))
	}
	return chainhash.HashH([]byte(b.String())).String()
}

func sortClaims(cs []Claim) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Outpoint.TxHash != cs[j].Outpoint.TxHash {
			return cs[i].Outpoint.TxHash < cs[j].Outpoint.TxHash
		}
		return cs[i].Outpoint.Index < cs[j].Outpoint.Index
	})
}
