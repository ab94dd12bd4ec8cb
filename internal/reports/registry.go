package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/idgen"
	"github.com/mbd888/taintguard/internal/logging"
	"github.com/mbd888/taintguard/internal/syncutil"
	"github.com/mbd888/taintguard/internal/validation"
)

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taintguard",
	Subsystem: "reports",
	Name:      "transitions_total",
	Help:      "Fraud report state transitions by dimension and target state.",
}, []string{"dimension", "to"})

func init() {
	prometheus.MustRegister(transitions)
}

// SubmitRequest holds a victim's report.
type SubmitRequest struct {
	TxHash          string `json:"txHash"`
	ReporterAddress string `json:"reporterAddress"`
	Amount          int64  `json:"amount"`
	Email           string `json:"email"`
	Description     string `json:"description"`
	Evidence        string `json:"evidence"`
}

// Approval is emitted once per report when an admin approves its
// facts. It carries no authority to move funds.
type Approval struct {
	ReportID        string    `json:"reportId"`
	TxHash          string    `json:"txHash"`
	ReporterAddress string    `json:"reporterAddress"`
	Amount          int64     `json:"amount"`
	ApprovedBy      string    `json:"approvedBy"`
	ApprovedAt      time.Time `json:"approvedAt"`
}

// Outcome is the result of a successful reversal.
type Outcome struct {
	RecoveredAmount int64
	CompensationTx  string
	ProofHash       string
	Notes           string
}

// Publisher receives lifecycle events. *alerts.Bus implements it.
type Publisher interface {
	Publish(typ alerts.EventType, data interface{})
}

// OriginCounter counts transactions marked stolen.
type OriginCounter interface {
	CountOrigins(ctx context.Context) (int, error)
}

// Statistics summarizes fraud activity.
type Statistics struct {
	TotalStolenTransactions int                     `json:"totalStolenTransactions"`
	TotalAlerts             int                     `json:"totalAlerts"`
	TotalReports            int                     `json:"totalReports"`
	PendingReports          int                     `json:"pendingReports"`
	ApprovedReports         int                     `json:"approvedReports"`
	RejectedReports         int                     `json:"rejectedReports"`
	WithdrawnReports        int                     `json:"withdrawnReports"`
	ExecutedReversals       int                     `json:"executedReversals"`
	InfeasibleReversals     int                     `json:"infeasibleReversals"`
	TotalAmountReported     int64                   `json:"totalAmountReported"`
	TotalAmountRecovered    int64                   `json:"totalAmountRecovered"`
	AlertsBySeverity        map[alerts.Severity]int `json:"alertsBySeverity"`
	FlaggedAddresses        int                     `json:"flaggedAddresses"`
}

// Registry owns the report lifecycle. Every mutation of a report runs under
// that report's lock and is persisted with a version check.
type Registry struct {
	store     Store
	ledger    chain.Ledger
	locks     *syncutil.ContextShardedMutex
	clock     clock.Clock
	logger    *slog.Logger
	publisher Publisher
	origins   OriginCounter
	alerts    alerts.Store

	mu         sync.RWMutex
	onApproved []func(Approval)
	onWithdraw []func(reportID string)
}

func NewRegistry(store Store, ledger chain.Ledger, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		ledger: ledger,
		locks:  syncutil.NewContextShardedMutex(),
		clock:  clock.NewDefaultClock(),
		logger: logger,
	}
}

func (g *Registry) WithClock(c clock.Clock) *Registry {
	g.clock = c
	return g
}

// WithPublisher forwards lifecycle events to p.
func (g *Registry) WithPublisher(p Publisher) *Registry {
	g.publisher = p
	return g
}

// WithStatistics adds origin and alert counts to Statistics.
func (g *Registry) WithStatistics(origins OriginCounter, alertStore alerts.Store) *Registry {
	g.origins = origins
	g.alerts = alertStore
	return g
}

// OnFactsApproved registers fn to receive approval events. fn runs on the
// approving caller's goroutine after the report lock is released.
func (g *Registry) OnFactsApproved(fn func(Approval)) {
	g.mu.Lock()
	g.onApproved = append(g.onApproved, fn)
	g.mu.Unlock()
}

// OnWithdraw registers fn to be told when an approved report is withdrawn.
func (g *Registry) OnWithdraw(fn func(reportID string)) {
	g.mu.Lock()
	g.onWithdraw = append(g.onWithdraw, fn)
	g.mu.Unlock()
}

// Submit validates and records a new report.
func (g *Registry) Submit(ctx context.Context, req SubmitRequest) (*FraudReport, error) {
	req.TxHash = validation.SanitizeTxHash(req.TxHash)
	req.ReporterAddress = strings.TrimSpace(req.ReporterAddress)
	req.Email = strings.TrimSpace(req.Email)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	req.Evidence = validation.SanitizeString(req.Evidence, validation.MaxStringLength)

	if errs := validation.Validate(
		validation.Required("txHash", req.TxHash),
		validation.ValidTxHash("txHash", req.TxHash),
		validation.Required("reporterAddress", req.ReporterAddress),
		validation.ValidAddress("reporterAddress", req.ReporterAddress),
		validation.PositiveUnits("amount", req.Amount),
		validation.ValidEmail("email", req.Email),
		validation.MaxLength("email", req.Email, 254),
	); len(errs) > 0 {
		return nil, faults.Validation("invalid_report", "%s", errs.Error())
	}

	if _, err := g.ledger.GetTransaction(ctx, req.TxHash); err != nil {
		if chain.IsNotFound(err) {
			return nil, faults.Validation("unknown_transaction", "transaction %s is not known to the ledger", req.TxHash)
		}
		return nil, fmt.Errorf("failed to look up reported transaction: %w", err)
	}

	now := g.clock.Now()
	r := &FraudReport{
		ID:              idgen.ReportID(),
		TxHash:          req.TxHash,
		ReporterAddress: req.ReporterAddress,
		Amount:          req.Amount,
		Email:           req.Email,
		Description:     req.Description,
		Evidence:        req.Evidence,
		FactsStatus:     FactsPending,
		ExecutionStatus: ExecutionNone,
		SubmittedAt:     now,
		UpdatedAt:       now,
	}
	if err := g.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to store fraud report: %w", err)
	}
	transitions.WithLabelValues("facts", string(FactsPending)).Inc()
	logging.L(logging.WithReportID(ctx, r.ID)).Info("fraud report submitted",
		"tx", r.TxHash, "amount", r.Amount)
	g.publish(alerts.EventReportSubmitted, r)
	return r, nil
}

// ApproveFacts records an admin's assertion that the report is legitimate.
// It never touches funds; subscribers receive an Approval.
func (g *Registry) ApproveFacts(ctx context.Context, id, adminID, notes string) (*FraudReport, error) {
	if adminID == "" {
		return nil, faults.Unauthorized("admin_required", "an admin identity is required")
	}
	r, err := g.mutate(ctx, id, func(r *FraudReport, now time.Time) error {
		if r.FactsDecided() {
			return faults.Conflict("report_already_decided", "report %s is already %s", r.ID, r.FactsStatus)
		}
		r.FactsStatus = FactsApproved
		r.ReviewedBy = adminID
		r.ReviewNotes = validation.SanitizeString(notes, validation.MaxStringLength)
		r.ReviewedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	transitions.WithLabelValues("facts", string(FactsApproved)).Inc()
	logging.L(logging.WithReportID(ctx, r.ID)).Info("fraud report facts approved", "admin", adminID)
	ev := Approval{
		ReportID:        r.ID,
		TxHash:          r.TxHash,
		ReporterAddress: r.ReporterAddress,
		Amount:          r.Amount,
		ApprovedBy:      adminID,
		ApprovedAt:      *r.ReviewedAt,
	}
	g.publish(alerts.EventReportFactsApproved, ev)

	g.mu.RLock()
	subs := append([]func(Approval){}, g.onApproved...)
	g.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return r, nil
}

// RejectFacts closes the report without any reversal.
func (g *Registry) RejectFacts(ctx context.Context, id, adminID, reason string) (*FraudReport, error) {
	if adminID == "" {
		return nil, faults.Unauthorized("admin_required", "an admin identity is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, faults.Validation("reason_required", "a rejection reason is required")
	}
	r, err := g.mutate(ctx, id, func(r *FraudReport, now time.Time) error {
		if r.FactsDecided() {
			return faults.Conflict("report_already_decided", "report %s is already %s", r.ID, r.FactsStatus)
		}
		r.FactsStatus = FactsRejected
		r.ReviewedBy = adminID
		r.ReviewNotes = validation.SanitizeString(reason, validation.MaxStringLength)
		r.ReviewedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	transitions.WithLabelValues("facts", string(FactsRejected)).Inc()
	logging.L(logging.WithReportID(ctx, r.ID)).Info("fraud report facts rejected", "admin", adminID)
	g.publish(alerts.EventReportFactsRejected, r)
	return r, nil
}

// Withdraw retracts a report. A pending report becomes WITHDRAWN. An
// approved report whose reversal has not finished is resolved INFEASIBLE
// and any in-flight feasibility check is cancelled.
func (g *Registry) Withdraw(ctx context.Context, id, adminID, reason string) (*FraudReport, error) {
	if adminID == "" {
		return nil, faults.Unauthorized("admin_required", "an admin identity is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, faults.Validation("reason_required", "a withdrawal reason is required")
	}
	reason = validation.SanitizeString(reason, validation.MaxStringLength)

	var cancelled bool
	r, err := g.mutate(ctx, id, func(r *FraudReport, now time.Time) error {
		switch {
		case r.FactsStatus == FactsPending:
			r.FactsStatus = FactsWithdrawn
			r.ReviewNotes = reason
		case r.FactsStatus == FactsApproved && !r.ExecutionDone():
			r.ExecutionStatus = ExecutionInfeasible
			r.ExecutionNotes = "withdrawn: " + reason
			r.ResolvedAt = &now
			cancelled = true
		default:
			return faults.Conflict("report_not_withdrawable", "report %s cannot be withdrawn in state %s/%s",
				r.ID, r.FactsStatus, r.ExecutionStatus)
		}
		r.WithdrawnBy = adminID
		r.WithdrawnAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		transitions.WithLabelValues("execution", string(ExecutionInfeasible)).Inc()
		g.mu.RLock()
		subs := append([]func(string){}, g.onWithdraw...)
		g.mu.RUnlock()
		for _, fn := range subs {
			fn(r.ID)
		}
	} else {
		transitions.WithLabelValues("facts", string(FactsWithdrawn)).Inc()
	}
	logging.L(logging.WithReportID(ctx, r.ID)).Info("fraud report withdrawn", "admin", adminID, "cancelled_validation", cancelled)
	g.publish(alerts.EventReportWithdrawn, r)
	return r, nil
}

// Assign hands a pending report to a reviewer.
func (g *Registry) Assign(ctx context.Context, id, adminID, reviewer string) (*FraudReport, error) {
	if adminID == "" {
		return nil, faults.Unauthorized("admin_required", "an admin identity is required")
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, faults.Validation("reviewer_required", "a reviewer is required")
	}
	return g.mutate(ctx, id, func(r *FraudReport, _ time.Time) error {
		if r.FactsDecided() {
			return faults.Conflict("report_already_decided", "report %s is already %s", r.ID, r.FactsStatus)
		}
		r.AssignedTo = reviewer
		return nil
	})
}

func (g *Registry) Get(ctx context.Context, id string) (*FraudReport, error) {
	return g.store.Get(ctx, id)
}

// ListPending returns reports awaiting review, oldest first.
func (g *Registry) ListPending(ctx context.Context, limit int) ([]*FraudReport, error) {
	return g.store.ListByFacts(ctx, FactsPending, limit)
}

func (g *Registry) ListByTx(ctx context.Context, txHash string) ([]*FraudReport, error) {
	return g.store.ListByTx(ctx, validation.SanitizeTxHash(txHash))
}

// Statistics aggregates report, alert and origin counts.
func (g *Registry) Statistics(ctx context.Context) (*Statistics, error) {
	c, err := g.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	s := &Statistics{
		TotalReports:         c.Total,
		PendingReports:       c.Pending,
		ApprovedReports:      c.Approved,
		RejectedReports:      c.Rejected,
		WithdrawnReports:     c.Withdrawn,
		ExecutedReversals:    c.Executed,
		InfeasibleReversals:  c.Infeasible,
		TotalAmountReported:  c.AmountReported,
		TotalAmountRecovered: c.AmountRecovered,
		AlertsBySeverity:     map[alerts.Severity]int{},
	}
	if g.origins != nil {
		if s.TotalStolenTransactions, err = g.origins.CountOrigins(ctx); err != nil {
			return nil, fmt.Errorf("failed to count stolen transactions: %w", err)
		}
	}
	if g.alerts != nil {
		if s.TotalAlerts, err = g.alerts.Count(ctx); err != nil {
			return nil, fmt.Errorf("failed to count alerts: %w", err)
		}
		if s.AlertsBySeverity, err = g.alerts.CountBySeverity(ctx); err != nil {
			return nil, fmt.Errorf("failed to count alerts by severity: %w", err)
		}
		if s.FlaggedAddresses, err = g.alerts.CountFlagged(ctx); err != nil {
			return nil, fmt.Errorf("failed to count flagged addresses: %w", err)
		}
	}
	return s, nil
}

// BeginValidation moves an approved report's execution from NONE to
// VALIDATING.
func (g *Registry) BeginValidation(ctx context.Context, id string) (*FraudReport, error) {
	r, err := g.mutate(ctx, id, func(r *FraudReport, now time.Time) error {
		if r.FactsStatus != FactsApproved {
			return faults.Conflict("facts_not_approved", "report %s facts are %s", r.ID, r.FactsStatus)
		}
		if r.ExecutionStatus != ExecutionNone {
			return faults.Conflict("execution_already_started", "report %s execution is %s", r.ID, r.ExecutionStatus)
		}
		r.ExecutionStatus = ExecutionValidating
		r.ValidationStartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	transitions.WithLabelValues("execution", string(ExecutionValidating)).Inc()
	return r, nil
}

// ResolveInfeasible closes a validating report without moving funds.
func (g *Registry) ResolveInfeasible(ctx context.Context, id, notes, proofHash string) (*FraudReport, error) {
	r, err := g.mutate(ctx, id, func(r *FraudReport, now time.Time) error {
		if err := executable(r); err != nil {
			return err
		}
		r.ExecutionStatus = ExecutionInfeasible
		r.ExecutionNotes = notes
		r.ProofHash = proofHash
		r.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	transitions.WithLabelValues("execution", string(ExecutionInfeasible)).Inc()
	logging.L(logging.WithReportID(ctx, r.ID)).Info("reversal infeasible", "notes", notes)
	g.publish(alerts.EventReversalInfeasible, r)
	return r, nil
}

// CommitExecution runs exec under the report lock after re-checking that
// facts are approved and validation is still in progress. A nil error from
// exec records EXECUTED; any error records INFEASIBLE with the error as the
// note and is returned alongside the updated report.
func (g *Registry) CommitExecution(ctx context.Context, id string, exec func(ctx context.Context, r *FraudReport) (Outcome, error)) (*FraudReport, error) {
	unlock, err := g.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := executable(r); err != nil {
		return nil, err
	}

	out, execErr := exec(ctx, r.Clone())
	now := g.clock.Now()
	r.ResolvedAt = &now
	r.UpdatedAt = now
	if execErr != nil {
		r.ExecutionStatus = ExecutionInfeasible
		r.ExecutionNotes = faults.Message(execErr)
	} else {
		r.ExecutionStatus = ExecutionExecuted
		r.RecoveredAmount = out.RecoveredAmount
		r.CompensationTx = out.CompensationTx
		r.ExecutionNotes = out.Notes
	}
	if out.ProofHash != "" {
		r.ProofHash = out.ProofHash
	}

	// The outcome must be recorded even if the caller has gone away.
	if err := g.store.Update(context.WithoutCancel(ctx), r); err != nil {
		g.logger.Error("CRITICAL: reversal outcome not persisted",
			"report", r.ID, "status", r.ExecutionStatus, "compensation_tx", r.CompensationTx, "error", err)
		return nil, fmt.Errorf("failed to record reversal outcome (requires manual resolution): %w", err)
	}

	transitions.WithLabelValues("execution", string(r.ExecutionStatus)).Inc()
	log := logging.L(logging.WithReportID(ctx, r.ID))
	if execErr != nil {
		log.Warn("reversal failed", "error", execErr)
		g.publish(alerts.EventReversalInfeasible, r)
		return r, execErr
	}
	log.Info("reversal executed", "recovered", r.RecoveredAmount, "compensation_tx", r.CompensationTx)
	g.publish(alerts.EventReversalExecuted, r)
	return r, nil
}

func executable(r *FraudReport) error {
	if r.FactsStatus != FactsApproved {
		return faults.Conflict("facts_not_approved", "report %s facts are %s", r.ID, r.FactsStatus)
	}
	if r.ExecutionStatus != ExecutionValidating {
		return faults.Conflict("execution_not_validating", "report %s execution is %s", r.ID, r.ExecutionStatus)
	}
	return nil
}

// mutate loads the report under its lock, applies fn and persists the
// result.
func (g *Registry) mutate(ctx context.Context, id string, fn func(r *FraudReport, now time.Time) error) (*FraudReport, error) {
	unlock, err := g.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := g.clock.Now()
	if err := fn(r, now); err != nil {
		return nil, err
	}
	r.UpdatedAt = now
	if err := g.store.Update(ctx, r); err != nil {
		if errors.Is(err, ErrStaleReport) {
			g.logger.Warn("stale fraud report write rejected", "report", id)
		}
		return nil, err
	}
	return r, nil
}

func (g *Registry) publish(typ alerts.EventType, data interface{}) {
	if g.publisher != nil {
		g.publisher.Publish(typ, data)
	}
}
