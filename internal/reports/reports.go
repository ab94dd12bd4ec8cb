// Package reports manages victim-submitted theft reports.
//
// A report carries two independent state machines:
//
//	facts:     PENDING → FACTS_APPROVED | FACTS_REJECTED | WITHDRAWN
//	execution: NONE → VALIDATING → EXECUTED | INFEASIBLE
//
// Admins drive the facts dimension. The execution dimension is driven only
// by the reversal governor, and only after facts were approved.
package reports

import (
	"context"
	"time"

	"github.com/mbd888/taintguard/internal/faults"
)

// FactsStatus is the admin review state of a report.
type FactsStatus string

const (
	FactsPending   FactsStatus = "PENDING"
	FactsApproved  FactsStatus = "FACTS_APPROVED"
	FactsRejected  FactsStatus = "FACTS_REJECTED"
	FactsWithdrawn FactsStatus = "WITHDRAWN"
)

// ExecutionStatus is the reversal state of a report.
type ExecutionStatus string

const (
	ExecutionNone       ExecutionStatus = "NONE"
	ExecutionValidating ExecutionStatus = "VALIDATING"
	ExecutionExecuted   ExecutionStatus = "EXECUTED"
	ExecutionInfeasible ExecutionStatus = "INFEASIBLE"
)

var (
	ErrReportNotFound = faults.NotFound("report_not_found", "fraud report not found")
	ErrStaleReport    = faults.Conflict("stale_report", "fraud report was modified concurrently")
	ErrDuplicateID    = faults.Conflict("duplicate_report", "fraud report id already exists")
)

// FraudReport is a victim's claim that a transaction moved stolen funds.
type FraudReport struct {
	ID              string      `json:"reportId"`
	TxHash          string      `json:"txHash"`
	ReporterAddress string      `json:"reporterAddress"`
	Amount          int64       `json:"amount"`
	Email           string      `json:"email,omitempty"`
	Description     string      `json:"description,omitempty"`
	Evidence        string      `json:"evidence,omitempty"`
	FactsStatus     FactsStatus `json:"factsStatus"`
	ReviewedBy      string      `json:"reviewedBy,omitempty"`
	ReviewNotes     string      `json:"reviewNotes,omitempty"`
	AssignedTo      string      `json:"assignedTo,omitempty"`

	ExecutionStatus ExecutionStatus `json:"executionStatus"`
	ExecutionNotes  string          `json:"executionNotes,omitempty"`
	RecoveredAmount int64           `json:"recoveredAmount"`
	ProofHash       string          `json:"proofHash,omitempty"`
	CompensationTx  string          `json:"compensationTx,omitempty"`
	WithdrawnBy     string          `json:"withdrawnBy,omitempty"`

	Version             int        `json:"version"`
	SubmittedAt         time.Time  `json:"submittedAt"`
	ReviewedAt          *time.Time `json:"reviewedAt,omitempty"`
	ValidationStartedAt *time.Time `json:"validationStartedAt,omitempty"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	WithdrawnAt         *time.Time `json:"withdrawnAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (r *FraudReport) Clone() *FraudReport {
	cp := *r
	cp.ReviewedAt = cloneTime(r.ReviewedAt)
	cp.ValidationStartedAt = cloneTime(r.ValidationStartedAt)
	cp.ResolvedAt = cloneTime(r.ResolvedAt)
	cp.WithdrawnAt = cloneTime(r.WithdrawnAt)
	return &cp
}

// Redact returns a copy without reporter contact details or free text,
// for broadcast to unauthenticated subscribers.
func (r *FraudReport) Redact() any {
	cp := r.Clone()
	cp.Email = ""
	cp.Description = ""
	cp.Evidence = ""
	cp.ReviewNotes = ""
	return cp
}

// SubjectAddress is the address the report concerns.
func (r *FraudReport) SubjectAddress() string { return r.ReporterAddress }

// FactsDecided reports whether the facts dimension is terminal.
func (r *FraudReport) FactsDecided() bool {
	return r.FactsStatus != FactsPending
}

// ExecutionDone reports whether the execution dimension is terminal.
func (r *FraudReport) ExecutionDone() bool {
	return r.ExecutionStatus == ExecutionExecuted || r.ExecutionStatus == ExecutionInfeasible
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Status is the public view of a report's progress.
type Status struct {
	ReportID        string          `json:"reportId"`
	FactsStatus     FactsStatus     `json:"factsStatus"`
	ExecutionStatus ExecutionStatus `json:"executionStatus"`
	ExecutionNotes  string          `json:"executionNotes"`
	RecoveredAmount int64           `json:"recoveredAmount"`
}

// StatusOf projects r onto its public status.
func StatusOf(r *FraudReport) Status {
	return Status{
		ReportID:        r.ID,
		FactsStatus:     r.FactsStatus,
		ExecutionStatus: r.ExecutionStatus,
		ExecutionNotes:  r.ExecutionNotes,
		RecoveredAmount: r.RecoveredAmount,
	}
}

// Counts aggregates reports by status.
type Counts struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Approved        int   `json:"approved"`
	Rejected        int   `json:"rejected"`
	Withdrawn       int   `json:"withdrawn"`
	Executed        int   `json:"executed"`
	Infeasible      int   `json:"infeasible"`
	AmountReported  int64 `json:"amountReported"`
	AmountRecovered int64 `json:"amountRecovered"`
}

// Store persists reports. Update is a compare-and-swap on Version: it
// fails with ErrStaleReport unless the stored version equals r.Version,
// and increments r.Version on success.
type Store interface {
	Create(ctx context.Context, r *FraudReport) error
	Get(ctx context.Context, id string) (*FraudReport, error)
	Update(ctx context.Context, r *FraudReport) error
	ListByFacts(ctx context.Context, status FactsStatus, limit int) ([]*FraudReport, error)
	ListByTx(ctx context.Context, txHash string) ([]*FraudReport, error)
	Counts(ctx context.Context) (*Counts, error)
}
