// Package reversal decides whether an approved fraud report can be reversed
// and carries out the reversal.
//
// The Governor is the only issuer of feasibility tokens. The Executor moves
// funds only when handed a token whose seal it can verify, and it does so
// inside the report's commit step, so a report whose facts were never
// approved, or that was withdrawn, can never reach EXECUTED.
package reversal

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/pool"
	"github.com/mbd888/taintguard/internal/taint"
)

const (
	DefaultWindow        = 30 * 24 * time.Hour
	DefaultMinTaint      = taint.Score(1000)
	DefaultMaxConcurrent = 4
	DefaultTokenTTL      = 10 * time.Minute
)

var (
	ErrInvalidToken = faults.Unauthorized("invalid_token", "feasibility token is missing or was not issued by this governor")
	ErrTokenExpired = faults.Infeasible("token_expired", "feasibility token expired before execution")
)

var (
	validations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "reversal",
		Name:      "validations_total",
		Help:      "Feasibility checks by verdict (feasible, infeasible, error).",
	}, []string{"verdict"})

	validationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taintguard",
		Subsystem: "reversal",
		Name:      "validation_duration_seconds",
		Help:      "Duration of feasibility checks.",
		Buckets:   prometheus.DefBuckets,
	})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "reversal",
		Name:      "executions_total",
		Help:      "Reversal executions by outcome.",
	}, []string{"outcome"})

	recoveredUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "reversal",
		Name:      "recovered_units_total",
		Help:      "Units paid back to victims.",
	})
)

func init() {
	prometheus.MustRegister(validations, validationDuration, executions, recoveredUnits)
}

// Config bounds feasibility checks.
type Config struct {
	Window        time.Duration
	MinTaint      taint.Score
	Horizon       taint.Horizon
	MaxConcurrent int64
	TokenTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:        DefaultWindow,
		MinTaint:      DefaultMinTaint,
		Horizon:       taint.DefaultHorizon,
		MaxConcurrent: DefaultMaxConcurrent,
		TokenTTL:      DefaultTokenTTL,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinTaint <= 0 {
		c.MinTaint = d.MinTaint
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = d.TokenTTL
	}
	return c
}

// Tracer is the part of the propagation engine the governor needs.
type Tracer interface {
	TaintOf(ctx context.Context, txHash string) (*taint.Record, error)
	MarkStolen(ctx context.Context, txHash, by string) (*taint.Record, error)
	TraceForward(ctx context.Context, root string, h taint.Horizon) (*taint.Trace, error)
}

// Funds is the system pool as seen by reversals. *pool.Pool implements it.
type Funds interface {
	Balance(ctx context.Context) (int64, error)
	Debit(ctx context.Context, amount int64, reference, note string) (*pool.Entry, error)
	Refund(ctx context.Context, reference string, amount int64, note string) (*pool.Entry, error)
	CreditReversalFee(ctx context.Context, reference string, recovered int64) (*pool.Entry, error)
}

// Verdict is the outcome of a feasibility check.
type Verdict struct {
	ReportID      string      `json:"reportId"`
	TxHash        string      `json:"txHash"`
	Feasible      bool        `json:"feasible"`
	Reasons       []string    `json:"reasons,omitempty"`
	Score         taint.Score `json:"taintScore"`
	Claimed       int64       `json:"claimedAmount"`
	Recoverable   int64       `json:"recoverableAmount"`
	Claims        []Claim     `json:"claims,omitempty"`
	CleanZoneHits []string    `json:"cleanZoneHits,omitempty"`
	ForeignClaims []string    `json:"foreignClaims,omitempty"`
	Truncated     bool        `json:"truncated"`
	PoolBalance   int64       `json:"poolBalance"`
	ProofHash     string      `json:"proofHash"`
	CheckedAt     time.Time   `json:"checkedAt"`

	token *Token
}

// Token returns the sealed token of a feasible verdict, or nil.
func (v *Verdict) Token() *Token { return v.token }

func (v *Verdict) reject(reason string) {
	v.Feasible = false
	v.Reasons = append(v.Reasons, reason)
}
