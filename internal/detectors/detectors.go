// Package detectors implements the laundering heuristics run against every
// confirmed transaction: velocity anomalies, fan-out, re-aggregation,
// dormancy activation and clean-zone entry.
//
// Detectors are independent and stateless. Each reads the subject
// transaction, its taint record and read-only views of the ledger, the
// taint store and the clean-zone registry.
package detectors

import (
	"context"
	"time"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/cleanzone"
	"github.com/mbd888/taintguard/internal/taint"
)

// Detector names, used as the alert's Detector field.
const (
	NameVelocity       = "VELOCITY_ANOMALY"
	NameFanOut         = "FAN_OUT"
	NameReAggregation  = "RE_AGGREGATION"
	NameDormancy       = "DORMANCY_ACTIVATION"
	NameCleanZoneEntry = "CLEAN_ZONE_ENTRY"
)

// Subject is the transaction under inspection.
type Subject struct {
	Tx    *chain.Transaction
	Taint *taint.Record
}

// Detector inspects one subject.
type Detector interface {
	Name() string
	Detect(ctx context.Context, s Subject) ([]*alerts.Alert, error)
}

// TaintSource resolves taint records.
type TaintSource interface {
	TaintOf(ctx context.Context, txHash string) (*taint.Record, error)
}

// Config holds detector thresholds.
type Config struct {
	TaintThreshold  taint.Score   // minimum taint for most detectors
	FanOutK         int           // recipients above this count as fan-out
	ReAggTheta      taint.Score   // re-aggregated taint must exceed this
	ReAggMinSources int           // distinct fan-out inputs required
	VelocityHops    int           // consecutive fast hops required
	VelocityWindow  time.Duration // max interval between hops
	DormancyPeriod  time.Duration // idle time before a spend is notable
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		TaintThreshold:  1000,
		FanOutK:         5,
		ReAggTheta:      7000,
		ReAggMinSources: 2,
		VelocityHops:    3,
		VelocityWindow:  5 * time.Minute,
		DormancyPeriod:  7 * 24 * time.Hour,
	}
}

// Deps are the read-only lookups detectors use.
type Deps struct {
	Ledger     chain.Ledger
	Taint      TaintSource
	CleanZones cleanzone.Registry
}

// All returns the five standard detectors.
func All(cfg Config, deps Deps) []Detector {
	return []Detector{
		&Velocity{cfg: cfg, ledger: deps.Ledger, taint: deps.Taint},
		&FanOut{cfg: cfg, ledger: deps.Ledger},
		&ReAggregation{cfg: cfg, ledger: deps.Ledger, taint: deps.Taint},
		&Dormancy{cfg: cfg, ledger: deps.Ledger, taint: deps.Taint},
		&CleanZoneEntry{cfg: cfg, ledger: deps.Ledger, zones: deps.CleanZones},
	}
}

func newAlert(detector string, sev alerts.Severity, s Subject, address, description string, evidence map[string]interface{}) *alerts.Alert {
	return &alerts.Alert{
		Detector:    detector,
		Severity:    sev,
		TxHash:      s.Tx.Hash,
		Address:     address,
		Score:       int64(s.Taint.Score),
		Evidence:    evidence,
		Description: description,
	}
}

// spender returns the address that owned the first resolvable input.
func spender(ctx context.Context, ledger chain.Ledger, tx *chain.Transaction) string {
	for _, in := range tx.Inputs {
		src, err := ledger.GetTransaction(ctx, in.PrevTxHash)
		if err != nil || int(in.OutputIndex) >= len(src.Outputs) {
			continue
		}
		return src.Outputs[in.OutputIndex].Address
	}
	return ""
}

// primaryRecipient returns the address of the largest output.
func primaryRecipient(tx *chain.Transaction) string {
	best, addr := int64(-1), ""
	for _, o := range tx.Outputs {
		if o.Amount > best {
			best, addr = o.Amount, o.Address
		}
	}
	return addr
}
