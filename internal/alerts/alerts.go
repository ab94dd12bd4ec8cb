// Package alerts persists detector alerts and address flags and fans
// lifecycle events out to sinks such as the WebSocket hub and webhooks.
package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/taintguard/internal/pagination"
)

var ErrAlertNotFound = errors.New("alert not found")

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from 1 (LOW) to 4 (CRITICAL); unknown is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Alert is an append-only detector finding.
type Alert struct {
	ID          string                 `json:"id"`
	Detector    string                 `json:"detector"`
	Severity    Severity               `json:"severity"`
	TxHash      string                 `json:"txHash"`
	Address     string                 `json:"address,omitempty"`
	Score       int64                  `json:"score"` // taint in basis points
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	Description string                 `json:"description"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Flag marks an address as associated with fraud.
type Flag struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason"`
	FlaggedBy string    `json:"flaggedBy"`
	FlaggedAt time.Time `json:"flaggedAt"`
}

// AddressStatus summarizes what is known about an address.
type AddressStatus struct {
	Address        string `json:"address"`
	IsFlagged      bool   `json:"isFlagged"`
	AlertCount     int    `json:"alertCount"`
	CriticalAlerts int    `json:"criticalAlerts"`
	ShouldFreeze   bool   `json:"shouldFreeze"`
}

// FreezeThreshold is the number of critical alerts after which an address
// should be frozen by clean-zone operators.
const FreezeThreshold = 2

// Store persists alerts and flags.
type Store interface {
	Append(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	ListByTx(ctx context.Context, txHash string) ([]*Alert, error)
	ListByAddress(ctx context.Context, address string, limit int) ([]*Alert, error)
	// ListRecent lists alerts newest first, strictly after before when set.
	ListRecent(ctx context.Context, before *pagination.Cursor, limit int) ([]*Alert, error)
	// CountByAddress returns the total and critical alert counts.
	CountByAddress(ctx context.Context, address string) (total, critical int, err error)
	CountBySeverity(ctx context.Context) (map[Severity]int, error)
	Count(ctx context.Context) (int, error)

	Flag(ctx context.Context, f *Flag) error
	Unflag(ctx context.Context, address string) (bool, error)
	IsFlagged(ctx context.Context, address string) (bool, error)
	CountFlagged(ctx context.Context) (int, error)
}
