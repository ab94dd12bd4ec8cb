// Package pool implements the system pool that funds reversals.
//
// The pool is fed automatically by a share of every confirmed
// transaction's fee and by an execution fee on every completed reversal,
// and can be topped up manually. Its balance is never negative and always
// equals total funding minus total spending.
package pool

import (
	"context"
	"time"

	"github.com/mbd888/taintguard/internal/faults"
)

// Kind separates money in from money out.
type Kind string

const (
	KindFunding  Kind = "funding"
	KindSpending Kind = "spending"
)

// Source identifies where a pool entry came from.
type Source string

const (
	SourceTxFeeSplit  Source = "SYSTEM_TX_FEE_SPLIT"
	SourceReversalFee Source = "SYSTEM_REVERSAL_FEE"
	SourceManual      Source = "MANUAL"
	SourceRefund      Source = "REFUND"
	SourceReversal    Source = "REVERSAL"
)

// ErrDuplicateEntry is returned when an entry with the same kind, source
// and reference was already applied.
var ErrDuplicateEntry = faults.Conflict("duplicate_pool_entry", "pool entry already recorded")

// Entry is one append-only pool movement.
type Entry struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Source       Source    `json:"source"`
	From         string    `json:"from,omitempty"`
	Amount       int64     `json:"amount"`
	Reference    string    `json:"reference,omitempty"`
	Note         string    `json:"note,omitempty"`
	BalanceAfter int64     `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (e *Entry) delta() int64 {
	if e.Kind == KindSpending {
		return -e.Amount
	}
	return e.Amount
}

// SourceTotal aggregates entries of one source.
type SourceTotal struct {
	Count  int   `json:"count"`
	Amount int64 `json:"amount"`
}

// Totals aggregates the whole pool history.
type Totals struct {
	Funded        int64
	Spent         int64
	FundingCount  int
	SpendingCount int
	BySource      map[Source]SourceTotal
	LastFunding   *Entry
}

// Store persists the pool. Apply is atomic: it checks that the balance
// stays non-negative, appends e, sets e.BalanceAfter and commits the new
// balance, or changes nothing.
type Store interface {
	Apply(ctx context.Context, e *Entry) error
	Balance(ctx context.Context) (int64, error)
	List(ctx context.Context, kind Kind, limit int) ([]*Entry, error)
	Totals(ctx context.Context) (*Totals, error)
}
