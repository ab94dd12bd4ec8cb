package taint

import (
	"context"
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("taint record not found")

// Record is the persisted taint of one transaction.
type Record struct {
	TxHash string `json:"txHash"`
	Score  Score  `json:"score"`
	// Origin is set for transactions marked stolen by an administrator.
	Origin   bool   `json:"origin"`
	MarkedBy string `json:"markedBy,omitempty"`
	// Parent is the source contributing the largest amount·score.
	Parent     string    `json:"parent,omitempty"`
	Hops       int       `json:"hops"`
	ComputedAt time.Time `json:"computedAt"`
	// Provisional records were computed while the ledger was partly
	// unreachable or with sources cut off by the depth horizon. They are
	// returned but never stored.
	Provisional bool `json:"provisional,omitempty"`
}

// Store persists taint records.
type Store interface {
	Get(ctx context.Context, txHash string) (*Record, error)
	// InsertIfAbsent stores rec unless a record exists. It returns the
	// stored record and whether rec was the one written.
	InsertIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error)
	// MarkOrigin writes rec unconditionally. Only MarkStolen calls it.
	MarkOrigin(ctx context.Context, rec *Record) error
	// Rescore overwrites the derived fields of an existing non-origin
	// record. It reports false when there is no such record.
	Rescore(ctx context.Context, rec *Record) (bool, error)
	CountOrigins(ctx context.Context) (int, error)
}
