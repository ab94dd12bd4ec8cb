package chain

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/mbd888/taintguard/internal/faults"
)

// MemoryLedger is an append-only, hash-indexed transaction table. It backs
// tests and development mode when no node URL is configured.
type MemoryLedger struct {
	mu        sync.RWMutex
	txs       []*Transaction
	index     map[string]int
	spentBy   map[Outpoint]string
	transfers map[string]string // reference -> compensating tx hash
	clock     clock.Clock

	broadcastErr error
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		index:     make(map[string]int),
		spentBy:   make(map[Outpoint]string),
		transfers: make(map[string]string),
		clock:     clock.NewDefaultClock(),
	}
}

// WithClock sets the clock used to stamp compensating transfers.
func (l *MemoryLedger) WithClock(c clock.Clock) *MemoryLedger {
	l.clock = c
	return l
}

// Record appends a confirmed transaction. Inputs that reference unknown
// transactions are accepted (the source may predate the table), but an
// output may only be spent once.
func (l *MemoryLedger) Record(tx *Transaction) error {
	if tx == nil || !ValidHash(tx.Hash) {
		return faults.Validation("invalid_tx_hash", "transaction hash must be 64 hex characters")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[tx.Hash]; ok {
		return faults.Conflict("tx_exists", "transaction %s already recorded", tx.Hash)
	}
	for _, in := range tx.Inputs {
		op := Outpoint{TxHash: in.PrevTxHash, Index: in.OutputIndex}
		if by, ok := l.spentBy[op]; ok {
			return faults.Conflict("double_spend", "output %s already spent by %s", op, by)
		}
		if i, ok := l.index[in.PrevTxHash]; ok && int(in.OutputIndex) >= len(l.txs[i].Outputs) {
			return faults.Validation("bad_output_index", "input references missing output %s", op)
		}
	}

	cp := tx.Clone()
	cp.Height = uint64(len(l.txs) + 1)
	l.index[cp.Hash] = len(l.txs)
	l.txs = append(l.txs, cp)
	for _, in := range cp.Inputs {
		l.spentBy[Outpoint{TxHash: in.PrevTxHash, Index: in.OutputIndex}] = cp.Hash
	}
	return nil
}

func (l *MemoryLedger) GetTransaction(_ context.Context, hash string) (*Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[hash]
	if !ok {
		return nil, ErrTxNotFound
	}
	return l.txs[i].Clone(), nil
}

func (l *MemoryLedger) GetUTXOStatus(_ context.Context, out Outpoint) (*UTXOStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[out.TxHash]
	if !ok {
		return nil, ErrTxNotFound
	}
	if int(out.Index) >= len(l.txs[i].Outputs) {
		return nil, ErrOutputNotFound
	}
	by, spent := l.spentBy[out]
	return &UTXOStatus{Spent: spent, SpentBy: by}, nil
}

// BroadcastCompensatingTransfer records a coinbase-style transaction paying
// amount to the recipient. Repeating a reference returns the first hash.
func (l *MemoryLedger) BroadcastCompensatingTransfer(_ context.Context, to string, amount int64, reference string) (string, error) {
	if to == "" || amount <= 0 || reference == "" {
		return "", faults.Validation("invalid_transfer", "transfer requires recipient, positive amount and reference")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broadcastErr != nil {
		return "", l.broadcastErr
	}
	if h, ok := l.transfers[reference]; ok {
		return h, nil
	}

	h := chainhash.HashH([]byte("compensate|" + reference + "|" + to + "|" + strconv.FormatInt(amount, 10))).String()
	tx := &Transaction{
		Hash:      h,
		Outputs:   []Output{{Address: to, Amount: amount}},
		Timestamp: l.clock.Now(),
		Height:    uint64(len(l.txs) + 1),
	}
	l.index[h] = len(l.txs)
	l.txs = append(l.txs, tx)
	l.transfers[reference] = h
	return h, nil
}

func (l *MemoryLedger) TransactionsSince(_ context.Context, cursor uint64, limit int) ([]*Transaction, uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if cursor > uint64(len(l.txs)) {
		return nil, cursor, fmt.Errorf("cursor %d beyond ledger height %d", cursor, len(l.txs))
	}
	var out []*Transaction
	next := cursor
	for _, tx := range l.txs[cursor:] {
		if len(out) == limit {
			break
		}
		out = append(out, tx.Clone())
		next = tx.Height
	}
	return out, next, nil
}

// SetBroadcastError makes subsequent broadcasts fail with err until cleared
// with nil.
func (l *MemoryLedger) SetBroadcastError(err error) {
	l.mu.Lock()
	l.broadcastErr = err
	l.mu.Unlock()
}

// Transfers returns the number of distinct compensating transfers.
func (l *MemoryLedger) Transfers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.transfers)
}

// Height returns the number of recorded transactions.
func (l *MemoryLedger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.txs))
}
