// Package chain models the external UTXO ledger that taintguard sits beside.
//
// The ledger itself (consensus, mempool, wallets) lives elsewhere. This
// package defines the read-only view the engine needs, the one write it is
// allowed to request (a compensating transfer), and two implementations: an
// in-memory ledger used in tests and development, and a JSON-RPC client to a
// running node.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/mbd888/taintguard/internal/faults"
)

var (
	ErrTxNotFound     = &faults.Error{Kind: faults.ErrNotFound, Code: "tx_not_found", Message: "transaction not found"}
	ErrOutputNotFound = &faults.Error{Kind: faults.ErrNotFound, Code: "output_not_found", Message: "output not found"}
	ErrUnavailable    = errors.New("ledger unavailable")
)

// Transaction is a confirmed ledger transaction.
type Transaction struct {
	Hash      string    `json:"hash"`
	Inputs    []Input   `json:"inputs"`
	Outputs   []Output  `json:"outputs"`
	Timestamp time.Time `json:"timestamp"`
	Fee       int64     `json:"fee"`
	Height    uint64    `json:"height"`
}

// Input spends a previous output. Amount equals the referenced output's
// amount; the ledger guarantees this.
type Input struct {
	PrevTxHash  string `json:"prevTxHash"`
	OutputIndex uint32 `json:"outputIndex"`
	Amount      int64  `json:"amount"`
}

type Output struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// UTXOStatus reports whether an output has been spent, and by whom.
type UTXOStatus struct {
	Spent   bool   `json:"spent"`
	SpentBy string `json:"spentBy,omitempty"`
}

// Outpoint identifies a single transaction output.
type Outpoint struct {
	TxHash string `json:"txHash"`
	Index  uint32 `json:"index"`
}

func (o Outpoint) String() string {
	return o.TxHash + ":" + strconv.FormatUint(uint64(o.Index), 10)
}

// ParseOutpoint parses the "hash:index" form.
func ParseOutpoint(s string) (Outpoint, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Outpoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	idx, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("invalid outpoint index %q: %w", s, err)
	}
	return Outpoint{TxHash: s[:i], Index: uint32(idx)}, nil
}

// IsCoinbase reports whether tx creates value without spending anything.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// TotalInput sums the positive input amounts.
func (tx *Transaction) TotalInput() int64 {
	var total int64
	for _, in := range tx.Inputs {
		if in.Amount > 0 {
			total += in.Amount
		}
	}
	return total
}

// Recipients returns the distinct output addresses in output order.
func (tx *Transaction) Recipients() []string {
	seen := make(map[string]struct{}, len(tx.Outputs))
	out := make([]string, 0, len(tx.Outputs))
	for _, o := range tx.Outputs {
		if _, ok := seen[o.Address]; ok {
			continue
		}
		seen[o.Address] = struct{}{}
		out = append(out, o.Address)
	}
	return out
}

// Clone returns a deep copy.
func (tx *Transaction) Clone() *Transaction {
	cp := *tx
	cp.Inputs = append([]Input(nil), tx.Inputs...)
	cp.Outputs = append([]Output(nil), tx.Outputs...)
	return &cp
}

// ValidHash reports whether s is a 64-character hex transaction hash.
func ValidHash(s string) bool {
	if len(s) != chainhash.MaxHashStringSize {
		return false
	}
	_, err := chainhash.NewHashFromStr(s)
	return err == nil
}

// Ledger is the read view of the external ledger plus the compensating
// transfer it executes on behalf of the reversal executor.
type Ledger interface {
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
	GetUTXOStatus(ctx context.Context, out Outpoint) (*UTXOStatus, error)
	// BroadcastCompensatingTransfer is idempotent per reference.
	BroadcastCompensatingTransfer(ctx context.Context, to string, amount int64, reference string) (string, error)
}

// Feed lists confirmed transactions in ledger order.
type Feed interface {
	// TransactionsSince returns up to limit transactions with height greater
	// than cursor, and the cursor to resume from.
	TransactionsSince(ctx context.Context, cursor uint64, limit int) ([]*Transaction, uint64, error)
}

// IsNotFound reports whether err means the ledger has no such object.
func IsNotFound(err error) bool {
	return errors.Is(err, faults.ErrNotFound)
}
