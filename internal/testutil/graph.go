package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/mbd888/taintguard/internal/chain"
)

// GraphEpoch is the timestamp of the first transaction a Graph records.
var GraphEpoch = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

// Graph builds transaction graphs on an in-memory ledger. Transactions are
// named; their hashes are derived from the name so tests can refer to
// transactions before recording them.
type Graph struct {
	t      testing.TB
	Ledger *chain.MemoryLedger
	next   time.Time
}

func NewGraph(t testing.TB) *Graph {
	return &Graph{t: t, Ledger: chain.NewMemoryLedger(), next: GraphEpoch}
}

// Hash returns the hash a transaction named name gets.
func Hash(name string) string {
	return chainhash.HashH([]byte("tx|" + name)).String()
}

// Pay builds an output.
func Pay(address string, amount int64) chain.Output {
	return chain.Output{Address: address, Amount: amount}
}

// Out refers to output idx of tx.
func Out(tx *chain.Transaction, idx uint32) chain.Outpoint {
	return chain.Outpoint{TxHash: tx.Hash, Index: idx}
}

// Advance moves the clock used to stamp the next transaction.
func (g *Graph) Advance(d time.Duration) *Graph {
	g.next = g.next.Add(d)
	return g
}

// Now is the timestamp the next transaction gets.
func (g *Graph) Now() time.Time { return g.next }

// Coinbase records a transaction without inputs.
func (g *Graph) Coinbase(name string, outs ...chain.Output) *chain.Transaction {
	return g.record(&chain.Transaction{Hash: Hash(name), Outputs: outs})
}

// Spend records a transaction spending the given outpoints. Input amounts
// are copied from the referenced outputs.
func (g *Graph) Spend(name string, from []chain.Outpoint, outs ...chain.Output) *chain.Transaction {
	g.t.Helper()
	ins := make([]chain.Input, 0, len(from))
	for _, op := range from {
		src, err := g.Ledger.GetTransaction(context.Background(), op.TxHash)
		if err != nil {
			g.t.Fatalf("graph: unknown source %s: %v", op, err)
		}
		ins = append(ins, chain.Input{PrevTxHash: op.TxHash, OutputIndex: op.Index, Amount: src.Outputs[op.Index].Amount})
	}
	return g.record(&chain.Transaction{Hash: Hash(name), Inputs: ins, Outputs: outs})
}

// Raw records tx as given, filling in hash-less fields.
func (g *Graph) Raw(name string, ins []chain.Input, outs ...chain.Output) *chain.Transaction {
	return g.record(&chain.Transaction{Hash: Hash(name), Inputs: ins, Outputs: outs})
}

func (g *Graph) record(tx *chain.Transaction) *chain.Transaction {
	g.t.Helper()
	if tx.Timestamp.IsZero() {
		tx.Timestamp = g.next
		g.next = g.next.Add(time.Minute)
	}
	if err := g.Ledger.Record(tx); err != nil {
		g.t.Fatalf("graph: record %s: %v", tx.Hash, err)
	}
	stored, err := g.Ledger.GetTransaction(context.Background(), tx.Hash)
	if err != nil {
		g.t.Fatalf("graph: reload %s: %v", tx.Hash, err)
	}
	return stored
}
