package chain

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func hashOf(name string) string {
	return chainhash.HashH([]byte(name)).String()
}

func coinbase(name, to string, amount int64) *Transaction {
	return &Transaction{
		Hash:      hashOf(name),
		Outputs:   []Output{{Address: to, Amount: amount}},
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func spend(name string, prev *Transaction, idx uint32, outs ...Output) *Transaction {
	return &Transaction{
		Hash:      hashOf(name),
		Inputs:    []Input{{PrevTxHash: prev.Hash, OutputIndex: idx, Amount: prev.Outputs[idx].Amount}},
		Outputs:   outs,
		Timestamp: prev.Timestamp.Add(time.Minute),
	}
}

func addr(i int) string { return fmt.Sprintf("gxc1addr%02d", i) }
