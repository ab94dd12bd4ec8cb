package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taintguard/internal/faults"
)

func TestMemoryLedger_RecordAndGet(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	cb := coinbase("cb", addr(1), 1000)
	require.NoError(t, l.Record(cb))

	got, err := l.GetTransaction(ctx, cb.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Height)
	assert.True(t, got.IsCoinbase())

	// Returned copies must not alias ledger state.
	got.Outputs[0].Amount = 1
	again, _ := l.GetTransaction(ctx, cb.Hash)
	assert.Equal(t, int64(1000), again.Outputs[0].Amount)
}

func TestMemoryLedger_Errors(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.GetTransaction(ctx, hashOf("missing"))
	assert.True(t, IsNotFound(err))

	assert.True(t, errors.Is(l.Record(&Transaction{Hash: "nothex"}), faults.ErrValidation))

	cb := coinbase("cb", addr(1), 1000)
	require.NoError(t, l.Record(cb))
	assert.True(t, errors.Is(l.Record(cb), faults.ErrConflict))

	require.NoError(t, l.Record(spend("a", cb, 0, Output{Address: addr(2), Amount: 1000})))
	err = l.Record(spend("b", cb, 0, Output{Address: addr(3), Amount: 1000}))
	assert.Equal(t, "double_spend", faults.Code(err))

	bad := spend("c", cb, 0, Output{Address: addr(3), Amount: 1})
	bad.Inputs[0].OutputIndex = 7
	assert.Equal(t, "bad_output_index", faults.Code(l.Record(bad)))
}

func TestMemoryLedger_UnknownSourceAccepted(t *testing.T) {
	l := NewMemoryLedger()
	tx := &Transaction{
		Hash:    hashOf("orphan"),
		Inputs:  []Input{{PrevTxHash: hashOf("pruned"), Amount: 50}},
		Outputs: []Output{{Address: addr(1), Amount: 50}},
	}
	assert.NoError(t, l.Record(tx))
}

func TestMemoryLedger_UTXOStatus(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	cb := coinbase("cb", addr(1), 1000)
	require.NoError(t, l.Record(cb))

	st, err := l.GetUTXOStatus(ctx, Outpoint{TxHash: cb.Hash})
	require.NoError(t, err)
	assert.False(t, st.Spent)

	child := spend("child", cb, 0, Output{Address: addr(2), Amount: 1000})
	require.NoError(t, l.Record(child))

	st, err = l.GetUTXOStatus(ctx, Outpoint{TxHash: cb.Hash})
	require.NoError(t, err)
	assert.True(t, st.Spent)
	assert.Equal(t, child.Hash, st.SpentBy)

	_, err = l.GetUTXOStatus(ctx, Outpoint{TxHash: cb.Hash, Index: 3})
	assert.ErrorIs(t, err, ErrOutputNotFound)
}

func TestMemoryLedger_BroadcastIdempotent(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	h1, err := l.BroadcastCompensatingTransfer(ctx, addr(9), 500, "FR-1")
	require.NoError(t, err)
	h2, err := l.BroadcastCompensatingTransfer(ctx, addr(9), 500, "FR-1")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, l.Transfers())

	tx, err := l.GetTransaction(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), tx.Outputs[0].Amount)

	l.SetBroadcastError(errors.New("mempool full"))
	_, err = l.BroadcastCompensatingTransfer(ctx, addr(9), 500, "FR-2")
	assert.Error(t, err)
	l.SetBroadcastError(nil)
	_, err = l.BroadcastCompensatingTransfer(ctx, addr(9), 500, "FR-2")
	assert.NoError(t, err)
}

func TestMemoryLedger_TransactionsSince(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(coinbase(addr(i), addr(i), int64(i+1))))
	}

	page, next, err := l.TransactionsSince(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, uint64(2), next)

	page, next, err = l.TransactionsSince(ctx, next, 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Equal(t, uint64(5), next)

	page, next, err = l.TransactionsSince(ctx, next, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, uint64(5), next)
}

func TestOutpoint_RoundTrip(t *testing.T) {
	op := Outpoint{TxHash: hashOf("x"), Index: 3}
	parsed, err := ParseOutpoint(op.String())
	require.NoError(t, err)
	assert.Equal(t, op, parsed)

	_, err = ParseOutpoint("nocolon")
	assert.Error(t, err)
}

func TestTransaction_Recipients(t *testing.T) {
	tx := &Transaction{Outputs: []Output{{Address: "a"}, {Address: "b"}, {Address: "a"}}}
	assert.Equal(t, []string{"a", "b"}, tx.Recipients())
}

func TestValidHash(t *testing.T) {
	assert.True(t, ValidHash(hashOf("x")))
	assert.False(t, ValidHash("abc"))
	assert.False(t, ValidHash(hashOf("x")[:63]+"z"))
}
