package chain

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taintguard/internal/faults"
)

func newInProcLedger(t *testing.T) (*MemoryLedger, *RPCLedger) {
	t.Helper()
	mem := NewMemoryLedger()
	srv, err := NewNodeServer(mem)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	client := rpc.DialInProc(srv)
	l := NewRPCLedger(client, RPCConfig{Timeout: time.Second, Retries: 2, BaseDelay: time.Millisecond}, nil)
	t.Cleanup(l.Close)
	return mem, l
}

func TestRPCLedger_GetTransaction(t *testing.T) {
	mem, l := newInProcLedger(t)
	ctx := context.Background()

	cb := coinbase("cb", addr(1), 1000)
	require.NoError(t, mem.Record(cb))
	child := spend("child", cb, 0, Output{Address: addr(2), Amount: 600}, Output{Address: addr(3), Amount: 400})
	require.NoError(t, mem.Record(child))

	got, err := l.GetTransaction(ctx, child.Hash)
	require.NoError(t, err)
	assert.Equal(t, child.Hash, got.Hash)
	assert.Equal(t, cb.Hash, got.Inputs[0].PrevTxHash)
	assert.Len(t, got.Outputs, 2)
	assert.True(t, got.Timestamp.Equal(child.Timestamp))
}

func TestRPCLedger_NotFoundIsPermanent(t *testing.T) {
	_, l := newInProcLedger(t)

	_, err := l.GetTransaction(context.Background(), hashOf("missing"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "tx_not_found", faults.Code(err))
}

func TestRPCLedger_UTXOAndBroadcast(t *testing.T) {
	mem, l := newInProcLedger(t)
	ctx := context.Background()

	cb := coinbase("cb", addr(1), 1000)
	require.NoError(t, mem.Record(cb))
	child := spend("child", cb, 0, Output{Address: addr(2), Amount: 1000})
	require.NoError(t, mem.Record(child))

	st, err := l.GetUTXOStatus(ctx, Outpoint{TxHash: cb.Hash, Index: 0})
	require.NoError(t, err)
	assert.True(t, st.Spent)
	assert.Equal(t, child.Hash, st.SpentBy)

	h, err := l.BroadcastCompensatingTransfer(ctx, addr(7), 250, "FR-1")
	require.NoError(t, err)
	again, err := l.BroadcastCompensatingTransfer(ctx, addr(7), 250, "FR-1")
	require.NoError(t, err)
	assert.Equal(t, h, again)
}

func TestRPCLedger_TransactionsSince(t *testing.T) {
	mem, l := newInProcLedger(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, mem.Record(coinbase(addr(i), addr(i), 10)))
	}

	txs, next, err := l.TransactionsSince(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Equal(t, uint64(3), next)
}

func TestRPCLedger_ValidationErrorFromNode(t *testing.T) {
	_, l := newInProcLedger(t)

	_, err := l.BroadcastCompensatingTransfer(context.Background(), "", 0, "FR-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrValidation)
}

func TestNodeService_RecordTransaction(t *testing.T) {
	mem := NewMemoryLedger()
	srv, err := NewNodeServer(mem)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	client := rpc.DialInProc(srv)
	t.Cleanup(client.Close)

	cb := coinbase("cb", addr(1), 1000)
	require.NoError(t, client.CallContext(context.Background(), nil, "gxc_recordTransaction", cb))
	assert.Equal(t, uint64(1), mem.Height())

	err = client.CallContext(context.Background(), nil, "gxc_recordTransaction", cb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already recorded")
}
