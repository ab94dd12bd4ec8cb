package reversal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/reports"
)

// validated returns an approved report in VALIDATING with a feasible
// verdict, the way the governor leaves it just before execution.
func (e *env) validated(amount int64) (*reports.FraudReport, *Verdict) {
	e.t.Helper()
	ctx := context.Background()
	tx := e.theft("theft")
	r := e.approve(tx, amount)
	_, err := e.engine.MarkStolen(ctx, tx.Hash, "admin-1")
	require.NoError(e.t, err)
	_, err = e.reg.BeginValidation(ctx, r.ID)
	require.NoError(e.t, err)
	v, err := e.gov.ValidateFeasibility(ctx, r.ID)
	require.NoError(e.t, err)
	require.True(e.t, v.Feasible, v.Reasons)
	return r, v
}

func (e *env) status(id string) reports.ExecutionStatus {
	e.t.Helper()
	r, err := e.reg.Get(context.Background(), id)
	require.NoError(e.t, err)
	return r.ExecutionStatus
}

func TestExecute_RefusesForgedToken(t *testing.T) {
	e := newEnv(t)
	e.fund(100 * gxc.Coin)
	r, _ := e.validated(10 * gxc.Coin)

	forged := &Token{reportID: r.ID, txHash: r.TxHash, amount: r.Amount, issuedAt: e.clock.Now()}
	_, err := e.exec.Execute(context.Background(), forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = e.exec.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, reports.ExecutionValidating, e.status(r.ID))
	assert.Equal(t, 100*gxc.Coin, e.balance())
}

func TestExecute_RefusesTamperedToken(t *testing.T) {
	e := newEnv(t)
	e.fund(100 * gxc.Coin)
	r, v := e.validated(10 * gxc.Coin)

	tampered := *v.Token()
	tampered.amount = 50 * gxc.Coin
	_, err := e.exec.Execute(context.Background(), &tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, reports.ExecutionValidating, e.status(r.ID))
}

func TestExecute_ExpiredTokenResolvesInfeasible(t *testing.T) {
	e := newEnv(t)
	e.fund(100 * gxc.Coin)
	r, v := e.validated(10 * gxc.Coin)

	e.clock.SetTime(e.clock.Now().Add(DefaultTokenTTL + time.Second))
	got, err := e.exec.Execute(context.Background(), v.Token())
	assert.ErrorIs(t, err, ErrTokenExpired)
	require.NotNil(t, got)
	assert.Equal(t, reports.ExecutionInfeasible, got.ExecutionStatus)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, 100*gxc.Coin, e.balance())
}

func TestExecute_BroadcastFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.fund(100 * gxc.Coin)
	r, v := e.validated(10 * gxc.Coin)
	e.g.Ledger.SetBroadcastError(errors.New("node unreachable"))

	got, err := e.exec.Execute(context.Background(), v.Token())
	require.Error(t, err)
	assert.Equal(t, "broadcast_failed", faults.Code(err))
	assert.Equal(t, reports.ExecutionInfeasible, got.ExecutionStatus)
	assert.Zero(t, got.RecoveredAmount)

	assert.Equal(t, 100*gxc.Coin, e.balance())
	held, err := e.claims.ListByReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Empty(t, held)

	s, err := e.pool.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.TotalReversals)
}

func TestExecute_WithdrawnReportNeverDebits(t *testing.T) {
	e := newEnv(t)
	e.fund(100 * gxc.Coin)
	r, v := e.validated(10 * gxc.Coin)

	_, err := e.reg.Withdraw(context.Background(), r.ID, "admin-2", "duplicate report")
	require.NoError(t, err)

	_, err = e.exec.Execute(context.Background(), v.Token())
	assert.Equal(t, "execution_not_validating", faults.Code(err))
	assert.Equal(t, 100*gxc.Coin, e.balance())
	assert.Zero(t, e.g.Ledger.Transfers())
}

func TestExecute_InsufficientPoolFunds(t *testing.T) {
	e := newEnv(t)
	e.fund(100 * gxc.Coin)
	r, v := e.validated(10 * gxc.Coin)

	// The pool drains between validation and execution.
	_, err := e.pool.Debit(context.Background(), 95*gxc.Coin, "other", "")
	require.NoError(t, err)

	got, err := e.exec.Execute(context.Background(), v.Token())
	assert.ErrorIs(t, err, faults.ErrInsufficientPoolFunds)
	assert.Equal(t, reports.ExecutionInfeasible, got.ExecutionStatus)
	held, err := e.claims.ListByReport(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
}
