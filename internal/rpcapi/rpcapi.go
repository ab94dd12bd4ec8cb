// Package rpcapi exposes the fraud and pool services as JSON-RPC 2.0
// methods under the "fraud" and "pool" namespaces.
//
// Errors returned by the services carry a JSON-RPC code and a stable string
// code as error data. Admin methods require a session attached by
// admin.Attach on the HTTP route.
package rpcapi

import (
	"context"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/taintguard/internal/admin"
	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/pool"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/taint"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxRequestBody   = 1 << 20
)

// Deps are the services behind the RPC surface.
type Deps struct {
	Reports *reports.Registry
	Taint   *taint.Engine
	Alerts  *alerts.Bus
	Pool    *pool.Pool
}

// NewServer registers both namespaces on a fresh server.
func NewServer(d Deps) (*rpc.Server, error) {
	srv := rpc.NewServer()
	srv.SetHTTPBodyLimit(maxRequestBody)
	if err := srv.RegisterName("fraud", &FraudAPI{reports: d.Reports, taint: d.Taint, alerts: d.Alerts}); err != nil {
		return nil, err
	}
	if err := srv.RegisterName("pool", &PoolAPI{pool: d.Pool}); err != nil {
		return nil, err
	}
	return srv, nil
}

// Mount serves srv at POST path, attaching admin sessions from dir.
func Mount(r gin.IRoutes, path string, srv *rpc.Server, dir admin.Directory) {
	r.POST(path, admin.Attach(dir), gin.WrapH(srv))
}

func listLimit(limit *int) int {
	if limit == nil || *limit <= 0 {
		return defaultListLimit
	}
	return min(*limit, maxListLimit)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FraudAPI implements the fraud_* methods.
type FraudAPI struct {
	reports *reports.Registry
	taint   *taint.Engine
	alerts  *alerts.Bus
}

// SubmitResult is returned by fraud_reportStolenFunds.
type SubmitResult struct {
	ReportID string              `json:"reportId"`
	Status   reports.FactsStatus `json:"status"`
}

// ReportStolenFunds files a report. amount is a decimal GXC string.
func (api *FraudAPI) ReportStolenFunds(ctx context.Context, txHash, reporterAddress, amount string, email, description, evidence *string) (*SubmitResult, error) {
	req, err := reports.SubmitBody{
		TxHash:          txHash,
		ReporterAddress: reporterAddress,
		Amount:          amount,
		Email:           deref(email),
		Description:     deref(description),
		Evidence:        deref(evidence),
	}.ToRequest()
	if err != nil {
		return nil, err
	}
	r, err := api.reports.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{ReportID: r.ID, Status: r.FactsStatus}, nil
}

func (api *FraudAPI) GetReportStatus(ctx context.Context, reportID string) (*reports.Status, error) {
	r, err := api.reports.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	s := reports.StatusOf(r)
	return &s, nil
}

func (api *FraudAPI) ApproveFacts(ctx context.Context, reportID string, notes *string) (*reports.Status, error) {
	a, err := admin.Require(ctx)
	if err != nil {
		return nil, err
	}
	r, err := api.reports.ApproveFacts(ctx, reportID, a.ID, deref(notes))
	if err != nil {
		return nil, err
	}
	s := reports.StatusOf(r)
	return &s, nil
}

func (api *FraudAPI) RejectFacts(ctx context.Context, reportID string, reason *string) (*reports.Status, error) {
	a, err := admin.Require(ctx)
	if err != nil {
		return nil, err
	}
	r, err := api.reports.RejectFacts(ctx, reportID, a.ID, deref(reason))
	if err != nil {
		return nil, err
	}
	s := reports.StatusOf(r)
	return &s, nil
}

func (api *FraudAPI) WithdrawReport(ctx context.Context, reportID string, reason *string) (*reports.Status, error) {
	a, err := admin.Require(ctx)
	if err != nil {
		return nil, err
	}
	r, err := api.reports.Withdraw(ctx, reportID, a.ID, deref(reason))
	if err != nil {
		return nil, err
	}
	s := reports.StatusOf(r)
	return &s, nil
}

func (api *FraudAPI) ListPendingReports(ctx context.Context, limit *int) ([]*reports.FraudReport, error) {
	if _, err := admin.Require(ctx); err != nil {
		return nil, err
	}
	return api.reports.ListPending(ctx, listLimit(limit))
}

func (api *FraudAPI) CheckTransactionTaint(ctx context.Context, txHash string) (*taint.Check, error) {
	if !chain.ValidHash(txHash) {
		return nil, faults.Validation("invalid_tx_hash", "txHash must be 64 hex characters")
	}
	rec, err := api.taint.TaintOf(ctx, txHash)
	if err != nil {
		return nil, err
	}
	c := taint.CheckOf(rec)
	return &c, nil
}

func (api *FraudAPI) CheckAddressFraud(ctx context.Context, address string) (*alerts.AddressStatus, error) {
	if address == "" {
		return nil, faults.Validation("invalid_address", "address is required")
	}
	return api.alerts.AddressStatus(ctx, address)
}

func (api *FraudAPI) GetFraudStatistics(ctx context.Context) (*reports.Statistics, error) {
	return api.reports.Statistics(ctx)
}

// PoolAPI implements the pool_* methods.
type PoolAPI struct {
	pool *pool.Pool
}

// Balance is returned by pool_getPoolBalance.
type Balance struct {
	PoolAddress string `json:"poolAddress"`
	Balance     int64  `json:"balance"`
	BalanceGxc  string `json:"balanceGxc"`
}

func (api *PoolAPI) GetPoolBalance(ctx context.Context) (*Balance, error) {
	bal, err := api.pool.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return &Balance{PoolAddress: api.pool.Address(), Balance: bal, BalanceGxc: gxc.Format(bal)}, nil
}

func (api *PoolAPI) GetPoolFundingHistory(ctx context.Context, limit *int) ([]*pool.Entry, error) {
	return api.pool.FundingHistory(ctx, listLimit(limit))
}

func (api *PoolAPI) GetPoolSpendingHistory(ctx context.Context, limit *int) ([]*pool.Entry, error) {
	return api.pool.SpendingHistory(ctx, listLimit(limit))
}

func (api *PoolAPI) GetPoolStats(ctx context.Context) (*pool.Stats, error) {
	return api.pool.Stats(ctx)
}

