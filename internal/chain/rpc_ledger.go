package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/taintguard/internal/circuitbreaker"
	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/retry"
)

// Node JSON-RPC methods.
const (
	MethodGetTransaction     = "gxc_getTransaction"
	MethodGetUTXOStatus      = "gxc_getUTXOStatus"
	MethodBroadcastTransfer  = "gxc_broadcastCompensatingTransfer"
	MethodTransactionsSince  = "gxc_transactionsSince"
	nodeNamespace            = "gxc"
	defaultLedgerCallTimeout = 10 * time.Second
)

var ledgerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "taintguard",
	Subsystem: "ledger",
	Name:      "call_duration_seconds",
	Help:      "Ledger node JSON-RPC call latency by method and outcome.",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"method", "outcome"})

func init() {
	prometheus.MustRegister(ledgerCallDuration)
}

// RPCConfig configures the node client.
type RPCConfig struct {
	URL       string
	Timeout   time.Duration // per attempt
	Retries   int
	BaseDelay time.Duration
}

// RPCLedger talks to a GXC node over JSON-RPC. Every call gets a per-attempt
// timeout, bounded retries with backoff, and a circuit breaker keyed by
// method.
type RPCLedger struct {
	client  *rpc.Client
	cfg     RPCConfig
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// DialRPC connects to the node at cfg.URL (http, ws or ipc).
func DialRPC(ctx context.Context, cfg RPCConfig, logger *slog.Logger) (*RPCLedger, error) {
	client, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger node: %w", err)
	}
	return NewRPCLedger(client, cfg, logger), nil
}

// NewRPCLedger wraps an existing client.
func NewRPCLedger(client *rpc.Client, cfg RPCConfig, logger *slog.Logger) *RPCLedger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLedgerCallTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCLedger{
		client:  client,
		cfg:     cfg,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// Close releases the underlying connection.
func (l *RPCLedger) Close() {
	l.client.Close()
}

func (l *RPCLedger) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	var tx *Transaction
	if err := l.call(ctx, &tx, MethodGetTransaction, hash); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrTxNotFound
	}
	return tx, nil
}

func (l *RPCLedger) GetUTXOStatus(ctx context.Context, out Outpoint) (*UTXOStatus, error) {
	var st *UTXOStatus
	if err := l.call(ctx, &st, MethodGetUTXOStatus, out.TxHash, out.Index); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrOutputNotFound
	}
	return st, nil
}

func (l *RPCLedger) BroadcastCompensatingTransfer(ctx context.Context, to string, amount int64, reference string) (string, error) {
	var hash string
	if err := l.call(ctx, &hash, MethodBroadcastTransfer, to, amount, reference); err != nil {
		return "", err
	}
	return hash, nil
}

type sincePage struct {
	Transactions []*Transaction `json:"transactions"`
	Cursor       uint64         `json:"cursor"`
}

func (l *RPCLedger) TransactionsSince(ctx context.Context, cursor uint64, limit int) ([]*Transaction, uint64, error) {
	var page sincePage
	if err := l.call(ctx, &page, MethodTransactionsSince, cursor, limit); err != nil {
		return nil, cursor, err
	}
	return page.Transactions, page.Cursor, nil
}

func (l *RPCLedger) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if !l.breaker.Allow(method) {
		return fmt.Errorf("%w: circuit open for %s", ErrUnavailable, method)
	}

	start := time.Now()
	err := retry.Do(ctx, l.cfg.Retries, l.cfg.BaseDelay, func() error {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
		err := l.client.CallContext(callCtx, result, method, args...)
		if err == nil {
			return nil
		}
		if mapped := mapNodeError(err); mapped != nil {
			return retry.Permanent(mapped)
		}
		return err
	})

	outcome := "ok"
	switch {
	case err == nil:
		l.breaker.RecordSuccess(method)
	case errors.Is(err, faults.ErrNotFound), errors.Is(err, faults.ErrValidation):
		// The node answered; only transport failures count against it.
		outcome = "rejected"
		l.breaker.RecordSuccess(method)
	case ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "error"
		l.breaker.RecordFailure(method)
		l.logger.Warn("ledger call failed", "method", method, "error", err)
		err = fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	ledgerCallDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
	return err
}

// mapNodeError converts a structured node error into the faults taxonomy.
// Returns nil for transport-level errors, which are retried.
func mapNodeError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return nil
	}
	code := ""
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		code, _ = dataErr.ErrorData().(string)
	}
	switch rpcErr.ErrorCode() {
	case faults.RPCCodeNotFound:
		if code == "" {
			code = "not_found"
		}
		return &faults.Error{Kind: faults.ErrNotFound, Code: code, Message: rpcErr.Error()}
	case faults.RPCCodeValidation, -32602:
		if code == "" {
			code = "validation_error"
		}
		return &faults.Error{Kind: faults.ErrValidation, Code: code, Message: rpcErr.Error()}
	}
	return nil
}

// NodeService serves the node-side gxc namespace from a MemoryLedger. It
// lets the RPC client, the watcher and the CLI run against a local ledger.
type NodeService struct {
	ledger *MemoryLedger
}

// NewNodeServer returns an rpc.Server exposing l under the gxc namespace.
func NewNodeServer(l *MemoryLedger) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(nodeNamespace, &NodeService{ledger: l}); err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *NodeService) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	tx, err := s.ledger.GetTransaction(ctx, hash)
	return tx, asRPCError(err)
}

func (s *NodeService) GetUTXOStatus(ctx context.Context, hash string, index uint32) (*UTXOStatus, error) {
	st, err := s.ledger.GetUTXOStatus(ctx, Outpoint{TxHash: hash, Index: index})
	return st, asRPCError(err)
}

func (s *NodeService) BroadcastCompensatingTransfer(ctx context.Context, to string, amount int64, reference string) (string, error) {
	h, err := s.ledger.BroadcastCompensatingTransfer(ctx, to, amount, reference)
	return h, asRPCError(err)
}

// RecordTransaction appends tx to the local ledger.
func (s *NodeService) RecordTransaction(_ context.Context, tx *Transaction) error {
	return asRPCError(s.ledger.Record(tx))
}

func (s *NodeService) TransactionsSince(ctx context.Context, cursor uint64, limit int) (*sincePage, error) {
	txs, next, err := s.ledger.TransactionsSince(ctx, cursor, limit)
	if err != nil {
		return nil, asRPCError(err)
	}
	return &sincePage{Transactions: txs, Cursor: next}, nil
}

// asRPCError unwraps to the *faults.Error so the server encodes its code.
func asRPCError(err error) error {
	if err == nil {
		return nil
	}
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe
	}
	return err
}
