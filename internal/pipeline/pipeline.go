// Package pipeline runs every confirmed ledger transaction through
// propagation, detection, alerting and the pool fee split.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/detectors"
	"github.com/mbd888/taintguard/internal/logging"
	"github.com/mbd888/taintguard/internal/pool"
	"github.com/mbd888/taintguard/internal/taint"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

var ErrStopped = errors.New("pipeline stopped")

var (
	processed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "pipeline",
		Name:      "transactions_total",
		Help:      "Transactions processed, by outcome.",
	}, []string{"outcome"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taintguard",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Transactions waiting for a worker.",
	})
)

func init() {
	prometheus.MustRegister(processed, queueDepth)
}

// TaintSource scores transactions.
type TaintSource interface {
	TaintOf(ctx context.Context, txHash string) (*taint.Record, error)
}

// Assessor runs the pattern detectors.
type Assessor interface {
	Run(ctx context.Context, s detectors.Subject) detectors.Assessment
}

// AlertSink persists and fans out alerts. *alerts.Bus implements it.
type AlertSink interface {
	Raise(ctx context.Context, raised ...*alerts.Alert) error
}

// FeeCollector credits the pool's share of a transaction fee.
type FeeCollector interface {
	CreditTxFee(ctx context.Context, txHash string, fee int64) (*pool.Entry, error)
}

type Config struct {
	Workers   int
	QueueSize int
}

// Result summarizes one processed transaction.
type Result struct {
	TxHash     string          `json:"txHash"`
	Score      taint.Score     `json:"scoreBps"`
	Level      alerts.Severity `json:"level"`
	Alerts     int             `json:"alerts"`
	FeeCredit  int64           `json:"feeCredit"`
	Incomplete bool            `json:"incomplete,omitempty"`
}

// Processor is a bounded queue drained by a fixed set of workers. A failure
// on one transaction is logged and never stops the others.
type Processor struct {
	cfg    Config
	taint  TaintSource
	runner Assessor
	sink   AlertSink
	fees   FeeCollector
	logger *slog.Logger

	queue chan *chain.Transaction
	done  chan struct{}
}

func NewProcessor(cfg Config, ts TaintSource, runner Assessor, sink AlertSink, fees FeeCollector, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:    cfg,
		taint:  ts,
		runner: runner,
		sink:   sink,
		fees:   fees,
		logger: logger,
		queue:  make(chan *chain.Transaction, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Submit enqueues tx, blocking while the queue is full.
func (p *Processor) Submit(ctx context.Context, tx *chain.Transaction) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case p.queue <- tx:
		queueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrStopped
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case tx := <-p.queue:
					queueDepth.Dec()
					if _, err := p.Process(ctx, tx); err != nil {
						p.logger.Warn("transaction processing failed", "tx", tx.Hash, "error", err)
					}
				}
			}
		})
	}
	p.logger.Info("pipeline started", "workers", p.cfg.Workers, "queue", p.cfg.QueueSize)
	return g.Wait()
}

// Process scores tx, runs the detectors, raises their alerts and credits the
// fee split. A failed step after scoring marks the result incomplete but
// the remaining steps still run.
func (p *Processor) Process(ctx context.Context, tx *chain.Transaction) (*Result, error) {
	ctx = logging.WithTxHash(ctx, tx.Hash)

	rec, err := p.taint.TaintOf(ctx, tx.Hash)
	if err != nil {
		processed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to score transaction: %w", err)
	}

	assessment := p.runner.Run(ctx, detectors.Subject{Tx: tx, Taint: rec})
	res := &Result{TxHash: tx.Hash, Score: rec.Score, Level: assessment.Level, Alerts: len(assessment.Alerts)}
	res.Incomplete = len(assessment.Failed) > 0

	if len(assessment.Alerts) > 0 {
		if err := p.sink.Raise(ctx, assessment.Alerts...); err != nil {
			logging.L(ctx).Error("failed to raise alerts", "error", err)
			res.Incomplete = true
		}
	}

	if p.fees != nil && tx.Fee > 0 {
		e, err := p.fees.CreditTxFee(ctx, tx.Hash, tx.Fee)
		switch {
		case err != nil:
			logging.L(ctx).Error("failed to credit fee split", "fee", tx.Fee, "error", err)
			res.Incomplete = true
		case e != nil:
			res.FeeCredit = e.Amount
		}
	}

	outcome := "ok"
	if res.Incomplete {
		outcome = "incomplete"
	}
	processed.WithLabelValues(outcome).Inc()
	if len(assessment.Fired) > 0 {
		logging.L(ctx).Info("transaction assessed",
			"score", rec.Score, "level", res.Level, "fired", assessment.Fired)
	}
	return res, nil
}
