// Package watcher follows the ledger feed and hands every newly confirmed
// transaction to the ingest pipeline.
//
// The feed position is persisted per watcher name, so a restart resumes
// where the previous process stopped instead of rescanning the ledger.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/taintguard/internal/chain"
)

var (
	feedHeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "taintguard",
		Subsystem: "watcher",
		Name:      "height",
		Help:      "Last ledger height handed to the pipeline.",
	}, []string{"watcher"})

	submitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "watcher",
		Name:      "transactions_total",
		Help:      "Transactions read from the ledger feed.",
	}, []string{"watcher"})
)

func init() {
	prometheus.MustRegister(feedHeight, submitted)
}

// Submitter accepts transactions for processing. *pipeline.Processor
// implements it.
type Submitter interface {
	Submit(ctx context.Context, tx *chain.Transaction) error
}

// Config for the ledger watcher
type Config struct {
	Name         string
	PollInterval time.Duration
	BatchSize    int
	StartHeight  uint64 // used only when no cursor is stored
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Name:         "ledger",
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	}
}

// Watcher polls a chain.Feed on a ticker.
type Watcher struct {
	feed    chain.Feed
	cursors CursorStore
	sink    Submitter
	config  Config
	ticker  ticker.Ticker
	logger  *slog.Logger

	mu     sync.Mutex
	cursor uint64

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a watcher. Call Start to begin polling.
func New(cfg Config, feed chain.Feed, cursors CursorStore, sink Submitter, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		feed:    feed,
		cursors: cursors,
		sink:    sink,
		config:  cfg,
		ticker:  ticker.New(cfg.PollInterval),
		logger:  logger.With("component", "watcher", "watcher", cfg.Name),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// WithTicker replaces the poll ticker. Tests pass a ticker.Force.
func (w *Watcher) WithTicker(t ticker.Ticker) *Watcher {
	w.ticker = t
	return w
}

// Cursor returns the last height handed to the sink.
func (w *Watcher) Cursor() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start loads the stored cursor and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	height, found, err := w.cursors.Load(ctx, w.config.Name)
	if err != nil {
		return fmt.Errorf("failed to load watcher cursor: %w", err)
	}
	if !found {
		height = w.config.StartHeight
	}
	w.mu.Lock()
	w.cursor = height
	w.mu.Unlock()
	feedHeight.WithLabelValues(w.config.Name).Set(float64(height))

	w.logger.Info("ledger watcher started", "height", height, "interval", w.config.PollInterval)

	w.ticker.Resume()
	w.running.Store(true)
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for an in-flight poll to finish.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)
	defer w.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.ticker.Ticks():
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Error("ledger poll failed", "error", err)
			}
		}
	}
}

// Poll drains the feed from the current cursor, submitting every
// transaction in order. The cursor is saved after each page and never moves
// past a transaction the sink refused.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for {
		txs, next, err := w.feed.TransactionsSince(ctx, w.cursor, w.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to read ledger feed: %w", err)
		}

		reached := w.cursor
		var submitErr error
		for _, tx := range txs {
			if submitErr = w.sink.Submit(ctx, tx); submitErr != nil {
				break
			}
			reached = tx.Height
			total++
			submitted.WithLabelValues(w.config.Name).Inc()
		}
		if submitErr == nil {
			reached = next
		}

		if reached != w.cursor {
			if err := w.cursors.Save(ctx, w.config.Name, reached); err != nil {
				return total, fmt.Errorf("failed to save watcher cursor: %w", err)
			}
			w.cursor = reached
			feedHeight.WithLabelValues(w.config.Name).Set(float64(reached))
		}
		if submitErr != nil {
			return total, fmt.Errorf("failed to submit transaction: %w", submitErr)
		}
		if len(txs) < w.config.BatchSize {
			if total > 0 {
				w.logger.Debug("ledger poll complete", "submitted", total, "height", w.cursor)
			}
			return total, nil
		}
	}
}
