package taint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/traces"
)

// DefaultMaxDepth bounds how far back TaintOf walks unscored ancestry.
const DefaultMaxDepth = 64

var (
	recordsComputed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "taint",
		Name:      "records_computed_total",
		Help:      "Taint records computed, by outcome (stored, provisional, rescored).",
	}, []string{"outcome"})

	malformedInputs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "taint",
		Name:      "malformed_inputs_total",
		Help:      "Inputs contributing zero taint because they could not be resolved.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(recordsComputed, malformedInputs)
}

// Engine computes and memoizes taint scores over the ledger's transaction
// graph.
type Engine struct {
	ledger   chain.Ledger
	store    Store
	flight   singleflight.Group
	clock    clock.Clock
	logger   *slog.Logger
	maxDepth int
	// reach bounds how far MarkStolen rewrites scored descendants.
	reach Horizon
}

// NewEngine creates a propagation engine.
func NewEngine(ledger chain.Ledger, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:   ledger,
		store:    store,
		clock:    clock.NewDefaultClock(),
		logger:   logger,
		maxDepth: DefaultMaxDepth,
		reach:    DefaultReach,
	}
}

// WithClock sets the clock used to stamp records.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	e.clock = c
	return e
}

// WithMaxDepth sets the resolution horizon. Sources further than depth hops
// from the requested transaction with no stored record count as untracked.
func (e *Engine) WithMaxDepth(depth int) *Engine {
	if depth > 0 {
		e.maxDepth = depth
	}
	return e
}

// WithReach bounds the descendants MarkStolen rewrites. Zero fields keep
// the default.
func (e *Engine) WithReach(h Horizon) *Engine {
	if h.MaxHops > 0 {
		e.reach.MaxHops = h.MaxHops
	}
	if h.MaxNodes > 0 {
		e.reach.MaxNodes = h.MaxNodes
	}
	return e
}

// Store exposes the underlying record store for read-only consumers.
func (e *Engine) Store() Store { return e.store }

// Ledger exposes the ledger the engine reads from.
func (e *Engine) Ledger() chain.Ledger { return e.ledger }

// TaintOf returns the taint record of txHash, computing and persisting it
// (and any unscored ancestors) on first request. Concurrent requests for the
// same hash share one computation.
func (e *Engine) TaintOf(ctx context.Context, txHash string) (*Record, error) {
	if rec, err := e.store.Get(ctx, txHash); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to read taint record: %w", err)
	}

	v, err, _ := e.flight.Do(txHash, func() (interface{}, error) {
		if rec, err := e.store.Get(ctx, txHash); err == nil {
			return rec, nil
		}
		return e.compute(ctx, txHash)
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*Record)
	return &cp, nil
}

// MarkStolen pins txHash as a taint origin at full score and rescores the
// already stored records of its descendants.
func (e *Engine) MarkStolen(ctx context.Context, txHash, by string) (*Record, error) {
	tx, err := e.ledger.GetTransaction(ctx, txHash)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		TxHash:     txHash,
		Score:      MaxScore,
		Origin:     true,
		MarkedBy:   by,
		ComputedAt: e.clock.Now(),
	}
	if err := e.store.MarkOrigin(ctx, rec); err != nil {
		return nil, err
	}
	e.logger.Info("transaction marked stolen", "tx", txHash, "by", by)

	n, truncated, err := e.propagate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to rescore descendants of %s: %w", txHash, err)
	}
	if n > 0 || truncated {
		e.logger.Info("descendants rescored", "tx", txHash, "rescored", n, "truncated", truncated)
	}
	return rec, nil
}

// frame is one transaction on the resolution stack. next is the index of
// the first input whose source has not been looked at yet.
type frame struct {
	tx    *chain.Transaction
	depth int
	next  int
}

// resolved is a source's contribution to its spenders.
type resolved struct {
	score       Score
	hops        int
	provisional bool
}

func (e *Engine) compute(ctx context.Context, txHash string) (rec *Record, err error) {
	ctx, span := traces.StartSpan(ctx, "taint.compute", traces.TxHash(txHash))
	defer func() { traces.End(span, err) }()

	root, err := e.ledger.GetTransaction(ctx, txHash)
	if err != nil {
		return nil, err
	}

	known := make(map[string]resolved)
	onStack := map[string]bool{root.Hash: true}
	stack := []*frame{{tx: root}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]

		if child := e.advance(ctx, top, known, onStack); child != nil {
			onStack[child.tx.Hash] = true
			stack = append(stack, child)
			continue
		}

		stack = stack[:len(stack)-1]
		delete(onStack, top.tx.Hash)

		r, err := e.finalize(ctx, top.tx, known, onStack)
		if err != nil {
			return nil, err
		}
		known[top.tx.Hash] = resolved{score: r.Score, hops: r.Hops, provisional: r.Provisional}
		rec = r
	}
	return rec, nil
}

// advance resolves the sources of top's inputs in order, from the store or
// by giving up on them, until it finds one that must be computed first; that
// one is returned as a new frame.
func (e *Engine) advance(ctx context.Context, top *frame, known map[string]resolved, onStack map[string]bool) *frame {
	for ; top.next < len(top.tx.Inputs); top.next++ {
		in := top.tx.Inputs[top.next]
		src := in.PrevTxHash
		if in.Amount <= 0 || onStack[src] {
			continue
		}
		if _, ok := known[src]; ok {
			continue
		}

		stored, err := e.store.Get(ctx, src)
		if err == nil {
			known[src] = resolved{score: stored.Score, hops: stored.Hops}
			continue
		}
		if !errors.Is(err, ErrRecordNotFound) {
			e.logger.Warn("taint store read failed", "tx", src, "error", err)
			known[src] = resolved{provisional: true}
			continue
		}

		if top.depth+1 > e.maxDepth {
			malformedInputs.WithLabelValues("horizon").Inc()
			known[src] = resolved{provisional: true}
			continue
		}

		tx, err := e.ledger.GetTransaction(ctx, src)
		switch {
		case err == nil:
			top.next++
			return &frame{tx: tx, depth: top.depth + 1}
		case chain.IsNotFound(err):
			e.invalid("missing_source", "tx", top.tx.Hash, "source", src)
			known[src] = resolved{}
		default:
			e.logger.Warn("ledger lookup failed, result will be provisional", "tx", top.tx.Hash, "source", src, "error", err)
			known[src] = resolved{provisional: true}
		}
	}
	return nil
}

// finalize combines a transaction's resolved sources into its record and
// persists it unless provisional.
func (e *Engine) finalize(ctx context.Context, tx *chain.Transaction, known map[string]resolved, onStack map[string]bool) (*Record, error) {
	rec := e.combine(tx, known, onStack)
	if rec.Provisional {
		recordsComputed.WithLabelValues("provisional").Inc()
		return rec, nil
	}
	stored, _, err := e.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to store taint record: %w", err)
	}
	recordsComputed.WithLabelValues("stored").Inc()
	return stored, nil
}

func (e *Engine) combine(tx *chain.Transaction, known map[string]resolved, onStack map[string]bool) *Record {
	rec := &Record{TxHash: tx.Hash, ComputedAt: e.clock.Now()}

	var sum weightedSum
	var best int64 = -1
	for _, in := range tx.Inputs {
		if in.Amount <= 0 {
			e.invalid("non_positive_amount", "tx", tx.Hash, "source", in.PrevTxHash, "amount", in.Amount)
			continue
		}
		r, ok := known[in.PrevTxHash]
		if !ok {
			if onStack[in.PrevTxHash] || in.PrevTxHash == tx.Hash {
				e.invalid("cycle", "tx", tx.Hash, "source", in.PrevTxHash)
			}
		}
		sum.add(in.Amount, r.score)
		rec.Provisional = rec.Provisional || r.provisional

		if w := Weight(in.Amount, r.score); r.score > 0 && w > best {
			best = w
			rec.Parent = in.PrevTxHash
			rec.Hops = r.hops + 1
		}
	}
	if sum.empty() && !tx.IsCoinbase() {
		e.invalid("zero_total_input", "tx", tx.Hash)
	}
	rec.Score = sum.score()
	if rec.Score == 0 {
		rec.Parent, rec.Hops = "", 0
	}
	return rec
}

func (e *Engine) invalid(reason string, attrs ...any) {
	malformedInputs.WithLabelValues(reason).Inc()
	err := faults.Validation(reason, "malformed transaction graph: %s", reason)
	e.logger.Warn("taint input ignored", append(attrs, "error", err)...)
}
