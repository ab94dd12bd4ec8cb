package taint

import (
	"context"
	"errors"

	"github.com/mbd888/taintguard/internal/chain"
)

// DefaultReach bounds the rescoring walk that follows MarkStolen.
var DefaultReach = Horizon{MaxHops: DefaultMaxDepth, MaxNodes: 10_000}

// propagate walks spenders of root breadth-first and rescores every stored,
// non-origin record it meets from its inputs' current records. A spender is
// only expanded when its record changed, so unaffected branches stop early.
// Unstored descendants are left alone; TaintOf computes them from the
// rescored ancestors when first asked.
func (e *Engine) propagate(ctx context.Context, root *chain.Transaction) (rescored int, truncated bool, err error) {
	type item struct {
		hash string
		hops int
	}
	pending := make(map[string]bool)
	var queue []item

	expand := func(tx *chain.Transaction, hops int) error {
		next, err := e.spenders(ctx, tx)
		if err != nil {
			return err
		}
		for _, h := range next {
			if pending[h] {
				continue
			}
			if hops+1 > e.reach.MaxHops {
				truncated = true
				continue
			}
			pending[h] = true
			queue = append(queue, item{hash: h, hops: hops + 1})
		}
		return nil
	}
	if err := expand(root, 0); err != nil {
		return 0, false, err
	}

	visited := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return rescored, truncated, err
		}
		cur := queue[0]
		queue = queue[1:]
		delete(pending, cur.hash)

		if visited++; visited > e.reach.MaxNodes {
			truncated = true
			break
		}

		old, err := e.store.Get(ctx, cur.hash)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return rescored, truncated, err
		}
		if old.Origin {
			continue
		}
		tx, err := e.ledger.GetTransaction(ctx, cur.hash)
		if err != nil {
			return rescored, truncated, err
		}

		rec := e.rescore(ctx, tx)
		if rec.Provisional {
			e.logger.Warn("descendant left unchanged, sources unavailable", "tx", cur.hash)
			continue
		}
		if rec.Score == old.Score && rec.Parent == old.Parent && rec.Hops == old.Hops {
			continue
		}
		ok, err := e.store.Rescore(ctx, rec)
		if err != nil {
			return rescored, truncated, err
		}
		if !ok {
			continue
		}
		rescored++
		recordsComputed.WithLabelValues("rescored").Inc()

		if err := expand(tx, cur.hops); err != nil {
			return rescored, truncated, err
		}
	}
	return rescored, truncated, nil
}

// rescore recomputes tx from its sources' current records.
func (e *Engine) rescore(ctx context.Context, tx *chain.Transaction) *Record {
	known := make(map[string]resolved, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, ok := known[in.PrevTxHash]; ok || in.Amount <= 0 {
			continue
		}
		src, err := e.TaintOf(ctx, in.PrevTxHash)
		switch {
		case err == nil:
			known[in.PrevTxHash] = resolved{score: src.Score, hops: src.Hops, provisional: src.Provisional}
		case chain.IsNotFound(err):
			known[in.PrevTxHash] = resolved{}
		default:
			known[in.PrevTxHash] = resolved{provisional: true}
		}
	}
	return e.combine(tx, known, nil)
}

// spenders returns the hashes of the transactions spending tx's outputs, in
// output order and without repeats.
func (e *Engine) spenders(ctx context.Context, tx *chain.Transaction) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for i := range tx.Outputs {
		st, err := e.ledger.GetUTXOStatus(ctx, chain.Outpoint{TxHash: tx.Hash, Index: uint32(i)})
		if err != nil {
			return nil, err
		}
		if st.Spent && st.SpentBy != "" && !seen[st.SpentBy] {
			seen[st.SpentBy] = true
			out = append(out, st.SpentBy)
		}
	}
	return out, nil
}
