package taint

import (
	"context"
	"fmt"

	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/traces"
)

// Horizon bounds a forward trace.
type Horizon struct {
	MaxHops  int
	MaxNodes int
	// Terminal, when set, marks addresses the trace never follows funds
	// past. Tainted outputs paying them are reported in Trace.Terminal
	// whether spent or not.
	Terminal func(address string) bool `json:"-"`
}

// DefaultHorizon is used when a caller passes a zero Horizon.
var DefaultHorizon = Horizon{MaxHops: 20, MaxNodes: 500}

// FlowNode is a transaction reached by a forward trace.
type FlowNode struct {
	TxHash string `json:"txHash"`
	Hops   int    `json:"hops"`
	Score  Score  `json:"score"`
}

// TaintedOutput is an unspent output carrying traced taint.
type TaintedOutput struct {
	Outpoint chain.Outpoint `json:"outpoint"`
	Address  string         `json:"address"`
	Amount   int64          `json:"amount"`
	Score    Score          `json:"score"`
	Hops     int            `json:"hops"`
}

// Recoverable is the portion of the output attributable to stolen funds.
func (o TaintedOutput) Recoverable() int64 {
	return Weight(o.Amount, o.Score)
}

// Trace is the result of following funds forward from a transaction.
type Trace struct {
	Root      string          `json:"root"`
	Nodes     []FlowNode      `json:"nodes"`
	Unspent   []TaintedOutput `json:"unspent"`
	Terminal  []TaintedOutput `json:"terminal,omitempty"`
	Truncated bool            `json:"truncated"`
}

// TraceForward walks spenders of root's outputs breadth-first. Each
// reached transaction is scored as the amount-weighted average of its
// inputs, taking traced scores for inputs inside the walk and stored taint
// for the rest, so a freshly marked origin is reflected downstream even if
// descendants were scored before the mark. Ledger errors abort the trace.
func (e *Engine) TraceForward(ctx context.Context, root string, h Horizon) (tr *Trace, err error) {
	if h.MaxHops <= 0 {
		h.MaxHops = DefaultHorizon.MaxHops
	}
	if h.MaxNodes <= 0 {
		h.MaxNodes = DefaultHorizon.MaxNodes
	}
	ctx, span := traces.StartSpan(ctx, "taint.trace_forward", traces.TxHash(root))
	defer func() { traces.End(span, err) }()

	rootRec, err := e.TaintOf(ctx, root)
	if err != nil {
		return nil, err
	}

	type item struct {
		hash string
		hops int
	}
	tr = &Trace{Root: root}
	scores := make(map[string]Score)
	queued := map[string]bool{root: true}
	queue := []item{{hash: root}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		tx, err := e.ledger.GetTransaction(ctx, cur.hash)
		if err != nil {
			return nil, fmt.Errorf("trace %s: %w", cur.hash, err)
		}

		score := rootRec.Score
		if cur.hash != root {
			score = e.flowScore(ctx, tx, scores)
		}
		scores[cur.hash] = score
		tr.Nodes = append(tr.Nodes, FlowNode{TxHash: cur.hash, Hops: cur.hops, Score: score})

		for i, out := range tx.Outputs {
			op := chain.Outpoint{TxHash: tx.Hash, Index: uint32(i)}
			if h.Terminal != nil && h.Terminal(out.Address) {
				if score > 0 && out.Amount > 0 {
					tr.Terminal = append(tr.Terminal, TaintedOutput{
						Outpoint: op, Address: out.Address, Amount: out.Amount, Score: score, Hops: cur.hops,
					})
				}
				continue
			}
			st, err := e.ledger.GetUTXOStatus(ctx, op)
			if err != nil {
				return nil, fmt.Errorf("trace %s: %w", op, err)
			}
			if !st.Spent {
				if score > 0 && out.Amount > 0 {
					tr.Unspent = append(tr.Unspent, TaintedOutput{
						Outpoint: op, Address: out.Address, Amount: out.Amount, Score: score, Hops: cur.hops,
					})
				}
				continue
			}
			if st.SpentBy == "" || queued[st.SpentBy] {
				continue
			}
			if cur.hops+1 > h.MaxHops || len(queued) >= h.MaxNodes {
				tr.Truncated = true
				continue
			}
			queued[st.SpentBy] = true
			queue = append(queue, item{hash: st.SpentBy, hops: cur.hops + 1})
		}
	}
	return tr, nil
}

func (e *Engine) flowScore(ctx context.Context, tx *chain.Transaction, traced map[string]Score) Score {
	var sum weightedSum
	for _, in := range tx.Inputs {
		if in.Amount <= 0 {
			continue
		}
		s, ok := traced[in.PrevTxHash]
		if !ok {
			if rec, err := e.TaintOf(ctx, in.PrevTxHash); err == nil {
				s = rec.Score
			}
		}
		sum.add(in.Amount, s)
	}
	return sum.score()
}
