package taint

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/testutil"
)

// randomGraph records a random DAG of coinbases and spends, marks some
// coinbases stolen, and returns every recorded transaction.
func randomGraph(rt *rapid.T, t *testing.T) (*Engine, []*chain.Transaction) {
	g := testutil.NewGraph(t)
	e := newEngine(g)
	ctx := context.Background()

	type utxo struct {
		op     chain.Outpoint
		amount int64
	}
	var unspent []utxo
	var txs []*chain.Transaction

	roots := rapid.IntRange(1, 4).Draw(rt, "roots")
	for i := 0; i < roots; i++ {
		amount := rapid.Int64Range(1, 1_000_000).Draw(rt, "rootAmount")
		cb := g.Coinbase(fmt.Sprintf("%p-cb%d", rt, i), pay("r", amount))
		txs = append(txs, cb)
		unspent = append(unspent, utxo{op: out(cb, 0), amount: amount})
		if rapid.Bool().Draw(rt, "stolen") {
			if _, err := e.MarkStolen(ctx, cb.Hash, "prop"); err != nil {
				rt.Fatalf("mark: %v", err)
			}
		}
	}

	steps := rapid.IntRange(0, 12).Draw(rt, "steps")
	for s := 0; s < steps && len(unspent) > 0; s++ {
		n := rapid.IntRange(1, min(3, len(unspent))).Draw(rt, "inputs")
		var ops []chain.Outpoint
		var total int64
		for k := 0; k < n; k++ {
			i := rapid.IntRange(0, len(unspent)-1).Draw(rt, "pick")
			ops = append(ops, unspent[i].op)
			total += unspent[i].amount
			unspent = append(unspent[:i], unspent[i+1:]...)
		}
		split := rapid.Int64Range(0, total).Draw(rt, "split")
		outs := []chain.Output{pay("a", split), pay("b", total-split)}
		tx := g.Spend(fmt.Sprintf("%p-tx%d", rt, s), ops, outs...)
		txs = append(txs, tx)
		for i, o := range outs {
			if o.Amount > 0 {
				unspent = append(unspent, utxo{op: out(tx, uint32(i)), amount: o.Amount})
			}
		}
	}
	return e, txs
}

func TestProperty_ScoresBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e, txs := randomGraph(rt, t)
		for _, tx := range txs {
			rec, err := e.TaintOf(context.Background(), tx.Hash)
			if err != nil {
				rt.Fatalf("TaintOf: %v", err)
			}
			if rec.Score < 0 || rec.Score > MaxScore {
				rt.Fatalf("score %d out of bounds", rec.Score)
			}
		}
	})
}

func TestProperty_Dilution(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := testutil.NewGraph(t)
		a := rapid.Int64Range(1, 1<<40).Draw(rt, "tainted")
		b := rapid.Int64Range(0, 1<<40).Draw(rt, "clean")
		stolen := g.Coinbase(fmt.Sprintf("%p-s", rt), pay("x", a))
		ops := from(out(stolen, 0))
		if b > 0 {
			clean := g.Coinbase(fmt.Sprintf("%p-c", rt), pay("x", b))
			ops = append(ops, out(clean, 0))
		}
		mix := g.Spend(fmt.Sprintf("%p-m", rt), ops, pay("y", a+b))

		e := newEngine(g)
		ctx := context.Background()
		if _, err := e.MarkStolen(ctx, stolen.Hash, "prop"); err != nil {
			rt.Fatal(err)
		}
		rec, err := e.TaintOf(ctx, mix.Hash)
		if err != nil {
			rt.Fatal(err)
		}
		// a*10000/(a+b) stays well inside int64 for a, b < 2^40.
		want := Score(a * int64(MaxScore) / (a + b))
		if rec.Score != want {
			rt.Fatalf("score %d, want %d", rec.Score, want)
		}
	})
}

func TestProperty_FanOutPreservesScore(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := testutil.NewGraph(t)
		ctx := context.Background()
		e := newEngine(g)

		taintedPart := rapid.Int64Range(1, 1_000_000).Draw(rt, "tainted")
		cleanPart := rapid.Int64Range(0, 1_000_000).Draw(rt, "clean")
		stolen := g.Coinbase(fmt.Sprintf("%p-s", rt), pay("x", taintedPart))
		ops := from(out(stolen, 0))
		if cleanPart > 0 {
			ops = append(ops, out(g.Coinbase(fmt.Sprintf("%p-c", rt), pay("x", cleanPart)), 0))
		}
		total := taintedPart + cleanPart
		if _, err := e.MarkStolen(ctx, stolen.Hash, "prop"); err != nil {
			rt.Fatal(err)
		}

		k := rapid.IntRange(1, 8).Draw(rt, "fanout")
		outs := make([]chain.Output, k)
		for i := range outs {
			outs[i] = pay(fmt.Sprintf("r%d", i), total/int64(k))
		}
		outs[k-1].Amount += total % int64(k)
		parent := g.Spend(fmt.Sprintf("%p-p", rt), ops, outs...)
		parentRec, err := e.TaintOf(ctx, parent.Hash)
		if err != nil {
			rt.Fatal(err)
		}

		for i := range outs {
			if outs[i].Amount == 0 {
				continue
			}
			child := g.Spend(fmt.Sprintf("%p-child%d", rt, i), from(out(parent, uint32(i))), pay("z", outs[i].Amount))
			rec, err := e.TaintOf(ctx, child.Hash)
			if err != nil {
				rt.Fatal(err)
			}
			if rec.Score != parentRec.Score {
				rt.Fatalf("child %d score %d, parent %d", i, rec.Score, parentRec.Score)
			}
		}
	})
}

func TestProperty_ReAggregationBoundedByMax(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := testutil.NewGraph(t)
		ctx := context.Background()
		e := newEngine(g)

		n := rapid.IntRange(2, 5).Draw(rt, "sources")
		var ops []chain.Outpoint
		var maxScore Score
		for i := 0; i < n; i++ {
			amount := rapid.Int64Range(1, 1_000_000).Draw(rt, "amount")
			cb := g.Coinbase(fmt.Sprintf("%p-cb%d", rt, i), pay("x", amount))
			if rapid.Bool().Draw(rt, "stolen") {
				if _, err := e.MarkStolen(ctx, cb.Hash, "prop"); err != nil {
					rt.Fatal(err)
				}
				maxScore = MaxScore
			}
			ops = append(ops, out(cb, 0))
		}
		agg := g.Spend(fmt.Sprintf("%p-agg", rt), ops, pay("y", 1))
		rec, err := e.TaintOf(ctx, agg.Hash)
		if err != nil {
			rt.Fatal(err)
		}
		if rec.Score > maxScore {
			rt.Fatalf("aggregate %d exceeds max source %d", rec.Score, maxScore)
		}
	})
}

func TestProperty_AddingCleanInputNeverIncreasesTaint(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := testutil.NewGraph(t)
		ctx := context.Background()
		e := newEngine(g)

		tainted := rapid.Int64Range(1, 1_000_000).Draw(rt, "tainted")
		clean := rapid.Int64Range(1, 1_000_000).Draw(rt, "clean")
		s1 := g.Coinbase(fmt.Sprintf("%p-s1", rt), pay("x", tainted))
		s2 := g.Coinbase(fmt.Sprintf("%p-s2", rt), pay("x", tainted))
		c := g.Coinbase(fmt.Sprintf("%p-c", rt), pay("x", clean))
		for _, s := range []*chain.Transaction{s1, s2} {
			if _, err := e.MarkStolen(ctx, s.Hash, "prop"); err != nil {
				rt.Fatal(err)
			}
		}

		alone := g.Spend(fmt.Sprintf("%p-alone", rt), from(out(s1, 0)), pay("y", tainted))
		diluted := g.Spend(fmt.Sprintf("%p-diluted", rt), from(out(s2, 0), out(c, 0)), pay("y", tainted+clean))

		a, err := e.TaintOf(ctx, alone.Hash)
		if err != nil {
			rt.Fatal(err)
		}
		d, err := e.TaintOf(ctx, diluted.Hash)
		if err != nil {
			rt.Fatal(err)
		}
		if d.Score > a.Score {
			rt.Fatalf("diluted %d > undiluted %d", d.Score, a.Score)
		}
	})
}
