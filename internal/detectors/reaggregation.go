package detectors

import (
	"context"
	"fmt"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
)

// ReAggregation flags a highly tainted transaction that gathers outputs of
// several tainted fan-out transactions back together.
type ReAggregation struct {
	cfg    Config
	ledger chain.Ledger
	taint  TaintSource
}

func (d *ReAggregation) Name() string { return NameReAggregation }

func (d *ReAggregation) Detect(ctx context.Context, s Subject) ([]*alerts.Alert, error) {
	if s.Taint.Score <= d.cfg.ReAggTheta || len(s.Tx.Inputs) < d.cfg.ReAggMinSources {
		return nil, nil
	}

	fanOut := make(map[string]bool)
	var sources []string
	matched := 0
	seen := make(map[chain.Outpoint]bool)
	for _, in := range s.Tx.Inputs {
		op := chain.Outpoint{TxHash: in.PrevTxHash, Index: in.OutputIndex}
		if seen[op] {
			continue
		}
		seen[op] = true

		isFan, ok := fanOut[in.PrevTxHash]
		if !ok {
			var err error
			isFan, err = d.isTaintedFanOut(ctx, in.PrevTxHash)
			if err != nil {
				return nil, err
			}
			fanOut[in.PrevTxHash] = isFan
			if isFan {
				sources = append(sources, in.PrevTxHash)
			}
		}
		if isFan {
			matched++
		}
	}

	if matched < d.cfg.ReAggMinSources {
		return nil, nil
	}
	return []*alerts.Alert{newAlert(NameReAggregation, alerts.SeverityHigh, s, primaryRecipient(s.Tx),
		fmt.Sprintf("%d inputs re-aggregate tainted fan-out outputs", matched),
		map[string]interface{}{"inputs": matched, "fanOutSources": sources},
	)}, nil
}

func (d *ReAggregation) isTaintedFanOut(ctx context.Context, hash string) (bool, error) {
	src, err := d.ledger.GetTransaction(ctx, hash)
	if chain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !IsFanOut(src, d.cfg.FanOutK) {
		return false, nil
	}
	rec, err := d.taint.TaintOf(ctx, hash)
	if err != nil {
		return false, err
	}
	return rec.Score > d.cfg.TaintThreshold, nil
}
