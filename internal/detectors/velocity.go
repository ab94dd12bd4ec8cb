package detectors

import (
	"context"
	"fmt"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
)

// Velocity flags tainted funds moving through several transactions in
// quick succession. It walks back along dominant sources and counts
// consecutive hops that were each faster than the window and tainted above
// the threshold.
type Velocity struct {
	cfg    Config
	ledger chain.Ledger
	taint  TaintSource
}

func (d *Velocity) Name() string { return NameVelocity }

func (d *Velocity) Detect(ctx context.Context, s Subject) ([]*alerts.Alert, error) {
	if s.Taint.Score <= d.cfg.TaintThreshold || d.cfg.VelocityHops <= 0 {
		return nil, nil
	}

	cur, rec := s.Tx, s.Taint
	var path []string
	var intervals []string
	for len(path) < d.cfg.VelocityHops && rec.Parent != "" {
		parentTx, err := d.ledger.GetTransaction(ctx, rec.Parent)
		if err != nil {
			if chain.IsNotFound(err) {
				break
			}
			return nil, err
		}
		gap := cur.Timestamp.Sub(parentTx.Timestamp)
		if gap < 0 || gap >= d.cfg.VelocityWindow {
			break
		}
		parentRec, err := d.taint.TaintOf(ctx, parentTx.Hash)
		if err != nil {
			return nil, err
		}
		if parentRec.Score <= d.cfg.TaintThreshold {
			break
		}
		path = append(path, parentTx.Hash)
		intervals = append(intervals, gap.String())
		cur, rec = parentTx, parentRec
	}

	if len(path) < d.cfg.VelocityHops {
		return nil, nil
	}
	return []*alerts.Alert{newAlert(NameVelocity, alerts.SeverityHigh, s, spender(ctx, d.ledger, s.Tx),
		fmt.Sprintf("tainted funds moved %d hops within %s each", len(path), d.cfg.VelocityWindow),
		map[string]interface{}{"hops": len(path), "path": path, "intervals": intervals},
	)}, nil
}
