package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
)

// Dormancy flags tainted outputs that sat untouched for longer than the
// dormancy period and are now being moved.
type Dormancy struct {
	cfg    Config
	ledger chain.Ledger
	taint  TaintSource
}

func (d *Dormancy) Name() string { return NameDormancy }

func (d *Dormancy) Detect(ctx context.Context, s Subject) ([]*alerts.Alert, error) {
	for _, in := range s.Tx.Inputs {
		src, err := d.ledger.GetTransaction(ctx, in.PrevTxHash)
		if chain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		idle := s.Tx.Timestamp.Sub(src.Timestamp)
		if idle <= d.cfg.DormancyPeriod {
			continue
		}
		rec, err := d.taint.TaintOf(ctx, src.Hash)
		if err != nil {
			return nil, err
		}
		if rec.Score <= d.cfg.TaintThreshold {
			continue
		}

		address := ""
		if int(in.OutputIndex) < len(src.Outputs) {
			address = src.Outputs[in.OutputIndex].Address
		}
		return []*alerts.Alert{newAlert(NameDormancy, alerts.SeverityMedium, s, address,
			fmt.Sprintf("tainted output dormant for %s reactivated", idle.Round(time.Second)),
			map[string]interface{}{
				"source":      src.Hash,
				"idleSeconds": int64(idle.Seconds()),
				"sourceScore": int64(rec.Score),
			},
		)}, nil
	}
	return nil, nil
}
