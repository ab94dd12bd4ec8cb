package detectors

import (
	"context"
	"fmt"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/cleanzone"
)

// CleanZoneEntry raises a critical alert when tainted funds are paid into a
// registered clean zone, the last point at which they can still be frozen.
type CleanZoneEntry struct {
	cfg    Config
	ledger chain.Ledger
	zones  cleanzone.Registry
}

func (d *CleanZoneEntry) Name() string { return NameCleanZoneEntry }

func (d *CleanZoneEntry) Detect(ctx context.Context, s Subject) ([]*alerts.Alert, error) {
	if d.zones == nil || s.Taint.Score <= d.cfg.TaintThreshold {
		return nil, nil
	}

	var entered []map[string]interface{}
	var amount int64
	seen := make(map[string]bool)
	for _, o := range s.Tx.Outputs {
		z, ok := d.zones.Lookup(o.Address)
		if !ok {
			continue
		}
		amount += o.Amount
		if seen[o.Address] {
			continue
		}
		seen[o.Address] = true
		entered = append(entered, map[string]interface{}{"address": z.Address, "kind": string(z.Kind), "label": z.Label})
	}
	if len(entered) == 0 {
		return nil, nil
	}

	return []*alerts.Alert{newAlert(NameCleanZoneEntry, alerts.SeverityCritical, s, spender(ctx, d.ledger, s.Tx),
		fmt.Sprintf("tainted funds entered %d clean zone(s)", len(entered)),
		map[string]interface{}{"zones": entered, "amount": amount},
	)}, nil
}
