package detectors

import (
	"context"
	"fmt"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
)

// FanOut flags tainted transactions that split value across many distinct
// recipients.
type FanOut struct {
	cfg    Config
	ledger chain.Ledger
}

func (d *FanOut) Name() string { return NameFanOut }

// IsFanOut reports whether tx pays more than k distinct addresses.
func IsFanOut(tx *chain.Transaction, k int) bool {
	return len(tx.Recipients()) > k
}

func (d *FanOut) Detect(ctx context.Context, s Subject) ([]*alerts.Alert, error) {
	if s.Taint.Score <= d.cfg.TaintThreshold || !IsFanOut(s.Tx, d.cfg.FanOutK) {
		return nil, nil
	}
	n := len(s.Tx.Recipients())
	return []*alerts.Alert{newAlert(NameFanOut, alerts.SeverityMedium, s, spender(ctx, d.ledger, s.Tx),
		fmt.Sprintf("tainted funds split across %d recipients", n),
		map[string]interface{}{"recipients": n, "outputs": len(s.Tx.Outputs)},
	)}, nil
}
