package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/faults"
	"github.com/mbd888/taintguard/internal/gxc"
	"github.com/mbd888/taintguard/internal/idgen"
	"github.com/mbd888/taintguard/internal/validation"
)

const (
	DefaultFeeShareBps    = 1500 // 15% of every transaction fee
	DefaultReversalFeeBps = 20   // 0.2% of every recovered amount
	DefaultLowBalance     = gxc.Coin

	defaultManualNote = "Manual funding (legacy/emergency)"
)

var (
	poolBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taintguard",
		Subsystem: "pool",
		Name:      "balance_units",
		Help:      "Current system pool balance in base units.",
	})

	poolEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "pool",
		Name:      "entries_total",
		Help:      "Pool entries applied, by kind and source.",
	}, []string{"kind", "source"})
)

func init() {
	prometheus.MustRegister(poolBalance, poolEntries)
}

// Config holds pool parameters.
type Config struct {
	Address        string
	FeeShareBps    int64
	ReversalFeeBps int64
	LowBalance     int64
}

func DefaultConfig() Config {
	return Config{
		FeeShareBps:    DefaultFeeShareBps,
		ReversalFeeBps: DefaultReversalFeeBps,
		LowBalance:     DefaultLowBalance,
	}
}

// Publisher receives pool events. *alerts.Bus implements it.
type Publisher interface {
	Publish(typ alerts.EventType, data interface{})
}

// Stats summarizes the pool.
type Stats struct {
	PoolAddress          string                 `json:"pool_address"`
	CurrentBalance       int64                  `json:"current_balance"`
	TotalFunded          int64                  `json:"total_funded"`
	TotalSpent           int64                  `json:"total_spent"`
	TotalReversals       int                    `json:"total_reversals"`
	AverageFee           int64                  `json:"average_fee"`
	IsBalanceLow         bool                   `json:"is_balance_low"`
	FundingCount         int                    `json:"funding_count"`
	LastFundingAmount    int64                  `json:"last_funding_amount"`
	LastFundingTimestamp *time.Time             `json:"last_funding_timestamp,omitempty"`
	BySource             map[Source]SourceTotal `json:"by_source"`
}

// Pool is the fee-funded escrow that pays reversals.
type Pool struct {
	store     Store
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	publisher Publisher

	// mu orders Apply calls within the process; the store still checks
	// the balance itself.
	mu sync.Mutex
}

func NewPool(store Store, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LowBalance <= 0 {
		cfg.LowBalance = DefaultLowBalance
	}
	return &Pool{
		store:  store,
		cfg:    cfg,
		clock:  clock.NewDefaultClock(),
		logger: logger,
	}
}

func (p *Pool) WithClock(c clock.Clock) *Pool {
	p.clock = c
	return p
}

func (p *Pool) WithPublisher(pub Publisher) *Pool {
	p.publisher = pub
	return p
}

// Address returns the configured pool address.
func (p *Pool) Address() string { return p.cfg.Address }

// ReversalFee returns the execution fee charged on a recovered amount.
func (p *Pool) ReversalFee(amount int64) int64 {
	return gxc.ApplyBps(amount, p.cfg.ReversalFeeBps)
}

// CreditTxFee moves the pool's share of a confirmed transaction's fee into
// the pool. It is idempotent per transaction: a repeated call returns
// (nil, nil).
func (p *Pool) CreditTxFee(ctx context.Context, txHash string, fee int64) (*Entry, error) {
	share := gxc.ApplyBps(fee, p.cfg.FeeShareBps)
	if share <= 0 {
		return nil, nil
	}
	e, err := p.apply(ctx, &Entry{
		Kind:      KindFunding,
		Source:    SourceTxFeeSplit,
		Amount:    share,
		Reference: txHash,
		Note:      fmt.Sprintf("%d bps of fee %s", p.cfg.FeeShareBps, gxc.Format(fee)),
	})
	if errors.Is(err, ErrDuplicateEntry) {
		return nil, nil
	}
	return e, err
}

// RecordFunding records a manual top-up.
func (p *Pool) RecordFunding(ctx context.Context, from string, amount int64, reference, note string) (*Entry, error) {
	if errs := validation.Validate(
		validation.ValidAddress("from", from),
		validation.PositiveUnits("amount", amount),
		validation.MaxLength("reference", reference, 128),
	); len(errs) > 0 {
		return nil, faults.Validation("invalid_funding", "%s", errs.Error())
	}
	note = validation.SanitizeString(note, validation.MaxStringLength)
	if note == "" {
		note = defaultManualNote
	}
	return p.apply(ctx, &Entry{
		Kind:      KindFunding,
		Source:    SourceManual,
		From:      from,
		Amount:    amount,
		Reference: reference,
		Note:      note,
	})
}

// CreditReversalFee credits the execution fee of a completed reversal.
func (p *Pool) CreditReversalFee(ctx context.Context, reference string, recovered int64) (*Entry, error) {
	fee := p.ReversalFee(recovered)
	if fee <= 0 {
		return nil, nil
	}
	e, err := p.apply(ctx, &Entry{
		Kind:      KindFunding,
		Source:    SourceReversalFee,
		Amount:    fee,
		Reference: reference,
		Note:      fmt.Sprintf("reversal execution fee on %s", gxc.Format(recovered)),
	})
	if errors.Is(err, ErrDuplicateEntry) {
		return nil, nil
	}
	return e, err
}

// Debit pays amount out of the pool for a reversal. It fails with
// faults.ErrInsufficientPoolFunds and changes nothing if the balance is
// too low.
func (p *Pool) Debit(ctx context.Context, amount int64, reference, note string) (*Entry, error) {
	if amount <= 0 {
		return nil, faults.Validation("invalid_amount", "debit amount must be positive")
	}
	return p.apply(ctx, &Entry{
		Kind:      KindSpending,
		Source:    SourceReversal,
		Amount:    amount,
		Reference: reference,
		Note:      note,
	})
}

// Refund returns a debited amount after a failed reversal.
func (p *Pool) Refund(ctx context.Context, reference string, amount int64, note string) (*Entry, error) {
	if amount <= 0 {
		return nil, faults.Validation("invalid_amount", "refund amount must be positive")
	}
	return p.apply(ctx, &Entry{
		Kind:      KindFunding,
		Source:    SourceRefund,
		Amount:    amount,
		Reference: reference,
		Note:      note,
	})
}

func (p *Pool) Balance(ctx context.Context) (int64, error) {
	return p.store.Balance(ctx)
}

// FundingHistory returns funding entries, newest first.
func (p *Pool) FundingHistory(ctx context.Context, limit int) ([]*Entry, error) {
	return p.store.List(ctx, KindFunding, limit)
}

// SpendingHistory returns spending entries, newest first.
func (p *Pool) SpendingHistory(ctx context.Context, limit int) ([]*Entry, error) {
	return p.store.List(ctx, KindSpending, limit)
}

// Stats summarizes the pool. Refunded reversals are not counted.
func (p *Pool) Stats(ctx context.Context) (*Stats, error) {
	t, err := p.store.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to total pool entries: %w", err)
	}
	bal, err := p.store.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool balance: %w", err)
	}
	reversals := max(t.BySource[SourceReversal].Count-t.BySource[SourceRefund].Count, 0)
	s := &Stats{
		PoolAddress:    p.cfg.Address,
		CurrentBalance: bal,
		TotalFunded:    t.Funded,
		TotalSpent:     t.Spent,
		TotalReversals: reversals,
		IsBalanceLow:   bal < p.cfg.LowBalance,
		FundingCount:   t.FundingCount,
		BySource:       t.BySource,
	}
	// Fees are only credited after an executed reversal, so refunded
	// debits never reach this average.
	if fees := t.BySource[SourceReversalFee]; fees.Count > 0 {
		s.AverageFee = fees.Amount / int64(fees.Count)
	}
	if t.LastFunding != nil {
		s.LastFundingAmount = t.LastFunding.Amount
		ts := t.LastFunding.CreatedAt
		s.LastFundingTimestamp = &ts
	}
	return s, nil
}

func (p *Pool) apply(ctx context.Context, e *Entry) (*Entry, error) {
	e.ID = idgen.WithPrefix("pool_")
	e.CreatedAt = p.clock.Now()

	p.mu.Lock()
	err := p.store.Apply(ctx, e)
	p.mu.Unlock()
	if err != nil {
		if errors.Is(err, faults.ErrInsufficientPoolFunds) {
			p.logger.Warn("pool debit refused", "amount", e.Amount, "reference", e.Reference, "error", err)
		}
		return nil, err
	}

	poolBalance.Set(float64(e.BalanceAfter))
	poolEntries.WithLabelValues(string(e.Kind), string(e.Source)).Inc()
	p.logger.Info("pool entry applied",
		"kind", e.Kind, "source", e.Source, "amount", gxc.Format(e.Amount),
		"reference", e.Reference, "balance", gxc.Format(e.BalanceAfter))

	if e.Kind == KindSpending && e.BalanceAfter < p.cfg.LowBalance && p.publisher != nil {
		p.publisher.Publish(alerts.EventPoolLowBalance, map[string]interface{}{
			"balance":   e.BalanceAfter,
			"threshold": p.cfg.LowBalance,
			"reference": e.Reference,
		})
	}
	return e, nil
}
