package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/taintguard/internal/idgen"
)

// EventType names a bus event.
type EventType string

const (
	EventAlertRaised         EventType = "alert.raised"
	EventAddressFlagged      EventType = "address.flagged"
	EventReportSubmitted     EventType = "report.submitted"
	EventReportFactsApproved EventType = "report.facts_approved"
	EventReportFactsRejected EventType = "report.facts_rejected"
	EventReportWithdrawn     EventType = "report.withdrawn"
	EventReversalExecuted    EventType = "reversal.executed"
	EventReversalInfeasible  EventType = "reversal.infeasible"
	EventPoolLowBalance      EventType = "pool.low_balance"
)

// Event is what sinks receive.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Sink receives bus events. Deliver is called from a single dispatch
// goroutine; slow sinks delay the others.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

var (
	alertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "alerts",
		Name:      "raised_total",
		Help:      "Alerts persisted, by detector and severity.",
	}, []string{"detector", "severity"})

	sinkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taintguard",
		Subsystem: "alerts",
		Name:      "sink_failures_total",
		Help:      "Event deliveries that failed, by sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(alertsRaised, sinkFailures)
}

const sinkTimeout = 30 * time.Second

// Bus persists alerts synchronously and delivers events to sinks through an
// unbounded queue, so a slow sink never blocks detection.
type Bus struct {
	store  Store
	logger *slog.Logger
	clock  clock.Clock

	mu    sync.RWMutex
	sinks []Sink

	q       *queue.ConcurrentQueue
	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewBus(store Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:  store,
		logger: logger,
		clock:  clock.NewDefaultClock(),
		q:      queue.NewConcurrentQueue(256),
		quit:   make(chan struct{}),
	}
}

// WithClock sets the clock used to stamp alerts and events.
func (b *Bus) WithClock(c clock.Clock) *Bus {
	b.clock = c
	return b
}

// Store returns the underlying alert store.
func (b *Bus) Store() Store { return b.store }

// AddSink registers a sink. Sinks added after Start receive later events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Start begins dispatching events.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.q.Start()
	b.wg.Add(1)
	go b.dispatch()
}

// Stop halts dispatch. Queued events not yet delivered are dropped, and a
// stopped bus cannot be restarted.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.mu.Unlock()

	close(b.quit)
	b.wg.Wait()
	b.q.Stop()
}

// Raise persists alerts and publishes one event per alert. Addresses named
// by a critical alert are flagged. Persistence errors are returned; the
// remaining alerts are still attempted.
func (b *Bus) Raise(ctx context.Context, raised ...*Alert) error {
	var firstErr error
	for _, a := range raised {
		if a.ID == "" {
			a.ID = idgen.WithPrefix("alrt_")
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = b.clock.Now()
		}
		if err := b.store.Append(ctx, a); err != nil {
			b.logger.Error("CRITICAL: failed to persist alert", "alert", a.ID, "tx", a.TxHash, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("persist alert %s: %w", a.ID, err)
			}
			continue
		}
		alertsRaised.WithLabelValues(a.Detector, string(a.Severity)).Inc()
		b.logger.Info("alert raised",
			"alert", a.ID, "detector", a.Detector, "severity", a.Severity, "tx", a.TxHash, "address", a.Address)
		b.Publish(EventAlertRaised, a)

		if a.Severity == SeverityCritical && a.Address != "" {
			if err := b.FlagAddress(ctx, a.Address, a.Description, a.Detector); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FlagAddress flags address and publishes an address.flagged event.
func (b *Bus) FlagAddress(ctx context.Context, address, reason, by string) error {
	f := &Flag{Address: address, Reason: reason, FlaggedBy: by, FlaggedAt: b.clock.Now()}
	if err := b.store.Flag(ctx, f); err != nil {
		return err
	}
	b.Publish(EventAddressFlagged, f)
	return nil
}

// UnflagAddress removes a flag. It reports whether one existed.
func (b *Bus) UnflagAddress(ctx context.Context, address string) (bool, error) {
	return b.store.Unflag(ctx, address)
}

// AddressStatus summarizes alerts and flags for address.
func (b *Bus) AddressStatus(ctx context.Context, address string) (*AddressStatus, error) {
	flagged, err := b.store.IsFlagged(ctx, address)
	if err != nil {
		return nil, err
	}
	total, critical, err := b.store.CountByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	return &AddressStatus{
		Address:        address,
		IsFlagged:      flagged,
		AlertCount:     total,
		CriticalAlerts: critical,
		ShouldFreeze:   critical >= FreezeThreshold,
	}, nil
}

// Publish enqueues an event for the sinks. It never blocks on sinks and is
// a no-op unless the bus is running.
func (b *Bus) Publish(typ EventType, data interface{}) {
	b.mu.RLock()
	running := b.started
	b.mu.RUnlock()
	if !running {
		return
	}
	ev := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		Timestamp: b.clock.Now(),
		Data:      data,
	}
	select {
	case b.q.ChanIn() <- ev:
	case <-b.quit:
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			return
		case item := <-b.q.ChanOut():
			ev, ok := item.(Event)
			if !ok {
				continue
			}
			b.mu.RLock()
			sinks := append([]Sink(nil), b.sinks...)
			b.mu.RUnlock()
			for _, s := range sinks {
				b.deliver(s, ev)
			}
		}
	}
}

func (b *Bus) deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			sinkFailures.WithLabelValues(s.Name()).Inc()
			b.logger.Error("sink panicked", "sink", s.Name(), "event", ev.Type, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := s.Deliver(ctx, ev); err != nil {
		sinkFailures.WithLabelValues(s.Name()).Inc()
		b.logger.Warn("event delivery failed", "sink", s.Name(), "event", ev.Type, "error", err)
	}
}

// LogSink writes every event to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Deliver(_ context.Context, ev Event) error {
	l.Logger.Debug("bus event", "id", ev.ID, "type", ev.Type)
	return nil
}
