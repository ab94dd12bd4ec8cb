// Package webhooks delivers alert bus events to external HTTP endpoints.
//
// Every delivery is a JSON POST of the bus event, signed with HMAC-SHA256
// over "<timestamp>.<body>" using the subscription secret. Receivers check
// the signature with Verify.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/metrics"
	"github.com/mbd888/taintguard/internal/retry"
)

const (
	HeaderEvent     = "X-Taintguard-Event"
	HeaderDelivery  = "X-Taintguard-Delivery"
	HeaderTimestamp = "X-Taintguard-Timestamp"
	HeaderSignature = "X-Taintguard-Signature"
)

// MaxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

var ErrNotFound = errors.New("webhook not found")

// Subscription is a registered endpoint. An empty Events list receives
// every event type.
type Subscription struct {
	ID                  string             `json:"id"`
	URL                 string             `json:"url"`
	Secret              string             `json:"-"`
	Events              []alerts.EventType `json:"events"`
	Active              bool               `json:"active"`
	CreatedBy           string             `json:"createdBy,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	LastSuccess         *time.Time         `json:"lastSuccess,omitempty"`
	LastError           string             `json:"lastError,omitempty"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t alerts.EventType) bool {
	return s.Active && (len(s.Events) == 0 || slices.Contains(s.Events, t))
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher is an alerts.Sink that posts events to every matching
// subscription.
type Dispatcher struct {
	store  Store
	client *http.Client
	policy retry.Policy
	clock  clock.Clock
	logger *slog.Logger
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		clock:  clock.NewDefaultClock(),
		logger: logger,
	}
}

// WithClient replaces the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithRetry replaces the per-delivery retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithClock sets the clock used for timestamps.
func (d *Dispatcher) WithClock(c clock.Clock) *Dispatcher {
	d.clock = c
	return d
}

// Name implements alerts.Sink.
func (d *Dispatcher) Name() string { return "webhooks" }

// Deliver implements alerts.Sink. Subscriptions are posted concurrently;
// the first failure is returned after all have finished.
func (d *Dispatcher) Deliver(ctx context.Context, ev alerts.Event) error {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list webhooks: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, sub := range subs {
		if !sub.Wants(ev.Type) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := d.deliverOne(ctx, sub, ev, payload); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return firstErr
}

func (d *Dispatcher) deliverOne(ctx context.Context, sub *Subscription, ev alerts.Event, payload []byte) error {
	err := d.policy.Do(ctx, func() error { return d.post(ctx, sub, ev, payload) })
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.recordFailure(ctx, sub, err)
		return fmt.Errorf("webhook %s: %w", sub.ID, err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.recordSuccess(ctx, sub)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, ev alerts.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	ts := strconv.FormatInt(d.clock.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "taintguard-webhooks/1")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := d.clock.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "webhook", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, cause error) {
	sub.LastError = cause.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook disabled after repeated failures",
			"webhook", sub.ID, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "webhook", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func copySub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return copySub(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) list(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if keep(sub) {
			out = append(out, copySub(sub))
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	return m.list(func(*Subscription) bool { return true }), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Subscription, error) {
	return m.list(func(s *Subscription) bool { return s.Active }), nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
