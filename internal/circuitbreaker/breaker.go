// Package circuitbreaker guards calls to an unreliable dependency, tracking
// closed, open and half-open state separately for each key (for example one
// key per ledger RPC method).
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// State is the breaker state for one key.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a single probe is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taintguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker transitions by key and target state.",
}, []string{"key", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type keyState struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive failures. Once
// cooldown has passed the next Allow admits one probe; its outcome closes
// or reopens the key.
type Breaker struct {
	mu        sync.Mutex
	keys      map[string]*keyState
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	notify    func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		keys:      make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.NewDefaultClock(),
	}
}

// WithClock replaces the wall clock, mainly for tests.
func (b *Breaker) WithClock(c clock.Clock) *Breaker {
	b.mu.Lock()
	b.clock = c
	b.mu.Unlock()
	return b
}

// OnTransition registers a callback run synchronously, under the breaker
// lock, on every state change. It must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		return true
	}
	switch ks.state {
	case StateOpen:
		if b.clock.Now().Sub(ks.openedAt) < b.cooldown {
			return false
		}
		b.setState(key, ks, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		return
	}
	ks.failures = 0
	b.setState(key, ks, StateClosed)
}

func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{}
		b.keys[key] = ks
	}
	ks.failures++
	if ks.state == StateHalfOpen || ks.failures >= b.threshold {
		ks.openedAt = b.clock.Now()
		b.setState(key, ks, StateOpen)
	}
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ks, ok := b.keys[key]; ok {
		return ks.state
	}
	return StateClosed
}

func (b *Breaker) setState(key string, ks *keyState, to State) {
	from := ks.state
	if from == to {
		return
	}
	ks.state = to
	transitions.WithLabelValues(key, to.String()).Inc()
	if b.notify != nil {
		b.notify(key, from, to)
	}
}
