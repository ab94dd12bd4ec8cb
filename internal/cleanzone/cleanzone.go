// Package cleanzone tracks addresses whose owners can freeze or return
// funds on request: exchanges, staking pools, merchants and validators.
// Tainted funds entering one of them raise a critical alert, and outputs
// already held there are not recoverable by reversal.
package cleanzone

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind classifies a clean zone.
type Kind string

const (
	KindExchange    Kind = "EXCHANGE"
	KindStakingPool Kind = "STAKING_POOL"
	KindMerchant    Kind = "MERCHANT"
	KindValidator   Kind = "VALIDATOR"
)

func (k Kind) valid() bool {
	switch k {
	case KindExchange, KindStakingPool, KindMerchant, KindValidator:
		return true
	}
	return false
}

// Zone is a registered clean-zone address.
type Zone struct {
	Address string `json:"address"`
	Kind    Kind   `json:"kind"`
	Label   string `json:"label,omitempty"`
}

// Registry answers clean-zone membership.
type Registry interface {
	IsCleanZone(address string) bool
	Lookup(address string) (Zone, bool)
}

// StaticRegistry is an in-memory registry, safe for concurrent use.
type StaticRegistry struct {
	mu    sync.RWMutex
	zones map[string]Zone
}

func NewStaticRegistry(zones ...Zone) *StaticRegistry {
	r := &StaticRegistry{zones: make(map[string]Zone, len(zones))}
	for _, z := range zones {
		r.zones[z.Address] = z
	}
	return r
}

// Parse builds a registry from "addr=KIND[:label],addr2=KIND" entries.
// A bare address defaults to EXCHANGE.
func Parse(raw string) (*StaticRegistry, error) {
	r := NewStaticRegistry()
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr, rest, _ := strings.Cut(entry, "=")
		z := Zone{Address: strings.TrimSpace(addr), Kind: KindExchange}
		if rest != "" {
			kind, label, _ := strings.Cut(rest, ":")
			z.Kind = Kind(strings.ToUpper(strings.TrimSpace(kind)))
			z.Label = strings.TrimSpace(label)
		}
		if err := r.Add(z); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers or replaces a zone.
func (r *StaticRegistry) Add(z Zone) error {
	if z.Address == "" {
		return fmt.Errorf("clean zone address is required")
	}
	if !z.Kind.valid() {
		return fmt.Errorf("unknown clean zone kind %q", z.Kind)
	}
	r.mu.Lock()
	r.zones[z.Address] = z
	r.mu.Unlock()
	return nil
}

// Remove unregisters address. It reports whether it was registered.
func (r *StaticRegistry) Remove(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.zones[address]
	delete(r.zones, address)
	return ok
}

func (r *StaticRegistry) IsCleanZone(address string) bool {
	_, ok := r.Lookup(address)
	return ok
}

func (r *StaticRegistry) Lookup(address string) (Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.zones[address]
	return z, ok
}

// List returns all zones ordered by address.
func (r *StaticRegistry) List() []Zone {
	r.mu.RLock()
	out := make([]Zone, 0, len(r.zones))
	for _, z := range r.zones {
		out = append(out, z)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
