package detectors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/cleanzone"
	"github.com/mbd888/taintguard/internal/taint"
	"github.com/mbd888/taintguard/internal/testutil"
)

var (
	pay = testutil.Pay
	out = testutil.Out
)

func from(ops ...chain.Outpoint) []chain.Outpoint { return ops }

type fixture struct {
	t      *testing.T
	g      *testutil.Graph
	engine *taint.Engine
	zones  *cleanzone.StaticRegistry
	cfg    Config
}

func newFixture(t *testing.T) *fixture {
	g := testutil.NewGraph(t)
	return &fixture{
		t:      t,
		g:      g,
		engine: taint.NewEngine(g.Ledger, taint.NewMemoryStore(), nil),
		zones:  cleanzone.NewStaticRegistry(cleanzone.Zone{Address: "exchange-1", Kind: cleanzone.KindExchange, Label: "Big Exchange"}),
		cfg:    DefaultConfig(),
	}
}

func (f *fixture) deps() Deps {
	return Deps{Ledger: f.g.Ledger, Taint: f.engine, CleanZones: f.zones}
}

// stolen records a coinbase paying the outputs and marks it stolen.
func (f *fixture) stolen(name string, outs ...chain.Output) *chain.Transaction {
	tx := f.g.Coinbase(name, outs...)
	_, err := f.engine.MarkStolen(context.Background(), tx.Hash, "admin")
	require.NoError(f.t, err)
	return tx
}

func (f *fixture) subject(tx *chain.Transaction) Subject {
	rec, err := f.engine.TaintOf(context.Background(), tx.Hash)
	require.NoError(f.t, err)
	return Subject{Tx: tx, Taint: rec}
}

func (f *fixture) detect(d Detector, tx *chain.Transaction) []*alerts.Alert {
	found, err := d.Detect(context.Background(), f.subject(tx))
	require.NoError(f.t, err)
	return found
}

func recipients(n int, each int64) []chain.Output {
	outs := make([]chain.Output, n)
	for i := range outs {
		outs[i] = pay("mule-"+string(rune('a'+i)), each)
	}
	return outs
}

func TestVelocity_FiresAfterConsecutiveFastHops(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 1000))
	h1 := f.g.Spend("h1", from(out(cb, 0)), pay("a", 1000))
	h2 := f.g.Spend("h2", from(out(h1, 0)), pay("b", 1000))
	h3 := f.g.Spend("h3", from(out(h2, 0)), pay("c", 1000))

	d := &Velocity{cfg: f.cfg, ledger: f.g.Ledger, taint: f.engine}

	assert.Empty(t, f.detect(d, h2), "two hops are below K")

	found := f.detect(d, h3)
	require.Len(t, found, 1)
	a := found[0]
	assert.Equal(t, NameVelocity, a.Detector)
	assert.Equal(t, alerts.SeverityHigh, a.Severity)
	assert.Equal(t, h3.Hash, a.TxHash)
	assert.Equal(t, "b", a.Address)
	assert.Equal(t, 3, a.Evidence["hops"])
	assert.Equal(t, []string{h2.Hash, h1.Hash, cb.Hash}, a.Evidence["path"])
}

func TestVelocity_SlowHopBreaksChain(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 1000))
	h1 := f.g.Spend("h1", from(out(cb, 0)), pay("a", 1000))
	h2 := f.g.Spend("h2", from(out(h1, 0)), pay("b", 1000))
	f.g.Advance(10 * time.Minute)
	h3 := f.g.Spend("h3", from(out(h2, 0)), pay("c", 1000))

	d := &Velocity{cfg: f.cfg, ledger: f.g.Ledger, taint: f.engine}
	assert.Empty(t, f.detect(d, h3))
}

func TestVelocity_CleanFundsIgnored(t *testing.T) {
	f := newFixture(t)
	cb := f.g.Coinbase("mined", pay("miner", 1000))
	h1 := f.g.Spend("h1", from(out(cb, 0)), pay("a", 1000))
	h2 := f.g.Spend("h2", from(out(h1, 0)), pay("b", 1000))
	h3 := f.g.Spend("h3", from(out(h2, 0)), pay("c", 1000))

	d := &Velocity{cfg: f.cfg, ledger: f.g.Ledger, taint: f.engine}
	assert.Empty(t, f.detect(d, h3))
}

func TestFanOut(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 600), pay("thief", 500))
	split := f.g.Spend("split", from(out(cb, 0)), recipients(6, 100)...)
	five := f.g.Spend("five", from(out(cb, 1)), recipients(5, 100)...)

	d := &FanOut{cfg: f.cfg, ledger: f.g.Ledger}

	found := f.detect(d, split)
	require.Len(t, found, 1)
	assert.Equal(t, alerts.SeverityMedium, found[0].Severity)
	assert.Equal(t, "thief", found[0].Address)
	assert.Equal(t, 6, found[0].Evidence["recipients"])

	assert.Empty(t, f.detect(d, five), "exactly K recipients is not fan-out")
}

func TestFanOut_RepeatedRecipientCountsOnce(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 700))
	outs := append(recipients(5, 100), pay("mule-a", 200))
	tx := f.g.Spend("split", from(out(cb, 0)), outs...)

	d := &FanOut{cfg: f.cfg, ledger: f.g.Ledger}
	assert.Empty(t, f.detect(d, tx))
}

func TestFanOut_CleanFundsIgnored(t *testing.T) {
	f := newFixture(t)
	cb := f.g.Coinbase("payroll", pay("employer", 600))
	tx := f.g.Spend("salaries", from(out(cb, 0)), recipients(6, 100)...)

	d := &FanOut{cfg: f.cfg, ledger: f.g.Ledger}
	assert.Empty(t, f.detect(d, tx))
}

func TestReAggregation(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 600), pay("thief", 600))
	a := f.g.Spend("split-a", from(out(cb, 0)), recipients(6, 100)...)
	b := f.g.Spend("split-b", from(out(cb, 1)), recipients(6, 100)...)
	merge := f.g.Spend("merge", from(out(a, 0), out(b, 3)), pay("collector", 200))

	d := &ReAggregation{cfg: f.cfg, ledger: f.g.Ledger, taint: f.engine}
	found := f.detect(d, merge)
	require.Len(t, found, 1)
	assert.Equal(t, alerts.SeverityHigh, found[0].Severity)
	assert.Equal(t, "collector", found[0].Address)
	assert.Equal(t, 2, found[0].Evidence["inputs"])
	assert.ElementsMatch(t, []string{a.Hash, b.Hash}, found[0].Evidence["fanOutSources"])
}

func TestReAggregation_DilutedBelowTheta(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 600))
	clean := f.g.Coinbase("clean", pay("bystander", 200))
	a := f.g.Spend("split-a", from(out(cb, 0)), recipients(6, 100)...)
	merge := f.g.Spend("merge", from(out(a, 0), out(a, 1), out(clean, 0)), pay("collector", 400))

	d := &ReAggregation{cfg: f.cfg, ledger: f.g.Ledger, taint: f.engine}
	assert.Empty(t, f.detect(d, merge), "score 0.5 does not exceed theta")
}

func TestReAggregation_SingleInputNotEnough(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 600))
	a := f.g.Spend("split-a", from(out(cb, 0)), recipients(6, 100)...)
	tx := f.g.Spend("onward", from(out(a, 0)), pay("collector", 100))

	d := &ReAggregation{cfg: f.cfg, ledger: f.g.Ledger, taint: f.engine}
	assert.Empty(t, f.detect(d, tx))
}

func TestDormancy(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 1000), pay("thief", 1000))
	quick := f.g.Spend("quick", from(out(cb, 0)), pay("a", 1000))
	f.g.Advance(8 * 24 * time.Hour)
	late := f.g.Spend("late", from(out(cb, 1)), pay("b", 1000))

	d := &Dormancy{cfg: f.cfg, ledger: f.g.Ledger, taint: f.engine}

	assert.Empty(t, f.detect(d, quick))

	found := f.detect(d, late)
	require.Len(t, found, 1)
	assert.Equal(t, alerts.SeverityMedium, found[0].Severity)
	assert.Equal(t, "thief", found[0].Address)
	assert.Equal(t, cb.Hash, found[0].Evidence["source"])
	assert.Greater(t, found[0].Evidence["idleSeconds"].(int64), int64(7*24*3600))
}

func TestDormancy_CleanSourceIgnored(t *testing.T) {
	f := newFixture(t)
	cb := f.g.Coinbase("savings", pay("saver", 1000))
	f.g.Advance(30 * 24 * time.Hour)
	tx := f.g.Spend("spend", from(out(cb, 0)), pay("shop", 1000))

	d := &Dormancy{cfg: f.cfg, ledger: f.g.Ledger, taint: f.engine}
	assert.Empty(t, f.detect(d, tx))
}

func TestCleanZoneEntry(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 1000))
	tx := f.g.Spend("deposit", from(out(cb, 0)), pay("exchange-1", 900), pay("thief", 100))

	d := &CleanZoneEntry{cfg: f.cfg, ledger: f.g.Ledger, zones: f.zones}
	found := f.detect(d, tx)
	require.Len(t, found, 1)
	a := found[0]
	assert.Equal(t, alerts.SeverityCritical, a.Severity)
	assert.Equal(t, "thief", a.Address)
	assert.Equal(t, int64(900), a.Evidence["amount"])
	zones := a.Evidence["zones"].([]map[string]interface{})
	require.Len(t, zones, 1)
	assert.Equal(t, "EXCHANGE", zones[0]["kind"])
}

func TestCleanZoneEntry_AtThresholdIgnored(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 100))
	clean := f.g.Coinbase("clean", pay("bystander", 900))
	tx := f.g.Spend("deposit", from(out(cb, 0), out(clean, 0)), pay("exchange-1", 1000))

	s := f.subject(tx)
	require.Equal(t, taint.Score(1000), s.Taint.Score)

	d := &CleanZoneEntry{cfg: f.cfg, ledger: f.g.Ledger, zones: f.zones}
	found, err := d.Detect(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCleanZoneEntry_NonZoneRecipient(t *testing.T) {
	f := newFixture(t)
	cb := f.stolen("theft", pay("thief", 1000))
	tx := f.g.Spend("move", from(out(cb, 0)), pay("friend", 1000))

	d := &CleanZoneEntry{cfg: f.cfg, ledger: f.g.Ledger, zones: f.zones}
	assert.Empty(t, f.detect(d, tx))
}

func TestAll_StandardSet(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(nil, All(f.cfg, f.deps())...)
	assert.Equal(t, []string{NameVelocity, NameFanOut, NameReAggregation, NameDormancy, NameCleanZoneEntry}, r.Detectors())
}
