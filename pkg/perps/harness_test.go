package perps

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeOracle struct {
	markets    map[uint64]decimal.Decimal
	collateral map[uint64]decimal.Decimal
}

func (o *fakeOracle) MarketPrice(id uint64) (decimal.Decimal, error) {
	p, ok := o.markets[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for market %d", id)
	}
	return p, nil
}

func (o *fakeOracle) CollateralPrice(id uint64) (decimal.Decimal, error) {
	p, ok := o.collateral[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for collateral %d", id)
	}
	return p, nil
}

type transfer struct {
	account    uint64
	collateral uint64
	amount     decimal.Decimal
}

var errLedgerDown = errors.New("ledger unavailable")

type fakeLedger struct {
	in, out    []transfer
	keeperPaid map[string]decimal.Decimal
	credit     decimal.Decimal
	fail       bool
}

func (l *fakeLedger) TransferIn(accountID, collateralID uint64, amount decimal.Decimal) error {
	if l.fail {
		return errLedgerDown
	}
	l.in = append(l.in, transfer{accountID, collateralID, amount})
	return nil
}

func (l *fakeLedger) TransferOut(accountID, collateralID uint64, amount decimal.Decimal) error {
	if l.fail {
		return errLedgerDown
	}
	l.out = append(l.out, transfer{accountID, collateralID, amount})
	return nil
}

func (l *fakeLedger) PayKeeper(keeper string, amount decimal.Decimal) error {
	if l.fail {
		return errLedgerDown
	}
	if l.keeperPaid == nil {
		l.keeperPaid = make(map[string]decimal.Decimal)
	}
	l.keeperPaid[keeper] = l.keeperPaid[keeper].Add(amount)
	return nil
}

func (l *fakeLedger) PoolCredit() (decimal.Decimal, error) {
	return l.credit, nil
}

type fakeRegistry struct {
	missing map[uint64]bool
	denied  map[string]bool // caller -> denied everywhere
}

func (r *fakeRegistry) AccountExists(id uint64) bool {
	return !r.missing[id]
}

func (r *fakeRegistry) HasPermission(_ uint64, caller, _ string) bool {
	return !r.denied[caller]
}

type fakeCosts struct {
	flag, liquidate, settlement decimal.Decimal
}

func (c *fakeCosts) FlagCost() decimal.Decimal       { return c.flag }
func (c *fakeCosts) LiquidateCost() decimal.Decimal  { return c.liquidate }
func (c *fakeCosts) SettlementCost() decimal.Decimal { return c.settlement }

type memorySink struct {
	events []Event
}

func (s *memorySink) Publish(ev Event) { s.events = append(s.events, ev) }

func (s *memorySink) byType(eventType string) []Event {
	var out []Event
	for _, ev := range s.events {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	engine   *Engine
	oracle   *fakeOracle
	ledger   *fakeLedger
	registry *fakeRegistry
	costs    *fakeCosts
	sink     *memorySink
	now      time.Time
}

// Fixture helpers take rapid.TB, the interface both *testing.T and
// *rapid.T satisfy, so unit and property tests share one harness.
func newFixture(t rapid.TB) *fixture {
	t.Helper()
	f := &fixture{
		oracle: &fakeOracle{
			markets:    make(map[uint64]decimal.Decimal),
			collateral: make(map[uint64]decimal.Decimal),
		},
		ledger:   &fakeLedger{},
		registry: &fakeRegistry{missing: make(map[uint64]bool), denied: make(map[string]bool)},
		costs:    &fakeCosts{},
		sink:     &memorySink{},
		now:      time.Unix(1_700_000_000, 0).UTC(),
	}
	level, _ := log.ToLevel("error")
	f.engine = NewEngine(Config{
		Logger:   log.NewTestLogger(level),
		Oracle:   f.oracle,
		Ledger:   f.ledger,
		Registry: f.registry,
		Costs:    f.costs,
		Sink:     f.sink,
		Now:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) advance(dur time.Duration) { f.now = f.now.Add(dur) }

// defaultMarketParams is a liquid market with no fees, no margin and no
// funding, so tests enable only the knobs they exercise.
func defaultMarketParams() MarketParams {
	return MarketParams{
		SkewScale:                     d("1000000"),
		MaxLiquidationMultiplier:      d("1"),
		MaxSecondsInLiquidationWindow: 30,
	}
}

func (f *fixture) createMarket(t rapid.TB, id uint64, params MarketParams, price string) {
	t.Helper()
	if err := f.engine.CreateMarket(id, params); err != nil {
		t.Fatalf("CreateMarket(%d): %v", id, err)
	}
	f.oracle.markets[id] = d(price)
}

func (f *fixture) deposit(t rapid.TB, accountID, collateralID uint64, amount string) {
	t.Helper()
	if err := f.engine.ModifyCollateral("owner", accountID, collateralID, d(amount)); err != nil {
		t.Fatalf("deposit %s of %d: %v", amount, collateralID, err)
	}
}

func (f *fixture) settle(t rapid.TB, accountID, marketID uint64, sizeDelta, price string) SettlementResult {
	t.Helper()
	res, err := f.engine.SettleOrder(accountID, marketID, d(sizeDelta), d(price))
	if err != nil {
		t.Fatalf("SettleOrder(%s @ %s): %v", sizeDelta, price, err)
	}
	return res
}

// decEqual compares decimals by value, not representation.
func decEqual(t rapid.TB, want, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	if want.Cmp(got) != 0 {
		t.Errorf("decimal mismatch: want %s, got %s %v", want, got, msgAndArgs)
	}
}
