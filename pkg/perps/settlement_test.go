package perps

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleOrderRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, defaultMarketParams(), "1000")
	f.deposit(t, 1, UnitOfAccount, "10000")

	res := f.settle(t, 1, 1, "100", "1000")
	decEqual(t, d("100"), res.NewSize)
	decEqual(t, decimal.Zero, res.RealizedPnL)

	// Close the full position 50% higher: (1500 - 1000) * 100 profit.
	f.oracle.markets[1] = d("1500")
	res = f.settle(t, 1, 1, "-100", "1500")
	decEqual(t, d("50000"), res.RealizedPnL)
	decEqual(t, decimal.Zero, res.NewSize)

	bal, err := f.engine.CollateralAmount(1, UnitOfAccount)
	require.NoError(t, err)
	decEqual(t, d("60000"), bal)

	// The position is gone and market aggregates returned to flat.
	op, err := f.engine.OpenPosition(1, 1)
	require.NoError(t, err)
	decEqual(t, decimal.Zero, op.Size)
	m, err := f.engine.Market(1)
	require.NoError(t, err)
	decEqual(t, decimal.Zero, m.Skew)
	decEqual(t, decimal.Zero, m.Size)
}

func TestSettleOrderValidation(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, defaultMarketParams(), "100")

	t.Run("ZeroDelta", func(t *testing.T) {
		_, err := f.engine.SettleOrder(1, 1, decimal.Zero, d("100"))
		assert.ErrorIs(t, err, ErrInvalidAmountDelta)
	})

	t.Run("UnknownMarket", func(t *testing.T) {
		_, err := f.engine.SettleOrder(1, 9, d("1"), d("100"))
		var notFound *MarketNotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		f.registry.missing[8] = true
		_, err := f.engine.SettleOrder(8, 1, d("1"), d("100"))
		var notFound *AccountNotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestOrderFeeClassification(t *testing.T) {
	f := newFixture(t)
	params := defaultMarketParams()
	params.MakerFee = d("0.001")
	params.TakerFee = d("0.002")
	f.createMarket(t, 1, params, "100")
	f.deposit(t, 1, UnitOfAccount, "100000")

	// Opening against a flat book grows skew: taker.
	res := f.settle(t, 1, 1, "100", "100")
	decEqual(t, d("20"), res.Fee)

	// Selling part of the long shrinks skew: maker.
	res = f.settle(t, 1, 1, "-50", "100")
	decEqual(t, d("5"), res.Fee)

	// Selling through flat to the other side grows |skew| again: taker.
	res = f.settle(t, 1, 1, "-100", "100")
	decEqual(t, d("20"), res.Fee)
	decEqual(t, d("-50"), res.NewSize)
}

func TestSettlementCostCharged(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, defaultMarketParams(), "100")
	f.costs.settlement = d("2")
	f.deposit(t, 1, UnitOfAccount, "1000")

	res := f.settle(t, 1, 1, "10", "100")
	decEqual(t, d("2"), res.SettlementCost)

	bal, err := f.engine.CollateralAmount(1, UnitOfAccount)
	require.NoError(t, err)
	decEqual(t, d("998"), bal)
}

func TestLossBeyondCollateralBecomesDebt(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, defaultMarketParams(), "100")
	f.deposit(t, 1, UnitOfAccount, "100")
	f.settle(t, 1, 1, "100", "100")

	// Closing at 50 realizes a 5000 loss against 100 of collateral: the
	// balance clamps to zero and the shortfall becomes debt.
	f.oracle.markets[1] = d("50")
	f.settle(t, 1, 1, "-100", "50")

	bal, err := f.engine.CollateralAmount(1, UnitOfAccount)
	require.NoError(t, err)
	decEqual(t, decimal.Zero, bal)

	debt, err := f.engine.Debt(1)
	require.NoError(t, err)
	decEqual(t, d("4900"), debt)

	decEqual(t, d("4900"), f.engine.ReportedDebt())
}

func TestPartialCloseKeepsEntryAtSettlementPrice(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, defaultMarketParams(), "100")
	f.deposit(t, 1, UnitOfAccount, "10000")
	f.settle(t, 1, 1, "100", "100")

	// Reducing at 110 realizes the move on the whole position and the
	// survivor re-enters at 110: a second close at 110 realizes nothing.
	f.oracle.markets[1] = d("110")
	res := f.settle(t, 1, 1, "-30", "110")
	decEqual(t, d("1000"), res.RealizedPnL)
	decEqual(t, d("70"), res.NewSize)

	res = f.settle(t, 1, 1, "-70", "110")
	decEqual(t, decimal.Zero, res.RealizedPnL)
}

func TestMarketAggregates(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, defaultMarketParams(), "100")
	f.deposit(t, 1, UnitOfAccount, "10000")
	f.deposit(t, 2, UnitOfAccount, "10000")

	f.settle(t, 1, 1, "100", "100")
	f.settle(t, 2, 1, "-30", "100")

	m, err := f.engine.Market(1)
	require.NoError(t, err)
	decEqual(t, d("70"), m.Skew)
	// One-sided size: (100 + 30) / 2.
	decEqual(t, d("65"), m.Size)
}

func TestSettleEvents(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, defaultMarketParams(), "100")
	f.deposit(t, 1, UnitOfAccount, "10000")
	f.settle(t, 1, 1, "10", "100")

	evs := f.sink.byType("order.settled")
	require.Len(t, evs, 1)
	ev := evs[0].(OrderSettled)
	assert.Equal(t, uint64(1), ev.AccountID)
	decEqual(t, d("10"), ev.SizeDelta)
	decEqual(t, d("100"), ev.FillPrice)
}
