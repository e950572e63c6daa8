package perps

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liqParams is a market liquidations can drain quickly: the window refill
// rate is (0.002 + 0.002) * 1000 * 1 = 4 size units per second.
func liqParams() MarketParams {
	return MarketParams{
		SkewScale:                     d("1000"),
		MakerFee:                      d("0.002"),
		TakerFee:                      d("0.002"),
		MinInitialMarginRatio:         d("0.05"),
		MaintenanceMarginScalar:       d("0.5"),
		LiquidationRewardRatio:        d("0.001"),
		MaxLiquidationMultiplier:      d("1"),
		MaxSecondsInLiquidationWindow: 30,
	}
}

func TestLiquidateHealthyAccount(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, liqParams(), "100")
	f.deposit(t, 1, UnitOfAccount, "10000")
	f.settle(t, 1, 1, "100", "100")

	_, err := f.engine.Liquidate("keeper", 1)
	assert.ErrorIs(t, err, ErrNotLiquidatable)
}

func TestLiquidateFullClose(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, liqParams(), "100")
	f.costs.flag = d("3333")
	f.costs.liquidate = d("5555")
	f.deposit(t, 1, UnitOfAccount, "600")
	f.settle(t, 1, 1, "100", "100")

	f.oracle.markets[1] = d("50")
	ok, err := f.engine.IsLiquidatable(1)
	require.NoError(t, err)
	require.True(t, ok)

	// Flag cost (1 collateral type) + liquidate cost + 0.1% of the 5000
	// closed notional: 3333 + 5555 + 5.
	reward, err := f.engine.Liquidate("keeper", 1)
	require.NoError(t, err)
	decEqual(t, d("8893"), reward)
	decEqual(t, d("8893"), f.ledger.keeperPaid["keeper"])

	// Position fully closed, flag cleared.
	op, err := f.engine.OpenPosition(1, 1)
	require.NoError(t, err)
	decEqual(t, decimal.Zero, op.Size)
	flagged, err := f.engine.IsFlagged(1)
	require.NoError(t, err)
	assert.False(t, flagged)

	// The realized loss wiped the collateral and the keeper charge landed
	// on top: 5000 loss against 580 collateral, plus the 8893 reward.
	debt, err := f.engine.Debt(1)
	require.NoError(t, err)
	decEqual(t, d("13313"), debt)

	require.Len(t, f.sink.byType("position.liquidated"), 1)
	require.Len(t, f.sink.byType("account.liquidated"), 1)
	acctEv := f.sink.byType("account.liquidated")[0].(AccountLiquidated)
	assert.True(t, acctEv.FullyClosed)
	decEqual(t, d("8893"), acctEv.Reward)
}

func TestLiquidatePartialAcrossWindow(t *testing.T) {
	f := newFixture(t)
	params := liqParams()
	params.MaxSecondsInLiquidationWindow = 10 // ceiling 40
	f.createMarket(t, 1, params, "100")
	f.deposit(t, 1, UnitOfAccount, "1500")
	f.settle(t, 1, 1, "200", "100")

	f.oracle.markets[1] = d("50")

	// First call closes only the window ceiling and leaves the account
	// flagged with the remainder open.
	_, err := f.engine.Liquidate("keeper", 1)
	require.NoError(t, err)
	op, err := f.engine.OpenPosition(1, 1)
	require.NoError(t, err)
	decEqual(t, d("160"), op.Size)
	flagged, err := f.engine.IsFlagged(1)
	require.NoError(t, err)
	assert.True(t, flagged)

	// The window is exhausted: an immediate second call makes no progress.
	_, err = f.engine.Liquidate("keeper", 1)
	require.NoError(t, err)
	op, err = f.engine.OpenPosition(1, 1)
	require.NoError(t, err)
	decEqual(t, d("160"), op.Size)

	// Five seconds refill 20 units of capacity.
	f.advance(5 * time.Second)
	_, err = f.engine.Liquidate("keeper", 1)
	require.NoError(t, err)
	op, err = f.engine.OpenPosition(1, 1)
	require.NoError(t, err)
	decEqual(t, d("140"), op.Size)

	// A full window later the whole remainder fits.
	for i := 0; i < 4; i++ {
		f.advance(10 * time.Second)
		_, err = f.engine.Liquidate("keeper", 1)
		require.NoError(t, err)
	}
	op, err = f.engine.OpenPosition(1, 1)
	require.NoError(t, err)
	decEqual(t, decimal.Zero, op.Size)
	flagged, err = f.engine.IsFlagged(1)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestLiquidateAdvancesFundingCheckpoint(t *testing.T) {
	f := newFixture(t)
	params := liqParams()
	params.MaxSecondsInLiquidationWindow = 10 // ceiling 40
	params.MaxFundingVelocity = d("0.1")
	f.createMarket(t, 1, params, "100")
	f.deposit(t, 1, UnitOfAccount, "5000")
	f.settle(t, 1, 1, "200", "100")

	// A day at skew 200 over scale 1000 ramps the rate to 0.2 * 0.1.
	f.advance(24 * time.Hour)
	f.oracle.markets[1] = d("50")

	_, err := f.engine.Liquidate("keeper", 1)
	require.NoError(t, err)

	rate, err := f.engine.CurrentFundingRate(1)
	require.NoError(t, err)
	decEqual(t, d("0.02"), rate)

	// The survivor re-enters at the advanced accumulator, so its accrued
	// funding restarts at zero.
	op, err := f.engine.OpenPosition(1, 1)
	require.NoError(t, err)
	decEqual(t, d("160"), op.Size)
	decEqual(t, decimal.Zero, op.AccruedFunding)
}

func TestFlaggedAccountStaysLocked(t *testing.T) {
	f := newFixture(t)
	params := liqParams()
	params.MaxSecondsInLiquidationWindow = 10
	f.createMarket(t, 1, params, "100")
	// Deposit enough that the partial close leaves a positive balance, so
	// the withdrawal below reaches the flag check rather than failing on
	// an empty balance.
	f.deposit(t, 1, UnitOfAccount, "5000")
	f.settle(t, 1, 1, "200", "100")

	f.oracle.markets[1] = d("50")
	_, err := f.engine.Liquidate("keeper", 1)
	require.NoError(t, err)

	bal, err := f.engine.CollateralAmount(1, UnitOfAccount)
	require.NoError(t, err)
	require.True(t, bal.Sign() > 0, "partial close should leave collateral, got %s", bal)

	// Price recovery does not unflag the account: it can neither withdraw
	// nor trade until its liquidation completes.
	f.oracle.markets[1] = d("200")
	ok, err := f.engine.IsLiquidatable(1)
	require.NoError(t, err)
	assert.True(t, ok)

	err = f.engine.ModifyCollateral("owner", 1, UnitOfAccount, d("-1"))
	assert.ErrorIs(t, err, ErrAccountLiquidatable)
	_, err = f.engine.SettleOrder(1, 1, d("1"), d("200"))
	assert.ErrorIs(t, err, ErrAccountLiquidatable)
}

func TestLiquidateMultiMarket(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, liqParams(), "100")
	f.createMarket(t, 2, liqParams(), "100")
	f.deposit(t, 1, UnitOfAccount, "1000")
	f.settle(t, 1, 1, "50", "100")
	f.settle(t, 1, 2, "50", "100")

	f.oracle.markets[1] = d("60")
	f.oracle.markets[2] = d("60")

	_, err := f.engine.Liquidate("keeper", 1)
	require.NoError(t, err)

	require.Len(t, f.sink.byType("position.liquidated"), 2)
	require.Len(t, f.sink.byType("account.liquidated"), 1)
	for _, id := range []uint64{1, 2} {
		op, err := f.engine.OpenPosition(1, id)
		require.NoError(t, err)
		decEqual(t, decimal.Zero, op.Size)
	}
}

func TestLiquidatePayoutFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.createMarket(t, 1, liqParams(), "100")
	f.costs.liquidate = d("10")
	f.deposit(t, 1, UnitOfAccount, "600")
	f.settle(t, 1, 1, "100", "100")
	f.oracle.markets[1] = d("50")

	f.ledger.fail = true
	_, err := f.engine.Liquidate("keeper", 1)
	require.ErrorIs(t, err, errLedgerDown)

	// Nothing committed: the position is intact and the account unflagged.
	f.ledger.fail = false
	op, err := f.engine.OpenPosition(1, 1)
	require.NoError(t, err)
	decEqual(t, d("100"), op.Size)
	flagged, err := f.engine.IsFlagged(1)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestRewardGuard(t *testing.T) {
	t.Run("FlatBounds", func(t *testing.T) {
		g := RewardGuard{MinKeeperReward: d("10"), MaxKeeperReward: d("100")}
		decEqual(t, d("10"), g.clampReward(d("5"), decimal.Zero))
		decEqual(t, d("100"), g.clampReward(d("500"), decimal.Zero))
		decEqual(t, d("50"), g.clampReward(d("50"), decimal.Zero))
	})

	t.Run("Unconfigured", func(t *testing.T) {
		g := RewardGuard{}
		decEqual(t, d("12345"), g.clampReward(d("12345"), d("1")))
	})

	t.Run("WiderMinimumWins", func(t *testing.T) {
		// Flat min 10 vs cost-scaled min 2*3=6: the looser 6 applies.
		g := RewardGuard{MinKeeperReward: d("10"), MinKeeperProfitRatio: d("2")}
		decEqual(t, d("6"), g.clampReward(d("5"), d("3")))
	})

	t.Run("WiderMaximumWins", func(t *testing.T) {
		// Flat max 100 vs cost-scaled max 10*30=300: the looser 300 applies.
		g := RewardGuard{MaxKeeperReward: d("100"), MaxKeeperScalingRatio: d("10")}
		decEqual(t, d("250"), g.clampReward(d("250"), d("30")))
		decEqual(t, d("300"), g.clampReward(d("999"), d("30")))
	})

	t.Run("AppliedToLiquidation", func(t *testing.T) {
		f := newFixture(t)
		f.createMarket(t, 1, liqParams(), "100")
		f.costs.flag = d("3333")
		f.costs.liquidate = d("5555")
		require.NoError(t, f.engine.SetRewardGuard(RewardGuard{MaxKeeperReward: d("1000")}))
		f.deposit(t, 1, UnitOfAccount, "600")
		f.settle(t, 1, 1, "100", "100")
		f.oracle.markets[1] = d("50")

		reward, err := f.engine.Liquidate("keeper", 1)
		require.NoError(t, err)
		decEqual(t, d("1000"), reward)
	})
}
