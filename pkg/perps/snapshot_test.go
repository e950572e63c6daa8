package perps

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetCollateralParams(ethCollateral, ethParams()))
	require.NoError(t, f.engine.SetRewardGuard(RewardGuard{MaxKeeperReward: d("1000")}))
	f.oracle.collateral[ethCollateral] = d("2")
	f.createMarket(t, 1, riskParams(), "100")
	f.deposit(t, 1, UnitOfAccount, "100000")
	f.deposit(t, 1, ethCollateral, "300")
	f.deposit(t, 2, UnitOfAccount, "50000")
	f.settle(t, 1, 1, "100", "100")
	f.settle(t, 2, 1, "-40", "100")

	snap := f.engine.Snapshot()
	require.Len(t, snap.Accounts, 2)
	require.Len(t, snap.Markets, 1)
	require.Len(t, snap.Markets[0].Positions, 2)

	// Restore into a second engine sharing the same oracle and clock; all
	// derived quantities must agree with the source engine.
	g := newFixture(t)
	g.oracle.markets[1] = d("100")
	g.oracle.collateral[ethCollateral] = d("2")
	g.now = f.now
	require.NoError(t, g.engine.Restore(snap))

	for _, accountID := range []uint64{1, 2} {
		want, err := f.engine.AvailableMargin(accountID)
		require.NoError(t, err)
		got, err := g.engine.AvailableMargin(accountID)
		require.NoError(t, err)
		decEqual(t, want, got, "available margin of", accountID)

		wantReq, err := f.engine.RequiredMargins(accountID)
		require.NoError(t, err)
		gotReq, err := g.engine.RequiredMargins(accountID)
		require.NoError(t, err)
		decEqual(t, wantReq.Initial, gotReq.Initial)
		decEqual(t, wantReq.Maintenance, gotReq.Maintenance)
	}

	wantM, err := f.engine.Market(1)
	require.NoError(t, err)
	gotM, err := g.engine.Market(1)
	require.NoError(t, err)
	decEqual(t, wantM.Skew, gotM.Skew)
	decEqual(t, wantM.Size, gotM.Size)
	decEqual(t, wantM.FundingAccrued, gotM.FundingAccrued)
	assert.Equal(t, wantM.LastFundingTime, gotM.LastFundingTime)
}

func TestRestoreValidation(t *testing.T) {
	t.Run("NegativeCollateral", func(t *testing.T) {
		f := newFixture(t)
		err := f.engine.Restore(&Snapshot{
			Accounts: []AccountSnapshot{{
				ID:         1,
				Collateral: map[uint64]decimal.Decimal{UnitOfAccount: d("-5")},
			}},
		})
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("NegativeDebt", func(t *testing.T) {
		f := newFixture(t)
		err := f.engine.Restore(&Snapshot{
			Accounts: []AccountSnapshot{{ID: 1, Debt: d("-1")}},
		})
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("BadMarketParams", func(t *testing.T) {
		f := newFixture(t)
		err := f.engine.Restore(&Snapshot{
			Markets: []MarketSnapshot{{ID: 1}},
		})
		assert.ErrorIs(t, err, ErrZeroSkewScale)
	})

	t.Run("EmptySnapshotKeepsUnitOfAccount", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.engine.Restore(&Snapshot{}))
		f.deposit(t, 1, UnitOfAccount, "100")
	})

	t.Run("PositionsRebuildActiveMarkets", func(t *testing.T) {
		f := newFixture(t)
		params := defaultMarketParams()
		require.NoError(t, f.engine.Restore(&Snapshot{
			Markets: []MarketSnapshot{{
				ID:     1,
				Params: params,
				Skew:   d("10"),
				Size:   d("5"),
				Positions: []Position{{
					AccountID:  3,
					MarketID:   1,
					Size:       d("10"),
					EntryPrice: d("100"),
				}},
			}},
		}))
		f.oracle.markets[1] = d("100")
		op, err := f.engine.OpenPosition(3, 1)
		require.NoError(t, err)
		decEqual(t, d("10"), op.Size)
	})
}
