// Package perps implements the margin, funding and liquidation engine for
// perpetual futures: per-account multi-collateral accounting, skew-based
// fill pricing, lazily accrued funding, debt tracking, and keeper-driven
// liquidation with per-market rate limiting.
//
// The engine is a pure state machine. Every time-dependent quantity is
// computed from stored checkpoints and the injected clock at call time;
// there are no background goroutines, tickers or timers.
package perps

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnitOfAccount is the collateral id of the quote synth (USD). It is priced
// 1:1 and carries no discount curve.
const UnitOfAccount uint64 = 0

// PermModifyCollateral is required on an account to deposit or withdraw
// collateral on its behalf.
const PermModifyCollateral = "modify-collateral"

// PriceOracle supplies index prices for markets and sale prices for
// collateral synths.
type PriceOracle interface {
	MarketPrice(marketID uint64) (decimal.Decimal, error)
	CollateralPrice(collateralID uint64) (decimal.Decimal, error)
}

// TransferLedger is the custody collaborator holding the shared pool.
// Calls must be atomic with the balance mutation that triggered them: the
// engine invokes the ledger before committing its own state, and a ledger
// error aborts the whole operation.
type TransferLedger interface {
	TransferIn(accountID, collateralID uint64, amount decimal.Decimal) error
	TransferOut(accountID, collateralID uint64, amount decimal.Decimal) error
	// PayKeeper moves unit-of-account value from the pool to an external
	// keeper address as a liquidation reward.
	PayKeeper(keeper string, amount decimal.Decimal) error
	// PoolCredit reports the spare unit-of-account credit available for
	// debt rebalancing.
	PoolCredit() (decimal.Decimal, error)
}

// AccountRegistry is the external identity/permission collaborator.
// Accounts are created and owned elsewhere; the engine only checks them.
type AccountRegistry interface {
	AccountExists(accountID uint64) bool
	HasPermission(accountID uint64, caller, permission string) bool
}

// CostOracle quotes the keeper's flat execution costs in unit-of-account
// terms.
type CostOracle interface {
	FlagCost() decimal.Decimal
	LiquidateCost() decimal.Decimal
	SettlementCost() decimal.Decimal
}

// MarketParams is the per-market risk configuration. SkewScale must be
// positive; everything else is validated non-negative.
type MarketParams struct {
	SkewScale          decimal.Decimal `json:"skewScale"`
	MaxFundingVelocity decimal.Decimal `json:"maxFundingVelocity"` // per day
	MakerFee           decimal.Decimal `json:"makerFee"`
	TakerFee           decimal.Decimal `json:"takerFee"`

	InitialMarginFraction   decimal.Decimal `json:"initialMarginFraction"`
	MinInitialMarginRatio   decimal.Decimal `json:"minInitialMarginRatio"`
	MaintenanceMarginScalar decimal.Decimal `json:"maintenanceMarginScalar"`
	MinPositionMargin       decimal.Decimal `json:"minPositionMargin"`
	LiquidationRewardRatio  decimal.Decimal `json:"liquidationRewardRatio"`

	// MaxLiquidationMultiplier scales the liquidation window refill rate
	// (makerFee+takerFee) * skewScale * multiplier, in size units per second.
	MaxLiquidationMultiplier      decimal.Decimal `json:"maxLiquidationMultiplier"`
	MaxSecondsInLiquidationWindow int64           `json:"maxSecondsInLiquidationWindow"`
}

// CollateralParams configures one accepted collateral synth. The discount
// curve models expected sale slippage when the collateral has to be
// liquidated on its spot venue; its SkewScale is independent of any trading
// market's skew scale.
type CollateralParams struct {
	MaxDeposit         decimal.Decimal `json:"maxDeposit"`
	UpperLimitDiscount decimal.Decimal `json:"upperLimitDiscount"`
	LowerLimitDiscount decimal.Decimal `json:"lowerLimitDiscount"`
	DiscountScalar     decimal.Decimal `json:"discountScalar"`
	SkewScale          decimal.Decimal `json:"skewScale"`
}

// RewardGuard bounds the keeper reward per liquidation call. Zero fields
// are treated as unconfigured. When both the flat bounds and the
// cost-scaled ratios are set, the wider bound wins on each side.
type RewardGuard struct {
	MinKeeperReward decimal.Decimal `json:"minKeeperReward"`
	MaxKeeperReward decimal.Decimal `json:"maxKeeperReward"`
	// Ratio bounds scale with the flat keeper cost of the call.
	MinKeeperProfitRatio  decimal.Decimal `json:"minKeeperProfitRatio"`
	MaxKeeperScalingRatio decimal.Decimal `json:"maxKeeperScalingRatio"`
}

// Position is one account's exposure in one market. EntryPrice and
// EntryFunding are the fill price and funding accumulator recorded at the
// last interaction; unrealized PnL and accrued funding are measured against
// them. A zero-size position does not exist.
type Position struct {
	AccountID    uint64          `json:"accountId"`
	MarketID     uint64          `json:"marketId"`
	Size         decimal.Decimal `json:"size"` // signed, positive = long
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	EntryFunding decimal.Decimal `json:"entryFunding"`
}

// Notional returns |size| * price.
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Size.Abs().Mul(price)
}

// Account is the engine-side record for an externally owned account id.
type Account struct {
	ID         uint64
	collateral map[uint64]decimal.Decimal // collateralID -> quantity, > 0
	debt       decimal.Decimal            // unit of account, >= 0
	markets    map[uint64]struct{}        // markets with an open position
	flagged    bool                       // flagged for liquidation
}

func newAccount(id uint64) *Account {
	return &Account{
		ID:         id,
		collateral: make(map[uint64]decimal.Decimal),
		debt:       decimal.Zero,
		markets:    make(map[uint64]struct{}),
	}
}

// CollateralAmount returns the deposited quantity of one collateral type.
func (a *Account) CollateralAmount(collateralID uint64) decimal.Decimal {
	return a.collateral[collateralID]
}

// CollateralIDs returns the ids of all collateral types with a positive
// balance, in ascending order.
func (a *Account) CollateralIDs() []uint64 {
	ids := make([]uint64, 0, len(a.collateral))
	for id := range a.collateral {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// MarketIDs returns the markets this account holds a position in, in
// ascending order.
func (a *Account) MarketIDs() []uint64 {
	ids := make([]uint64, 0, len(a.markets))
	for id := range a.markets {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// OpenPosition is the read-surface view of a position.
type OpenPosition struct {
	Size           decimal.Decimal `json:"size"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	AccruedFunding decimal.Decimal `json:"accruedFunding"`
}

// RequiredMargins is the margin requirement breakdown for an account.
type RequiredMargins struct {
	Initial              decimal.Decimal `json:"initial"`
	Maintenance          decimal.Decimal `json:"maintenance"`
	MaxLiquidationReward decimal.Decimal `json:"maxLiquidationReward"`
}

// SettlementResult is the fee/PnL breakdown returned by SettleOrder.
type SettlementResult struct {
	FillPrice      decimal.Decimal `json:"fillPrice"`
	Fee            decimal.Decimal `json:"fee"`
	SettlementCost decimal.Decimal `json:"settlementCost"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	AccruedFunding decimal.Decimal `json:"accruedFunding"`
	NewSize        decimal.Decimal `json:"newSize"`
}

// Clock supplies the current time; injectable so tests are deterministic.
type Clock func() time.Time
