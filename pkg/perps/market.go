package perps

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/fixed"
)

var secondsPerDay = decimal.New(86400, 0)

// Market holds one perp market's risk configuration and aggregate state.
// Skew is the signed sum of all open position sizes; Size is one side of
// the book, sum(|size|)/2. Funding is accrued lazily: LastFundingRate and
// FundingAccrued are checkpoints advanced on every mutating touch.
type Market struct {
	ID     uint64
	Params MarketParams

	Skew decimal.Decimal
	Size decimal.Decimal

	LastFundingRate decimal.Decimal
	// FundingAccrued integrates fundingRate * indexPrice over time: the
	// cumulative funding per unit of position size, in unit-of-account
	// terms. A position's accrued funding since entry is
	// -size * (FundingAccrued - entryFunding), so longs pay when the rate
	// is positive.
	FundingAccrued  decimal.Decimal
	LastFundingTime time.Time

	// LiquidationUsed tracks size liquidated inside the rolling window.
	// It drains at the window refill rate, so it reaches zero
	// MaxSecondsInLiquidationWindow seconds after the window was filled.
	LiquidationUsed     decimal.Decimal
	LastLiquidationTime time.Time

	positions map[uint64]*Position // accountID -> position
}

func newMarket(id uint64, params MarketParams, now time.Time) *Market {
	return &Market{
		ID:              id,
		Params:          params,
		Skew:            decimal.Zero,
		Size:            decimal.Zero,
		LastFundingRate: decimal.Zero,
		FundingAccrued:  decimal.Zero,
		LastFundingTime: now,
		LiquidationUsed: decimal.Zero,
		positions:       make(map[uint64]*Position),
	}
}

func validateMarketParams(p MarketParams) error {
	if p.SkewScale.Sign() <= 0 {
		return ErrZeroSkewScale
	}
	for _, v := range []decimal.Decimal{
		p.MaxFundingVelocity, p.MakerFee, p.TakerFee,
		p.InitialMarginFraction, p.MinInitialMarginRatio,
		p.MaintenanceMarginScalar, p.MinPositionMargin,
		p.LiquidationRewardRatio, p.MaxLiquidationMultiplier,
	} {
		if v.Sign() < 0 {
			return ErrInvalidParameter
		}
	}
	if p.MaxSecondsInLiquidationWindow < 0 {
		return ErrInvalidParameter
	}
	return nil
}

// FillPrice returns the execution price of an order of sizeDelta against a
// market with the given skew: the index price adjusted by the average of
// the skew impact before and after the trade. Orders that push skew away
// from zero pay slippage; orders that reduce skew are paid it.
func FillPrice(skew, skewScale, sizeDelta, indexPrice decimal.Decimal) (decimal.Decimal, error) {
	if skewScale.Sign() <= 0 {
		return decimal.Zero, ErrZeroSkewScale
	}
	// skewAvg = (skew + (skew + sizeDelta)) / (2 * skewScale)
	impact, err := fixed.Div(skew.Add(skew).Add(sizeDelta), skewScale.Mul(decimal.New(2, 0)))
	if err != nil {
		return decimal.Zero, err
	}
	return fixed.Mul(indexPrice, fixed.One.Add(impact))
}

// fillPrice prices sizeDelta against the market's current skew.
func (m *Market) fillPrice(sizeDelta, indexPrice decimal.Decimal) (decimal.Decimal, error) {
	return FillPrice(m.Skew, m.Params.SkewScale, sizeDelta, indexPrice)
}

// fundingVelocity is the rate of change of the funding rate, per day:
// clamp(skew/skewScale, -1, 1) * maxFundingVelocity.
func (m *Market) fundingVelocity() (decimal.Decimal, error) {
	r, err := fixed.Div(m.Skew, m.Params.SkewScale)
	if err != nil {
		return decimal.Zero, err
	}
	prop := fixed.Clamp(r, fixed.One.Neg(), fixed.One)
	return fixed.Mul(prop, m.Params.MaxFundingVelocity)
}

// currentFundingRate integrates funding velocity from the last checkpoint
// to now without mutating state.
func (m *Market) currentFundingRate(now time.Time) (decimal.Decimal, error) {
	vel, err := m.fundingVelocity()
	if err != nil {
		return decimal.Zero, err
	}
	delta, err := fixed.Mul(vel, m.elapsedDays(now))
	if err != nil {
		return decimal.Zero, err
	}
	return m.LastFundingRate.Add(delta), nil
}

// fundingAccruedAt returns the funding accumulator at now: the checkpoint
// plus the unrecorded trapezoid avg(lastRate, currentRate) * days * price.
func (m *Market) fundingAccruedAt(now time.Time, indexPrice decimal.Decimal) (decimal.Decimal, error) {
	rate, err := m.currentFundingRate(now)
	if err != nil {
		return decimal.Zero, err
	}
	avg, err := fixed.Div(m.LastFundingRate.Add(rate), decimal.New(2, 0))
	if err != nil {
		return decimal.Zero, err
	}
	unrecorded, err := fixed.Mul(avg.Mul(m.elapsedDays(now)), indexPrice)
	if err != nil {
		return decimal.Zero, err
	}
	return m.FundingAccrued.Add(unrecorded), nil
}

// accrueFunding advances the funding checkpoints to now. Called once at the
// top of every mutating operation that touches the market.
func (m *Market) accrueFunding(now time.Time, indexPrice decimal.Decimal) error {
	if !now.After(m.LastFundingTime) {
		return nil
	}
	accrued, err := m.fundingAccruedAt(now, indexPrice)
	if err != nil {
		return err
	}
	rate, err := m.currentFundingRate(now)
	if err != nil {
		return err
	}
	m.FundingAccrued = accrued
	m.LastFundingRate = rate
	m.LastFundingTime = now
	return nil
}

func (m *Market) elapsedDays(now time.Time) decimal.Decimal {
	elapsed := now.Sub(m.LastFundingTime)
	if elapsed <= 0 {
		return decimal.Zero
	}
	return decimal.New(int64(elapsed/time.Second), 0).DivRound(secondsPerDay, fixed.Precision)
}

// accruedFunding returns the funding owed to (positive) or by (negative) a
// position since its last interaction, at the accumulator value accrued.
func (p *Position) accruedFunding(accrued decimal.Decimal) (decimal.Decimal, error) {
	v, err := fixed.Mul(p.Size, accrued.Sub(p.EntryFunding))
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}

// liquidationRefillRate is the window refill rate in size units per second:
// (makerFee + takerFee) * skewScale * multiplier.
func (m *Market) liquidationRefillRate() (decimal.Decimal, error) {
	fees := m.Params.MakerFee.Add(m.Params.TakerFee)
	return fixed.Mul(fees.Mul(m.Params.SkewScale), m.Params.MaxLiquidationMultiplier)
}

// liquidationCapacity returns the size available for liquidation at now.
// The window ceiling is rate * windowSeconds; the used accumulator drains
// linearly at the refill rate since the last liquidation, reaching zero
// after a full window.
func (m *Market) liquidationCapacity(now time.Time) (decimal.Decimal, error) {
	rate, err := m.liquidationRefillRate()
	if err != nil {
		return decimal.Zero, err
	}
	window := decimal.New(m.Params.MaxSecondsInLiquidationWindow, 0)
	ceiling, err := fixed.Mul(rate, window)
	if err != nil {
		return decimal.Zero, err
	}
	used := m.liquidationUsedAt(now, rate)
	if used.Cmp(ceiling) >= 0 {
		return decimal.Zero, nil
	}
	return ceiling.Sub(used), nil
}

func (m *Market) liquidationUsedAt(now time.Time, rate decimal.Decimal) decimal.Decimal {
	if m.LastLiquidationTime.IsZero() {
		return decimal.Zero
	}
	elapsed := now.Sub(m.LastLiquidationTime)
	if elapsed <= 0 {
		return m.LiquidationUsed
	}
	refill := rate.Mul(decimal.New(int64(elapsed/time.Second), 0))
	used := m.LiquidationUsed.Sub(refill)
	if used.Sign() < 0 {
		return decimal.Zero
	}
	return used
}

// applySizeDelta updates skew and one-sided size for a position moving from
// oldSize to newSize.
func (m *Market) applySizeDelta(oldSize, newSize decimal.Decimal) {
	m.Skew = m.Skew.Sub(oldSize).Add(newSize)
	half := decimal.New(5, -1)
	m.Size = m.Size.Add(newSize.Abs().Sub(oldSize.Abs()).Mul(half))
}

func (m *Market) position(accountID uint64) *Position {
	return m.positions[accountID]
}
