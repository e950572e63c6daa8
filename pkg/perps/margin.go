package perps

import (
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/fixed"
)

// OpenPosition returns an account's position in a market with its
// unrealized PnL (priced at the fill price a full close would obtain right
// now) and the funding accrued since the last interaction.
func (e *Engine) OpenPosition(accountID, marketID uint64) (OpenPosition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.accountView(accountID); err != nil {
		return OpenPosition{}, err
	}
	m, err := e.market(marketID)
	if err != nil {
		return OpenPosition{}, err
	}
	pos := m.position(accountID)
	if pos == nil {
		return OpenPosition{}, nil
	}
	price, err := e.oracle.MarketPrice(marketID)
	if err != nil {
		return OpenPosition{}, err
	}
	return e.openPosition(m, pos, price)
}

func (e *Engine) openPosition(m *Market, pos *Position, indexPrice decimal.Decimal) (OpenPosition, error) {
	closePrice, err := m.fillPrice(pos.Size.Neg(), indexPrice)
	if err != nil {
		return OpenPosition{}, err
	}
	pnl, err := fixed.Mul(closePrice.Sub(pos.EntryPrice), pos.Size)
	if err != nil {
		return OpenPosition{}, err
	}
	accrued, err := m.fundingAccruedAt(e.now(), indexPrice)
	if err != nil {
		return OpenPosition{}, err
	}
	funding, err := pos.accruedFunding(accrued)
	if err != nil {
		return OpenPosition{}, err
	}
	return OpenPosition{Size: pos.Size, UnrealizedPnL: pnl, AccruedFunding: funding}, nil
}

// AvailableMargin is total discounted collateral value plus the unrealized
// PnL and accrued funding of every open position, minus debt.
func (e *Engine) AvailableMargin(accountID uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.availableMargin(accountID)
}

func (e *Engine) availableMargin(accountID uint64) (decimal.Decimal, error) {
	acct, err := e.accountView(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	total, err := e.totalCollateralValue(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, marketID := range acct.MarketIDs() {
		m := e.markets[marketID]
		pos := m.position(accountID)
		if pos == nil {
			continue
		}
		price, err := e.oracle.MarketPrice(marketID)
		if err != nil {
			return decimal.Zero, err
		}
		op, err := e.openPosition(m, pos, price)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(op.UnrealizedPnL).Add(op.AccruedFunding)
	}
	return total.Sub(acct.debt), nil
}

// RequiredMargins returns the account's initial and maintenance margin
// requirements and the liquidation reward reserved on top of both.
func (e *Engine) RequiredMargins(accountID uint64) (RequiredMargins, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.requiredMargins(accountID)
}

func (e *Engine) requiredMargins(accountID uint64) (RequiredMargins, error) {
	acct, err := e.accountView(accountID)
	if err != nil {
		return RequiredMargins{}, err
	}
	var initial, maintenance, reward decimal.Decimal
	for _, marketID := range acct.MarketIDs() {
		m := e.markets[marketID]
		pos := m.position(accountID)
		if pos == nil {
			continue
		}
		price, err := e.oracle.MarketPrice(marketID)
		if err != nil {
			return RequiredMargins{}, err
		}
		im, mm, rw, err := positionMargins(m.Params, pos.Size, price)
		if err != nil {
			return RequiredMargins{}, err
		}
		initial = initial.Add(im)
		maintenance = maintenance.Add(mm)
		reward = reward.Add(rw)
	}
	if reward.Sign() > 0 {
		reward = e.guard.clampReward(reward, decimal.Zero)
	}
	return RequiredMargins{
		Initial:              initial.Add(reward),
		Maintenance:          maintenance.Add(reward),
		MaxLiquidationReward: reward,
	}, nil
}

// positionMargins computes one position's initial margin, maintenance
// margin and liquidation reward contribution:
//
//	im = notional * (|size|/skewScale * imFraction + minInitialMarginRatio)
//	mm = im * maintenanceScalar
//	rw = notional * liquidationRewardRatio
//
// with im floored at the market's minimum position margin.
func positionMargins(p MarketParams, size, price decimal.Decimal) (im, mm, rw decimal.Decimal, err error) {
	notional := size.Abs().Mul(price)
	ratio, err := fixed.MulDiv(size.Abs(), p.InitialMarginFraction, p.SkewScale)
	if err != nil {
		return
	}
	im, err = fixed.Mul(notional, ratio.Add(p.MinInitialMarginRatio))
	if err != nil {
		return
	}
	im = fixed.Max(im, p.MinPositionMargin)
	mm, err = fixed.Mul(im, p.MaintenanceMarginScalar)
	if err != nil {
		return
	}
	rw, err = fixed.Mul(notional, p.LiquidationRewardRatio)
	return
}

// WithdrawableMargin is available margin less the initial margin
// requirement; withdrawals may not drive it negative.
func (e *Engine) WithdrawableMargin(accountID uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.withdrawableMargin(accountID)
}

func (e *Engine) withdrawableMargin(accountID uint64) (decimal.Decimal, error) {
	available, err := e.availableMargin(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	req, err := e.requiredMargins(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return available.Sub(req.Initial), nil
}

// isLiquidatable reports whether available margin has fallen under the
// maintenance requirement.
func (e *Engine) isLiquidatable(acct *Account) (bool, error) {
	if len(acct.markets) == 0 {
		return false, nil
	}
	available, err := e.availableMargin(acct.ID)
	if err != nil {
		return false, err
	}
	req, err := e.requiredMargins(acct.ID)
	if err != nil {
		return false, err
	}
	return available.Cmp(req.Maintenance) < 0, nil
}
