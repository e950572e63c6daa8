package perps

import (
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/fixed"
)

// IsLiquidatable reports whether an account's available margin has fallen
// below its maintenance requirement.
func (e *Engine) IsLiquidatable(accountID uint64) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	acct, err := e.accountView(accountID)
	if err != nil {
		return false, err
	}
	if acct.flagged {
		return true, nil
	}
	return e.isLiquidatable(acct)
}

// IsFlagged reports whether an account has been flagged by a previous
// liquidation call and still has open positions.
func (e *Engine) IsFlagged(accountID uint64) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	acct, err := e.accountView(accountID)
	if err != nil {
		return false, err
	}
	return acct.flagged, nil
}

// Liquidate winds down an undercollateralized account. Callable by anyone;
// the caller (keeper) earns a reward for the work. The first call flags
// the account and charges the one-time flag cost; each call closes at most
// the per-market window capacity, so large positions unwind across several
// calls while remaining flagged. The position closes, reward payout and
// events commit as one unit or not at all.
func (e *Engine) Liquidate(keeper string, accountID uint64) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.account(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if !acct.flagged {
		eligible, err := e.isLiquidatable(acct)
		if err != nil {
			return decimal.Zero, err
		}
		if !eligible {
			return decimal.Zero, ErrNotLiquidatable
		}
	}
	now := e.now()

	// Flat keeper costs: flag cost once per flagging, scaled by the number
	// of distinct collateral types the flag touches; liquidate cost every
	// call.
	flatCost := e.costs.LiquidateCost()
	firstFlag := !acct.flagged
	if firstFlag {
		types := decimal.New(int64(max(len(acct.collateral), 1)), 0)
		flagCost, err := fixed.Mul(e.costs.FlagCost(), types)
		if err != nil {
			return decimal.Zero, err
		}
		flatCost = flatCost.Add(flagCost)
	}

	// Close each flagged position up to its market's window capacity. The
	// planning loop computes every value, including the post-commit funding
	// and window checkpoints, so the commit below cannot fail after the
	// keeper has been paid.
	type closure struct {
		market         *Market
		position       *Position
		amount         decimal.Decimal // signed size delta removed from position
		price          decimal.Decimal
		realized       decimal.Decimal
		remaining      decimal.Decimal
		fundingAccrued decimal.Decimal
		fundingRate    decimal.Decimal
		windowUsed     decimal.Decimal
	}
	var closures []closure
	ratioReward := decimal.Zero
	for _, marketID := range acct.MarketIDs() {
		m := e.markets[marketID]
		pos := m.position(accountID)
		if pos == nil {
			continue
		}
		capacity, err := m.liquidationCapacity(now)
		if err != nil {
			return decimal.Zero, err
		}
		amount := fixed.Min(pos.Size.Abs(), capacity)
		if amount.Sign() == 0 {
			continue
		}
		price, err := e.oracle.MarketPrice(marketID)
		if err != nil {
			return decimal.Zero, err
		}
		accrued, err := m.fundingAccruedAt(now, price)
		if err != nil {
			return decimal.Zero, err
		}
		rate, err := m.currentFundingRate(now)
		if err != nil {
			return decimal.Zero, err
		}
		refill, err := m.liquidationRefillRate()
		if err != nil {
			return decimal.Zero, err
		}
		// Realize price PnL on the closed size at the index price, plus
		// the position's full accrued funding.
		signed := amount
		if pos.Size.Sign() < 0 {
			signed = amount.Neg()
		}
		pricePnL, err := fixed.Mul(price.Sub(pos.EntryPrice), signed)
		if err != nil {
			return decimal.Zero, err
		}
		funding, err := pos.accruedFunding(accrued)
		if err != nil {
			return decimal.Zero, err
		}
		rw, err := fixed.Mul(amount.Mul(price), m.Params.LiquidationRewardRatio)
		if err != nil {
			return decimal.Zero, err
		}
		ratioReward = ratioReward.Add(rw)
		closures = append(closures, closure{
			market:         m,
			position:       pos,
			amount:         signed,
			price:          price,
			realized:       pricePnL.Add(funding),
			remaining:      pos.Size.Sub(signed),
			fundingAccrued: accrued,
			fundingRate:    rate,
			windowUsed:     m.liquidationUsedAt(now, refill).Add(amount),
		})
	}

	reward := e.guard.clampReward(flatCost.Add(ratioReward), flatCost)

	// Pay the keeper from the pool before committing; a custody failure
	// must leave the account untouched.
	if reward.Sign() > 0 {
		if err := e.ledger.PayKeeper(keeper, reward); err != nil {
			return decimal.Zero, err
		}
	}

	// Commit: advance checkpoints, shrink positions, charge the account for
	// the reward. Nothing here can fail.
	acct.flagged = true
	totalClosed := decimal.Zero
	for _, c := range closures {
		c.market.FundingAccrued = c.fundingAccrued
		c.market.LastFundingRate = c.fundingRate
		c.market.LastFundingTime = now
		c.market.LiquidationUsed = c.windowUsed
		c.market.LastLiquidationTime = now
		c.market.applySizeDelta(c.position.Size, c.remaining)
		creditUSD(acct, c.realized)
		if c.remaining.IsZero() {
			delete(c.market.positions, accountID)
			delete(acct.markets, c.market.ID)
		} else {
			c.position.Size = c.remaining
			c.position.EntryPrice = c.price
			c.position.EntryFunding = c.fundingAccrued
		}
		totalClosed = totalClosed.Add(c.amount.Abs())
		e.publish(PositionLiquidated{
			AccountID:       accountID,
			MarketID:        c.market.ID,
			AmountClosed:    c.amount.Abs(),
			AmountRemaining: c.remaining,
			Time:            now,
		})
	}
	creditUSD(acct, reward.Neg())
	fullyClosed := len(acct.markets) == 0
	if fullyClosed {
		acct.flagged = false
	}

	if e.metrics != nil {
		e.metrics.RecordLiquidation(totalClosed.InexactFloat64(), reward.InexactFloat64())
	}
	e.logger.Info("account liquidated",
		"account", accountID, "keeper", keeper,
		"closed", totalClosed, "reward", reward, "fullyClosed", fullyClosed)
	e.publish(AccountLiquidated{
		AccountID:   accountID,
		Keeper:      keeper,
		Reward:      reward,
		FullyClosed: fullyClosed,
		Time:        now,
	})
	return reward, nil
}

// clampReward bounds a keeper reward. Zero guard fields are unconfigured;
// when a flat bound and a cost-scaled bound are both configured, the wider
// one wins: the lower of the two minimums and the higher of the two
// maximums.
func (g RewardGuard) clampReward(total, flatCost decimal.Decimal) decimal.Decimal {
	lo := decimal.Zero
	hasLo := false
	if g.MinKeeperReward.Sign() > 0 {
		lo = g.MinKeeperReward
		hasLo = true
	}
	if g.MinKeeperProfitRatio.Sign() > 0 && flatCost.Sign() > 0 {
		scaled := flatCost.Mul(g.MinKeeperProfitRatio)
		if !hasLo || scaled.Cmp(lo) < 0 {
			lo = scaled
			hasLo = true
		}
	}
	hi := decimal.Zero
	hasHi := false
	if g.MaxKeeperReward.Sign() > 0 {
		hi = g.MaxKeeperReward
		hasHi = true
	}
	if g.MaxKeeperScalingRatio.Sign() > 0 && flatCost.Sign() > 0 {
		scaled := flatCost.Mul(g.MaxKeeperScalingRatio)
		if !hasHi || scaled.Cmp(hi) > 0 {
			hi = scaled
			hasHi = true
		}
	}
	if hasLo && total.Cmp(lo) < 0 {
		total = lo
	}
	if hasHi && total.Cmp(hi) > 0 {
		total = hi
	}
	return total
}
