package perps

import (
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/fixed"
)

// SettleOrder applies a settled order's size delta to the account's
// position in a market. The settlement price is the fill price already
// computed by the order pipeline (commit/settle mechanics live outside the
// engine); this entry point realizes PnL and funding, charges fees, runs
// the margin check for risk-increasing trades, and updates skew and the
// account's active-market set. Everything commits atomically: any failure
// leaves no state change.
func (e *Engine) SettleOrder(accountID, marketID uint64, sizeDelta, settlementPrice decimal.Decimal) (SettlementResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sizeDelta.IsZero() {
		return SettlementResult{}, ErrInvalidAmountDelta
	}
	if err := fixed.Check(sizeDelta); err != nil {
		return SettlementResult{}, err
	}
	acct, err := e.account(accountID)
	if err != nil {
		return SettlementResult{}, err
	}
	// Flagged accounts trade only through liquidation.
	if acct.flagged {
		return SettlementResult{}, ErrAccountLiquidatable
	}
	m, err := e.market(marketID)
	if err != nil {
		return SettlementResult{}, err
	}
	indexPrice, err := e.oracle.MarketPrice(marketID)
	if err != nil {
		return SettlementResult{}, err
	}

	now := e.now()
	// Compute the funding checkpoint the trade will settle against without
	// committing it yet; the accrual is applied with the rest of the state.
	accrued, err := m.fundingAccruedAt(now, indexPrice)
	if err != nil {
		return SettlementResult{}, err
	}

	old := m.position(accountID)
	oldSize := decimal.Zero
	realized := decimal.Zero
	funding := decimal.Zero
	if old != nil {
		oldSize = old.Size
		// Mark the whole position to the settlement price: each
		// interaction realizes accumulated price PnL and funding, and the
		// surviving size re-enters at the new price.
		realized, err = fixed.Mul(settlementPrice.Sub(old.EntryPrice), old.Size)
		if err != nil {
			return SettlementResult{}, err
		}
		funding, err = old.accruedFunding(accrued)
		if err != nil {
			return SettlementResult{}, err
		}
	}
	newSize := oldSize.Add(sizeDelta)
	if err := fixed.Check(newSize); err != nil {
		return SettlementResult{}, err
	}

	fee, err := e.orderFee(m, sizeDelta, settlementPrice)
	if err != nil {
		return SettlementResult{}, err
	}
	settlementCost := e.costs.SettlementCost()
	charge := realized.Add(funding).Sub(fee).Sub(settlementCost)

	// Trial-apply to scratch state for the margin check.
	if increasesRisk(oldSize, newSize) {
		if err := e.checkInitialMargin(acct, m, newSize, charge, indexPrice); err != nil {
			return SettlementResult{}, err
		}
	}

	// Commit.
	if err := m.accrueFunding(now, indexPrice); err != nil {
		return SettlementResult{}, err
	}
	creditUSD(acct, charge)
	m.applySizeDelta(oldSize, newSize)
	if newSize.IsZero() {
		delete(m.positions, accountID)
		delete(acct.markets, marketID)
	} else {
		m.positions[accountID] = &Position{
			AccountID:    accountID,
			MarketID:     marketID,
			Size:         newSize,
			EntryPrice:   settlementPrice,
			EntryFunding: m.FundingAccrued,
		}
		acct.markets[marketID] = struct{}{}
	}

	if e.metrics != nil {
		e.metrics.RecordSettlement()
	}
	e.logger.Info("order settled",
		"account", accountID, "market", marketID,
		"sizeDelta", sizeDelta, "price", settlementPrice, "pnl", realized)
	e.publish(OrderSettled{
		AccountID:   accountID,
		MarketID:    marketID,
		SizeDelta:   sizeDelta,
		FillPrice:   settlementPrice,
		Fee:         fee,
		RealizedPnL: realized,
		Time:        now,
	})
	return SettlementResult{
		FillPrice:      settlementPrice,
		Fee:            fee,
		SettlementCost: settlementCost,
		RealizedPnL:    realized,
		AccruedFunding: funding,
		NewSize:        newSize,
	}, nil
}

// orderFee charges the maker rate when the trade reduces the magnitude of
// market skew, the taker rate otherwise.
func (e *Engine) orderFee(m *Market, sizeDelta, price decimal.Decimal) (decimal.Decimal, error) {
	notional := sizeDelta.Abs().Mul(price)
	rate := m.Params.TakerFee
	if m.Skew.Add(sizeDelta).Abs().Cmp(m.Skew.Abs()) < 0 {
		rate = m.Params.MakerFee
	}
	return fixed.Mul(notional, rate)
}

func increasesRisk(oldSize, newSize decimal.Decimal) bool {
	return newSize.Abs().Cmp(oldSize.Abs()) > 0
}

// checkInitialMargin validates the post-trade account against its initial
// margin requirement without mutating engine state.
func (e *Engine) checkInitialMargin(acct *Account, m *Market, newSize, charge, indexPrice decimal.Decimal) error {
	available, err := e.availableMargin(acct.ID)
	if err != nil {
		return err
	}
	req, err := e.requiredMargins(acct.ID)
	if err != nil {
		return err
	}

	// Swap the mutating market's contribution for its post-trade values.
	old := m.position(acct.ID)
	if old != nil {
		op, err := e.openPosition(m, old, indexPrice)
		if err != nil {
			return err
		}
		available = available.Sub(op.UnrealizedPnL).Sub(op.AccruedFunding)
		im, _, _, err := positionMargins(m.Params, old.Size, indexPrice)
		if err != nil {
			return err
		}
		req.Initial = req.Initial.Sub(im)
	}
	available = available.Add(charge)
	im, _, _, err := positionMargins(m.Params, newSize, indexPrice)
	if err != nil {
		return err
	}
	req.Initial = req.Initial.Add(im)

	if available.Cmp(req.Initial) < 0 {
		return &InsufficientMarginError{
			AccountID: acct.ID,
			Available: available,
			Required:  req.Initial,
		}
	}
	return nil
}
