package perps

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time serializable copy of all engine state, used
// by the host to persist and restore across restarts. Decimals marshal as
// strings, so snapshots are precision-exact.
type Snapshot struct {
	Accounts   []AccountSnapshot           `json:"accounts"`
	Markets    []MarketSnapshot            `json:"markets"`
	Collateral map[uint64]CollateralParams `json:"collateral"`
	Guard      RewardGuard                 `json:"guard"`
}

// AccountSnapshot is one account's persisted state.
type AccountSnapshot struct {
	ID         uint64                     `json:"id"`
	Collateral map[uint64]decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal            `json:"debt"`
	Flagged    bool                       `json:"flagged"`
}

// MarketSnapshot is one market's persisted state including its positions.
type MarketSnapshot struct {
	ID     uint64       `json:"id"`
	Params MarketParams `json:"params"`

	Skew            decimal.Decimal `json:"skew"`
	Size            decimal.Decimal `json:"size"`
	LastFundingRate decimal.Decimal `json:"lastFundingRate"`
	FundingAccrued  decimal.Decimal `json:"fundingAccrued"`
	LastFundingTime time.Time       `json:"lastFundingTime"`

	LiquidationUsed     decimal.Decimal `json:"liquidationUsed"`
	LastLiquidationTime time.Time       `json:"lastLiquidationTime"`

	Positions []Position `json:"positions"`
}

// Snapshot copies the engine's full state.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &Snapshot{
		Collateral: make(map[uint64]CollateralParams, len(e.collateral)),
		Guard:      e.guard,
	}
	for id, cfg := range e.collateral {
		snap.Collateral[id] = cfg
	}

	accountIDs := make([]uint64, 0, len(e.accounts))
	for id := range e.accounts {
		accountIDs = append(accountIDs, id)
	}
	sortIDs(accountIDs)
	for _, id := range accountIDs {
		acct := e.accounts[id]
		as := AccountSnapshot{
			ID:         id,
			Collateral: make(map[uint64]decimal.Decimal, len(acct.collateral)),
			Debt:       acct.debt,
			Flagged:    acct.flagged,
		}
		for cid, qty := range acct.collateral {
			as.Collateral[cid] = qty
		}
		snap.Accounts = append(snap.Accounts, as)
	}

	marketIDs := make([]uint64, 0, len(e.markets))
	for id := range e.markets {
		marketIDs = append(marketIDs, id)
	}
	sortIDs(marketIDs)
	for _, id := range marketIDs {
		m := e.markets[id]
		ms := MarketSnapshot{
			ID:                  id,
			Params:              m.Params,
			Skew:                m.Skew,
			Size:                m.Size,
			LastFundingRate:     m.LastFundingRate,
			FundingAccrued:      m.FundingAccrued,
			LastFundingTime:     m.LastFundingTime,
			LiquidationUsed:     m.LiquidationUsed,
			LastLiquidationTime: m.LastLiquidationTime,
		}
		for _, aid := range sortedPositionIDs(m) {
			ms.Positions = append(ms.Positions, *m.positions[aid])
		}
		snap.Markets = append(snap.Markets, ms)
	}
	return snap
}

// Restore replaces the engine's state with a snapshot.
func (e *Engine) Restore(snap *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	accounts := make(map[uint64]*Account, len(snap.Accounts))
	for _, as := range snap.Accounts {
		acct := newAccount(as.ID)
		for cid, qty := range as.Collateral {
			if qty.Sign() < 0 {
				return ErrInvalidParameter
			}
			acct.collateral[cid] = qty
		}
		if as.Debt.Sign() < 0 {
			return ErrInvalidParameter
		}
		acct.debt = as.Debt
		acct.flagged = as.Flagged
		accounts[as.ID] = acct
	}

	markets := make(map[uint64]*Market, len(snap.Markets))
	for _, ms := range snap.Markets {
		if err := validateMarketParams(ms.Params); err != nil {
			return err
		}
		m := newMarket(ms.ID, ms.Params, ms.LastFundingTime)
		m.Skew = ms.Skew
		m.Size = ms.Size
		m.LastFundingRate = ms.LastFundingRate
		m.FundingAccrued = ms.FundingAccrued
		m.LiquidationUsed = ms.LiquidationUsed
		m.LastLiquidationTime = ms.LastLiquidationTime
		for _, p := range ms.Positions {
			pos := p
			m.positions[p.AccountID] = &pos
			acct, ok := accounts[p.AccountID]
			if !ok {
				acct = newAccount(p.AccountID)
				accounts[p.AccountID] = acct
			}
			acct.markets[ms.ID] = struct{}{}
		}
		markets[ms.ID] = m
	}

	collateral := make(map[uint64]CollateralParams, len(snap.Collateral))
	for id, cfg := range snap.Collateral {
		collateral[id] = cfg
	}
	if _, ok := collateral[UnitOfAccount]; !ok {
		collateral[UnitOfAccount] = CollateralParams{}
	}

	e.accounts = accounts
	e.markets = markets
	e.collateral = collateral
	e.guard = snap.Guard
	if e.metrics != nil {
		e.metrics.SetOpenAccounts(len(e.accounts))
	}
	e.logger.Info("state restored", "accounts", len(accounts), "markets", len(markets))
	return nil
}

func sortedPositionIDs(m *Market) []uint64 {
	ids := make([]uint64, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}
