package perps

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is an engine state-change notification for off-engine auditing.
type Event interface {
	EventType() string
}

// Sink receives engine events. Publish is called inside the engine's
// critical section after the state transition has committed, so sinks must
// not call back into the engine.
type Sink interface {
	Publish(Event)
}

// CollateralModified records a deposit (positive delta) or withdrawal.
type CollateralModified struct {
	AccountID    uint64          `json:"accountId"`
	CollateralID uint64          `json:"collateralId"`
	Delta        decimal.Decimal `json:"delta"`
	Caller       string          `json:"caller"`
	Time         time.Time       `json:"time"`
}

func (CollateralModified) EventType() string { return "collateral.modified" }

// OrderSettled records a position mutation from order settlement.
type OrderSettled struct {
	AccountID   uint64          `json:"accountId"`
	MarketID    uint64          `json:"marketId"`
	SizeDelta   decimal.Decimal `json:"sizeDelta"`
	FillPrice   decimal.Decimal `json:"fillPrice"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Time        time.Time       `json:"time"`
}

func (OrderSettled) EventType() string { return "order.settled" }

// PositionLiquidated is emitted once per market position touched by a
// liquidation call.
type PositionLiquidated struct {
	AccountID       uint64          `json:"accountId"`
	MarketID        uint64          `json:"marketId"`
	AmountClosed    decimal.Decimal `json:"amountClosed"`
	AmountRemaining decimal.Decimal `json:"amountRemaining"`
	Time            time.Time       `json:"time"`
}

func (PositionLiquidated) EventType() string { return "position.liquidated" }

// AccountLiquidated is emitted once per liquidation call.
type AccountLiquidated struct {
	AccountID    uint64          `json:"accountId"`
	Keeper       string          `json:"keeper"`
	Reward       decimal.Decimal `json:"reward"`
	FullyClosed  bool            `json:"fullyClosed"`
	Time         time.Time       `json:"time"`
}

func (AccountLiquidated) EventType() string { return "account.liquidated" }

// DebtPaid records a debt repayment, including silent capping.
type DebtPaid struct {
	AccountID uint64          `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"` // amount actually consumed
	Remaining decimal.Decimal `json:"remaining"`
	Time      time.Time       `json:"time"`
}

func (DebtPaid) EventType() string { return "debt.paid" }

func (e *Engine) publish(ev Event) {
	if e.sink != nil {
		e.sink.Publish(ev)
	}
}
