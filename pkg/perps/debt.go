package perps

import (
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/fixed"
)

// Debt returns an account's outstanding debt, always >= 0.
func (e *Engine) Debt(accountID uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	acct, err := e.accountView(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.debt, nil
}

// ReportedDebt returns the aggregate debt across all accounts, as reported
// to the external accounting collaborator.
func (e *Engine) ReportedDebt() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := decimal.Zero
	for _, acct := range e.accounts {
		total = total.Add(acct.debt)
	}
	return total
}

// PayDebt transfers unit-of-account value from the account into the shared
// pool to reduce its debt. Amounts above the outstanding debt are capped
// silently: debt goes to exactly zero and only the consumed amount moves.
func (e *Engine) PayDebt(accountID uint64, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	consumed, err := e.reduceDebt(accountID, amount, func(_ *Account, consumed decimal.Decimal) error {
		return e.ledger.TransferIn(accountID, UnitOfAccount, consumed)
	})
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordDebtPayment(consumed.InexactFloat64())
	}
	return nil
}

// RebalanceDebt retires debt by burning the account's own deposited
// unit-of-account collateral into the shared pool, rather than pulling an
// external transfer. Fails when the pool cannot absorb the amount or the
// account does not hold enough unit-of-account collateral to fund it.
func (e *Engine) RebalanceDebt(accountID uint64, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	consumed, err := e.reduceDebt(accountID, amount, func(acct *Account, consumed decimal.Decimal) error {
		credit, err := e.ledger.PoolCredit()
		if err != nil {
			return err
		}
		if credit.Cmp(consumed) < 0 {
			return &InsufficientCreditError{Available: credit, Requested: consumed}
		}
		bal := acct.collateral[UnitOfAccount]
		if bal.Cmp(consumed) < 0 {
			return &InsufficientCollateralError{
				CollateralID: UnitOfAccount,
				Available:    bal,
				Requested:    consumed,
			}
		}
		creditUSD(acct, consumed.Neg())
		return nil
	})
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordDebtPayment(consumed.InexactFloat64())
	}
	return nil
}

// reduceDebt validates the payment, caps it at the outstanding debt, runs
// the funding step, and commits. fund moves the value; an error from it
// aborts the call before the debt balance changes.
func (e *Engine) reduceDebt(accountID uint64, amount decimal.Decimal, fund func(*Account, decimal.Decimal) error) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmountDelta
	}
	if err := fixed.Check(amount); err != nil {
		return decimal.Zero, err
	}
	acct, err := e.account(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if acct.debt.Sign() == 0 {
		return decimal.Zero, &NonexistentDebtError{AccountID: accountID}
	}
	consumed := fixed.Min(amount, acct.debt)
	if err := fund(acct, consumed); err != nil {
		return decimal.Zero, err
	}
	acct.debt = acct.debt.Sub(consumed)

	e.logger.Info("debt reduced", "account", accountID, "amount", consumed, "remaining", acct.debt)
	e.publish(DebtPaid{
		AccountID: accountID,
		Amount:    consumed,
		Remaining: acct.debt,
		Time:      e.now(),
	})
	return consumed, nil
}
