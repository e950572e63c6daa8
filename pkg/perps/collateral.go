package perps

import (
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/fixed"
)

// CollateralValue prices a quantity of one collateral type, applying the
// configured discount curve. The discount grows linearly with the
// quantity-to-skewScale ratio, bounded to [lower, upper]: it models the
// slippage expected when selling the collateral on its spot venue. The
// unit of account is always worth par.
func CollateralValue(cfg CollateralParams, quantity, price decimal.Decimal) (decimal.Decimal, error) {
	if quantity.Sign() <= 0 {
		return decimal.Zero, nil
	}
	raw, err := fixed.Mul(quantity, price)
	if err != nil {
		return decimal.Zero, err
	}
	if cfg.SkewScale.Sign() <= 0 || cfg.DiscountScalar.Sign() <= 0 {
		return raw, nil
	}
	discount, err := fixed.MulDiv(quantity, cfg.DiscountScalar, cfg.SkewScale)
	if err != nil {
		return decimal.Zero, err
	}
	discount = fixed.Clamp(discount, cfg.LowerLimitDiscount, cfg.UpperLimitDiscount)
	return fixed.Mul(raw, fixed.One.Sub(discount))
}

// TotalCollateralValue sums the discounted value of all collateral an
// account holds, in unit-of-account terms.
func (e *Engine) TotalCollateralValue(accountID uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalCollateralValue(accountID)
}

func (e *Engine) totalCollateralValue(accountID uint64) (decimal.Decimal, error) {
	acct, err := e.accountView(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, id := range acct.CollateralIDs() {
		qty := acct.collateral[id]
		if id == UnitOfAccount {
			total = total.Add(qty)
			continue
		}
		price, err := e.oracle.CollateralPrice(id)
		if err != nil {
			return decimal.Zero, err
		}
		v, err := CollateralValue(e.collateral[id], qty, price)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v)
	}
	return total, nil
}

// CollateralAmount returns the deposited quantity of one collateral type.
func (e *Engine) CollateralAmount(accountID, collateralID uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	acct, err := e.accountView(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.CollateralAmount(collateralID), nil
}

// AccountCollateralIDs returns the collateral types an account holds.
func (e *Engine) AccountCollateralIDs(accountID uint64) ([]uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	acct, err := e.accountView(accountID)
	if err != nil {
		return nil, err
	}
	return acct.CollateralIDs(), nil
}

// ModifyCollateral deposits (delta > 0) or withdraws (delta < 0) collateral
// on behalf of an account. The caller must hold the modify-collateral
// permission. The external transfer and the balance mutation commit
// together: a ledger failure aborts the call with no state change.
func (e *Engine) ModifyCollateral(caller string, accountID, collateralID uint64, delta decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if delta.IsZero() {
		return ErrInvalidAmountDelta
	}
	if err := fixed.Check(delta); err != nil {
		return err
	}
	// Resolve permissions before materializing the engine-side record, so a
	// rejected call leaves no trace of the account.
	if !e.registry.AccountExists(accountID) {
		return &AccountNotFoundError{AccountID: accountID}
	}
	if !e.registry.HasPermission(accountID, caller, PermModifyCollateral) {
		return &PermissionDeniedError{AccountID: accountID, Caller: caller, Permission: PermModifyCollateral}
	}
	acct, err := e.account(accountID)
	if err != nil {
		return err
	}

	if delta.Sign() > 0 {
		err = e.deposit(acct, collateralID, delta)
	} else {
		err = e.withdraw(acct, collateralID, delta.Neg())
	}
	if err != nil {
		return err
	}

	if e.metrics != nil {
		if delta.Sign() > 0 {
			e.metrics.RecordDeposit()
		} else {
			e.metrics.RecordWithdrawal()
		}
	}
	e.logger.Info("collateral modified",
		"account", accountID, "collateral", collateralID, "delta", delta, "caller", caller)
	e.publish(CollateralModified{
		AccountID:    accountID,
		CollateralID: collateralID,
		Delta:        delta,
		Caller:       caller,
		Time:         e.now(),
	})
	return nil
}

func (e *Engine) deposit(acct *Account, collateralID uint64, amount decimal.Decimal) error {
	cfg, enabled := e.collateral[collateralID]
	if !enabled {
		return &SynthNotEnabledError{CollateralID: collateralID}
	}
	current := acct.collateral[collateralID]
	// The unit of account is uncapped; configured types enforce MaxDeposit.
	if collateralID != UnitOfAccount && current.Add(amount).Cmp(cfg.MaxDeposit) > 0 {
		return &MaxCollateralExceededError{
			CollateralID: collateralID,
			Max:          cfg.MaxDeposit,
			Current:      current,
			Deposit:      amount,
		}
	}
	// Pull funds into the pool before crediting the balance; allowance and
	// balance failures surface from the ledger untouched.
	if err := e.ledger.TransferIn(acct.ID, collateralID, amount); err != nil {
		return err
	}
	acct.collateral[collateralID] = current.Add(amount)
	return nil
}

func (e *Engine) withdraw(acct *Account, collateralID uint64, amount decimal.Decimal) error {
	current := acct.collateral[collateralID]
	if current.Cmp(amount) < 0 {
		return &InsufficientCollateralError{
			CollateralID: collateralID,
			Available:    current,
			Requested:    amount,
		}
	}

	// A flagged account stays locked until its liquidation completes, even
	// if its margin has recovered in the meantime.
	if acct.flagged {
		return ErrAccountLiquidatable
	}
	if len(acct.markets) > 0 || acct.debt.Sign() > 0 {
		eligible, err := e.isLiquidatable(acct)
		if err != nil {
			return err
		}
		if eligible {
			return ErrAccountLiquidatable
		}
	}

	// Value the withdrawal and check it against withdrawable margin before
	// touching any state.
	var value decimal.Decimal
	if collateralID == UnitOfAccount {
		value = amount
	} else {
		price, err := e.oracle.CollateralPrice(collateralID)
		if err != nil {
			return err
		}
		v, err := CollateralValue(e.collateral[collateralID], amount, price)
		if err != nil {
			return err
		}
		value = v
	}
	withdrawable, err := e.withdrawableMargin(acct.ID)
	if err != nil {
		return err
	}
	if withdrawable.Cmp(value) < 0 {
		return &InsufficientWithdrawableError{
			AccountID:    acct.ID,
			Withdrawable: withdrawable,
			Requested:    value,
		}
	}

	if err := e.ledger.TransferOut(acct.ID, collateralID, amount); err != nil {
		return err
	}
	remaining := current.Sub(amount)
	if remaining.Sign() == 0 {
		delete(acct.collateral, collateralID)
	} else {
		acct.collateral[collateralID] = remaining
	}
	return nil
}
