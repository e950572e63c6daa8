package perps

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmountDelta rejects a zero collateral delta.
	ErrInvalidAmountDelta = errors.New("perps: collateral delta must be nonzero")
	// ErrZeroSkewScale rejects market configuration with a zero skew scale.
	ErrZeroSkewScale = errors.New("perps: skew scale must be positive")
	// ErrInvalidParameter rejects negative or out-of-range configuration.
	ErrInvalidParameter = errors.New("perps: invalid parameter")
	// ErrAccountLiquidatable blocks withdrawals from an account that is
	// currently eligible for liquidation.
	ErrAccountLiquidatable = errors.New("perps: account is liquidatable")
	// ErrNotLiquidatable is returned by Liquidate when the account's margin
	// is above maintenance and it is not flagged.
	ErrNotLiquidatable = errors.New("perps: account is not liquidatable")
)

// AccountNotFoundError reports an account id unknown to the registry.
type AccountNotFoundError struct {
	AccountID uint64
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("perps: account %d not found", e.AccountID)
}

// MarketNotFoundError reports an unknown market id.
type MarketNotFoundError struct {
	MarketID uint64
}

func (e *MarketNotFoundError) Error() string {
	return fmt.Sprintf("perps: market %d not found", e.MarketID)
}

// PermissionDeniedError reports a caller lacking a required permission.
type PermissionDeniedError struct {
	AccountID  uint64
	Caller     string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("perps: caller %s lacks %s on account %d", e.Caller, e.Permission, e.AccountID)
}

// SynthNotEnabledError reports a deposit of an unconfigured collateral type.
type SynthNotEnabledError struct {
	CollateralID uint64
}

func (e *SynthNotEnabledError) Error() string {
	return fmt.Sprintf("perps: collateral %d not enabled", e.CollateralID)
}

// MaxCollateralExceededError reports a deposit that would push a collateral
// type past its configured cap.
type MaxCollateralExceededError struct {
	CollateralID uint64
	Max          decimal.Decimal
	Current      decimal.Decimal
	Deposit      decimal.Decimal
}

func (e *MaxCollateralExceededError) Error() string {
	return fmt.Sprintf("perps: deposit %s of collateral %d exceeds max %s (current %s)",
		e.Deposit, e.CollateralID, e.Max, e.Current)
}

// InsufficientCollateralError reports a withdrawal larger than the held
// balance of that collateral type.
type InsufficientCollateralError struct {
	CollateralID uint64
	Available    decimal.Decimal
	Requested    decimal.Decimal
}

func (e *InsufficientCollateralError) Error() string {
	return fmt.Sprintf("perps: insufficient collateral %d: have %s, want %s",
		e.CollateralID, e.Available, e.Requested)
}

// InsufficientWithdrawableError reports a withdrawal that would leave
// withdrawable margin negative.
type InsufficientWithdrawableError struct {
	AccountID    uint64
	Withdrawable decimal.Decimal
	Requested    decimal.Decimal
}

func (e *InsufficientWithdrawableError) Error() string {
	return fmt.Sprintf("perps: account %d withdrawable margin %s below requested %s",
		e.AccountID, e.Withdrawable, e.Requested)
}

// InsufficientMarginError rejects a risk-increasing settlement that would
// leave available margin under the initial requirement.
type InsufficientMarginError struct {
	AccountID uint64
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("perps: account %d margin %s below initial requirement %s",
		e.AccountID, e.Available, e.Required)
}

// NonexistentDebtError rejects a debt payment against a zero debt balance.
type NonexistentDebtError struct {
	AccountID uint64
}

func (e *NonexistentDebtError) Error() string {
	return fmt.Sprintf("perps: account %d has no debt", e.AccountID)
}

// InsufficientCreditError reports that the shared pool lacks spare credit
// for a debt rebalance.
type InsufficientCreditError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("perps: pool credit %s below requested %s", e.Available, e.Requested)
}
