package perps

import (
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/metrics"
)

// Engine owns all margin, funding, debt and liquidation state. Every public
// operation runs to completion under one lock; the host's single-writer
// execution model means the lock is never contended in production, it only
// guards against misuse.
type Engine struct {
	mu sync.RWMutex

	logger   log.Logger
	oracle   PriceOracle
	ledger   TransferLedger
	registry AccountRegistry
	costs    CostOracle
	sink     Sink
	metrics  *metrics.Metrics
	now      Clock

	accounts   map[uint64]*Account
	markets    map[uint64]*Market
	collateral map[uint64]CollateralParams
	guard      RewardGuard
}

// Config wires the engine's collaborators. Oracle, Ledger, Registry and
// Costs are required; Sink, Metrics and Now are optional.
type Config struct {
	Logger   log.Logger
	Oracle   PriceOracle
	Ledger   TransferLedger
	Registry AccountRegistry
	Costs    CostOracle
	Sink     Sink
	Metrics  *metrics.Metrics
	Now      Clock
}

// NewEngine creates an engine with no markets or collateral types
// configured. The unit-of-account collateral is always enabled, uncapped
// and undiscounted.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root().New("module", "perps")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		logger:     logger,
		oracle:     cfg.Oracle,
		ledger:     cfg.Ledger,
		registry:   cfg.Registry,
		costs:      cfg.Costs,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		now:        now,
		accounts:   make(map[uint64]*Account),
		markets:    make(map[uint64]*Market),
		collateral: make(map[uint64]CollateralParams),
	}
	e.collateral[UnitOfAccount] = CollateralParams{}
	return e
}

// CreateMarket registers a new market. Fails fast on a zero skew scale.
func (e *Engine) CreateMarket(id uint64, params MarketParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := validateMarketParams(params); err != nil {
		return err
	}
	if _, exists := e.markets[id]; exists {
		return ErrInvalidParameter
	}
	e.markets[id] = newMarket(id, params, e.now())
	e.logger.Info("market created", "market", id, "skewScale", params.SkewScale)
	return nil
}

// UpdateMarketParams replaces a market's risk configuration.
func (e *Engine) UpdateMarketParams(id uint64, params MarketParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.markets[id]
	if !ok {
		return &MarketNotFoundError{MarketID: id}
	}
	if err := validateMarketParams(params); err != nil {
		return err
	}
	// Checkpoint funding under the old parameters before the velocity
	// parameters change.
	price, err := e.oracle.MarketPrice(id)
	if err != nil {
		return err
	}
	if err := m.accrueFunding(e.now(), price); err != nil {
		return err
	}
	m.Params = params
	e.logger.Info("market params updated", "market", id)
	return nil
}

// SetCollateralParams enables or reconfigures a collateral type. The
// discount curve is validated so valuation stays monotonic in quantity:
// upper limit discounts past 0.5 would make larger balances worth less in
// total.
func (e *Engine) SetCollateralParams(id uint64, params CollateralParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id == UnitOfAccount {
		return ErrInvalidParameter
	}
	if params.SkewScale.Sign() <= 0 {
		return ErrZeroSkewScale
	}
	if params.MaxDeposit.Sign() < 0 || params.DiscountScalar.Sign() < 0 {
		return ErrInvalidParameter
	}
	if params.LowerLimitDiscount.Sign() < 0 ||
		params.UpperLimitDiscount.Cmp(params.LowerLimitDiscount) < 0 ||
		params.UpperLimitDiscount.Cmp(decimal.New(5, -1)) > 0 {
		return ErrInvalidParameter
	}
	e.collateral[id] = params
	e.logger.Info("collateral configured", "collateral", id, "maxDeposit", params.MaxDeposit)
	return nil
}

// SetRewardGuard replaces the keeper reward guard.
func (e *Engine) SetRewardGuard(guard RewardGuard) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range []decimal.Decimal{
		guard.MinKeeperReward, guard.MaxKeeperReward,
		guard.MinKeeperProfitRatio, guard.MaxKeeperScalingRatio,
	} {
		if v.Sign() < 0 {
			return ErrInvalidParameter
		}
	}
	e.guard = guard
	return nil
}

// Market returns a copy of a market's aggregate state.
func (e *Engine) Market(id uint64) (Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.markets[id]
	if !ok {
		return Market{}, &MarketNotFoundError{MarketID: id}
	}
	snap := *m
	snap.positions = nil
	return snap, nil
}

// CurrentFundingRate returns a market's funding rate at now.
func (e *Engine) CurrentFundingRate(id uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.markets[id]
	if !ok {
		return decimal.Zero, &MarketNotFoundError{MarketID: id}
	}
	return m.currentFundingRate(e.now())
}

// CurrentFundingVelocity returns a market's funding velocity, per day.
func (e *Engine) CurrentFundingVelocity(id uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.markets[id]
	if !ok {
		return decimal.Zero, &MarketNotFoundError{MarketID: id}
	}
	return m.fundingVelocity()
}

// LiquidationCapacity returns the size a market currently permits to be
// liquidated.
func (e *Engine) LiquidationCapacity(id uint64) (decimal.Decimal, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.markets[id]
	if !ok {
		return decimal.Zero, &MarketNotFoundError{MarketID: id}
	}
	return m.liquidationCapacity(e.now())
}

// account returns the engine-side record for an id known to the registry,
// creating the empty record on first touch. The registry owns account
// lifecycle; the engine only mirrors ids it has seen.
func (e *Engine) account(id uint64) (*Account, error) {
	if !e.registry.AccountExists(id) {
		return nil, &AccountNotFoundError{AccountID: id}
	}
	acct, ok := e.accounts[id]
	if !ok {
		acct = newAccount(id)
		e.accounts[id] = acct
		if e.metrics != nil {
			e.metrics.SetOpenAccounts(len(e.accounts))
		}
	}
	return acct, nil
}

// accountView resolves an account for read paths without creating the
// engine-side record, so it is safe under the read lock. Ids the registry
// knows but the engine has never touched read as empty accounts.
func (e *Engine) accountView(id uint64) (*Account, error) {
	if !e.registry.AccountExists(id) {
		return nil, &AccountNotFoundError{AccountID: id}
	}
	if acct, ok := e.accounts[id]; ok {
		return acct, nil
	}
	return newAccount(id), nil
}

func (e *Engine) market(id uint64) (*Market, error) {
	m, ok := e.markets[id]
	if !ok {
		return nil, &MarketNotFoundError{MarketID: id}
	}
	return m, nil
}

// creditUSD applies a signed unit-of-account delta to an account's
// collateral. A negative result is clamped at zero and the shortfall moves
// to the debt balance; debt is only ever reduced by explicit repayment.
func creditUSD(acct *Account, delta decimal.Decimal) {
	bal := acct.collateral[UnitOfAccount].Add(delta)
	if bal.Sign() < 0 {
		acct.debt = acct.debt.Add(bal.Neg())
		bal = decimal.Zero
	}
	if bal.Sign() == 0 {
		delete(acct.collateral, UnitOfAccount)
	} else {
		acct.collateral[UnitOfAccount] = bal
	}
}
