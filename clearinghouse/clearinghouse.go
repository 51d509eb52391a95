// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/clearinghouse/amm"
	"github.com/luxfi/clearinghouse/fixedpoint"
	"github.com/luxfi/clearinghouse/oracle"
	"github.com/luxfi/clearinghouse/tick"
)

// StateStore persists the entities an operation touched. Writes are staged
// until Commit and discarded by Abort.
type StateStore interface {
	PutAccount(a *Account) error
	PutMarket(s *MarketState) error
	PutInsuranceFund(f *InsuranceFund) error
	PutPayout(keeper common.Address, amount *big.Int) error
	Commit() error
	Abort()
}

// Snapshot is the persisted state a ClearingHouse can be restored from.
type Snapshot struct {
	Accounts      []*Account
	Markets       []*MarketState
	InsuranceFund *InsuranceFund
	Payouts       map[common.Address]*big.Int
}

type state struct {
	accounts    []*Account
	markets     map[MarketID]*Market
	collaterals map[common.Address]*Collateral
	insurance   *InsuranceFund
	payouts     map[common.Address]*big.Int
	history     []*LiquidationEvent
}

func (s *state) clone() *state {
	c := &state{
		accounts:    make([]*Account, len(s.accounts)),
		markets:     make(map[MarketID]*Market, len(s.markets)),
		collaterals: make(map[common.Address]*Collateral, len(s.collaterals)),
		insurance:   s.insurance.Clone(),
		payouts:     make(map[common.Address]*big.Int, len(s.payouts)),
		history:     append([]*LiquidationEvent(nil), s.history...),
	}
	for i, a := range s.accounts {
		c.accounts[i] = a.Clone()
	}
	for id, m := range s.markets {
		c.markets[id] = m.clone()
	}
	for t, col := range s.collaterals {
		c.collaterals[t] = col
	}
	for k, v := range s.payouts {
		c.payouts[k] = new(big.Int).Set(v)
	}
	return c
}

func (s *state) credit(keeper common.Address, amount *big.Int) {
	s.payouts[keeper] = new(big.Int).Add(fixedpoint.Clone(s.payouts[keeper]), amount)
}

func (s *state) treasury() *big.Int {
	total := new(big.Int)
	for _, m := range s.markets {
		total.Add(total, m.fees.ProtocolFees)
	}
	return total
}

// txn is the scope of one atomic operation.
type txn struct {
	now      uint64
	state    *state
	accounts map[uint64]struct{}
	markets  map[MarketID]struct{}
	onCommit []func()
}

func (tx *txn) account(id uint64) (*Account, error) {
	if id >= uint64(len(tx.state.accounts)) {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	tx.accounts[id] = struct{}{}
	return tx.state.accounts[id], nil
}

func (tx *txn) ownedAccount(caller common.Address, id uint64) (*Account, error) {
	a, err := tx.account(id)
	if err != nil {
		return nil, err
	}
	if a.Owner != caller {
		return nil, fmt.Errorf("%w: account %d", ErrUnauthorized, id)
	}
	return a, nil
}

func (tx *txn) market(id MarketID) (*Market, error) {
	m, ok := tx.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	tx.markets[id] = struct{}{}
	return m, nil
}

// ClearingHouse is the margin and settlement engine over a set of markets.
type ClearingHouse struct {
	log        log.Logger
	clock      func() uint64
	store      StateStore
	metrics    *metrics
	settlement common.Address
	params     Params
	margin     *marginEngine
	capacity   int
	historyCap int

	// lockMu guards locked, the in-flight flag rejecting reentrant and
	// concurrent operations.
	lockMu sync.Mutex
	locked bool

	mu    sync.RWMutex
	state *state
}

// New creates a clearing house with the settlement token registered as
// collateral at a fixed price of one.
func New(cfg Config) (*ClearingHouse, error) {
	if err := cfg.Params.Verify(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.Log == nil {
		cfg.Log = def.Log
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.ObservationCapacity <= 0 {
		cfg.ObservationCapacity = def.ObservationCapacity
	}
	if cfg.LiquidationHistory <= 0 {
		cfg.LiquidationHistory = def.LiquidationHistory
	}

	ch := &ClearingHouse{
		log:        cfg.Log,
		clock:      cfg.Clock,
		store:      cfg.Store,
		metrics:    newMetrics(cfg.Registerer),
		settlement: cfg.SettlementToken,
		params:     cfg.Params,
		margin:     newMarginEngine(cfg.SettlementToken, cfg.Params),
		capacity:   cfg.ObservationCapacity,
		historyCap: cfg.LiquidationHistory,
		state: &state{
			markets:     make(map[MarketID]*Market),
			collaterals: make(map[common.Address]*Collateral),
			insurance:   NewInsuranceFund(),
			payouts:     make(map[common.Address]*big.Int),
		},
	}
	ch.state.collaterals[cfg.SettlementToken] = &Collateral{
		Token:  cfg.SettlementToken,
		Oracle: oracle.Static{PriceX128: fixedpoint.Q128},
	}
	return ch, nil
}

// Params returns the clearing house parameters.
func (ch *ClearingHouse) Params() Params {
	return ch.params
}

// SettlementToken returns the token margin is denominated in.
func (ch *ClearingHouse) SettlementToken() common.Address {
	return ch.settlement
}

// atomically runs fn as one indivisible transition. On error every change to
// engine state, the curves and the store is rolled back.
func (ch *ClearingHouse) atomically(op string, fn func(tx *txn) error) error {
	ch.lockMu.Lock()
	if ch.locked {
		ch.lockMu.Unlock()
		return fmt.Errorf("%w: %s", ErrReentrantSettlement, op)
	}
	ch.locked = true
	ch.lockMu.Unlock()
	defer func() {
		ch.lockMu.Lock()
		ch.locked = false
		ch.lockMu.Unlock()
	}()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	saved := ch.state.clone()
	restores := make([]func(), 0, len(ch.state.markets))
	for _, m := range ch.state.markets {
		restores = append(restores, m.amm.Checkpoint())
	}

	tx := &txn{
		now:      ch.clock(),
		state:    ch.state,
		accounts: make(map[uint64]struct{}),
		markets:  make(map[MarketID]struct{}),
	}
	err := fn(tx)
	if err == nil {
		err = ch.persist(tx)
	}
	ch.metrics.observeResult(op, err)
	if err != nil {
		ch.state = saved
		for _, restore := range restores {
			restore()
		}
		ch.log.Debug("operation reverted",
			log.String("op", op),
			log.Err(err),
		)
		return err
	}

	for _, f := range tx.onCommit {
		f()
	}
	ch.metrics.insuranceFund.Set(toFloat(ch.state.insurance.Balance))
	ch.metrics.protocolTreasury.Set(toFloat(ch.state.treasury()))
	return nil
}

func (ch *ClearingHouse) persist(tx *txn) error {
	if ch.store == nil {
		return nil
	}
	if err := ch.writeTouched(tx); err != nil {
		ch.store.Abort()
		return fmt.Errorf("persist: %w", err)
	}
	if err := ch.store.Commit(); err != nil {
		ch.store.Abort()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (ch *ClearingHouse) writeTouched(tx *txn) error {
	s := tx.state
	for id := range tx.accounts {
		if err := ch.store.PutAccount(s.accounts[id]); err != nil {
			return err
		}
	}
	for id := range tx.markets {
		if m, ok := s.markets[id]; ok {
			if err := ch.store.PutMarket(m.state()); err != nil {
				return err
			}
		}
	}
	if err := ch.store.PutInsuranceFund(s.insurance); err != nil {
		return err
	}
	for k, v := range s.payouts {
		if err := ch.store.PutPayout(k, v); err != nil {
			return err
		}
	}
	return nil
}

// =========================================================================
// Settlement helpers
// =========================================================================

// touch accrues the market's funding to now and settles the token position
// against it.
func (ch *ClearingHouse) touch(tx *txn, m *Market, tp *TokenPosition) error {
	tx.markets[m.ID] = struct{}{}
	if err := m.advance(tx.now); err != nil {
		return err
	}
	payment, err := tp.SettleFunding(m.global)
	if err != nil {
		return err
	}
	tp.NetQuote = new(big.Int).Add(tp.NetQuote, payment)
	return nil
}

// touchAccount brings every market the account holds up to now and settles
// its token funding, so a valuation that follows sees accrued funding.
func (ch *ClearingHouse) touchAccount(tx *txn, a *Account) error {
	for _, id := range a.MarketIDs() {
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		if err := ch.touch(tx, m, a.Positions[id]); err != nil {
			return err
		}
	}
	return nil
}

// position returns the account's position in m, creating it.
func position(a *Account, m *Market) *TokenPosition {
	tp, ok := a.Positions[m.ID]
	if !ok {
		tp = newTokenPosition(m.global)
		a.Positions[m.ID] = tp
	}
	return tp
}

// changeRange settles a range and applies a liquidity delta, booking the
// principal against the token position. A zero delta only settles.
func (ch *ClearingHouse) changeRange(m *Market, tp *TokenPosition, key RangeKey, delta *big.Int) (*amm.LiquidityResult, error) {
	r, exists := tp.Ranges[key]
	switch {
	case delta.Sign() > 0:
		m.initializeRange(key)
	case !exists:
		return nil, fmt.Errorf("%w: [%d, %d]", ErrRangeNotFound, key.TickLower, key.TickUpper)
	case new(big.Int).Neg(delta).Cmp(r.Liquidity) > 0:
		return nil, fmt.Errorf("%w: removing %s of %s", ErrInsufficientLiquidity, new(big.Int).Neg(delta), r.Liquidity)
	}

	inside, err := m.valuesInside(key)
	if err != nil {
		return nil, err
	}
	if exists {
		fundingPayment, feeIncome, err := r.Settle(inside)
		if err != nil {
			return nil, err
		}
		tp.NetQuote = new(big.Int).Add(tp.NetQuote, fundingPayment)
		tp.NetQuote.Add(tp.NetQuote, feeIncome)
	} else {
		r = newLiquidityPosition(key, inside)
		tp.Ranges[key] = r
	}

	res, err := m.modifyLiquidity(key, delta)
	if err != nil {
		return nil, err
	}
	r.Liquidity = new(big.Int).Add(r.Liquidity, delta)
	tp.Balance = new(big.Int).Sub(tp.Balance, res.Amount0)
	tp.NetQuote = new(big.Int).Sub(tp.NetQuote, res.Amount1)
	if r.Liquidity.Sign() == 0 {
		delete(tp.Ranges, key)
	}
	return res, nil
}

// checkMargin enforces the initial requirement after a risk-changing action.
// An action that does not raise the initial requirement is allowed.
func (ch *ClearingHouse) checkMargin(tx *txn, a *Account, market *MarketID, before *Valuation) error {
	after, err := ch.margin.evaluate(tx.state, a, tx.now)
	if err != nil {
		return err
	}
	health, required := after.Health(true), after.RequiredInitial
	var prior *big.Int
	if before != nil {
		prior = before.RequiredInitial
	}
	if a.Mode == Isolated && market != nil {
		mv := after.Market(*market)
		if mv == nil {
			return nil
		}
		health, required = mv.Health(true), mv.RequiredInitial
		prior = nil
		if before != nil {
			if pv := before.Market(*market); pv != nil {
				prior = pv.RequiredInitial
			}
		}
	}
	if health.Sign() >= 0 {
		return nil
	}
	if prior != nil && required.Cmp(prior) <= 0 {
		return nil
	}
	return fmt.Errorf("%w: account %d health %s", ErrInsufficientMargin, a.ID, health)
}

// =========================================================================
// Admin
// =========================================================================

// AddMarket lists a market and returns its id.
func (ch *ClearingHouse) AddMarket(cfg MarketConfig) (MarketID, error) {
	var id MarketID
	err := ch.atomically("addMarket", func(tx *txn) error {
		if cfg.AMM == nil || cfg.Oracle == nil {
			return fmt.Errorf("%w: market needs a curve and an oracle", ErrInvalidParams)
		}
		if err := cfg.Params.Verify(); err != nil {
			return err
		}
		id = NewMarketID(cfg.VToken)
		if _, ok := tx.state.markets[id]; ok {
			return fmt.Errorf("%w: %s", ErrMarketExists, id)
		}
		m, err := newMarket(cfg, tx.now, ch.capacity)
		if err != nil {
			return err
		}
		tx.state.markets[id] = m
		tx.markets[id] = struct{}{}
		ch.log.Info("market added",
			log.Stringer("market", id),
			log.String("vToken", cfg.VToken.Hex()),
		)
		return nil
	})
	return id, err
}

// SetMarketParams replaces the parameters of a market.
func (ch *ClearingHouse) SetMarketParams(id MarketID, p MarketParams) error {
	return ch.atomically("setMarketParams", func(tx *txn) error {
		if err := p.Verify(); err != nil {
			return err
		}
		m, err := tx.market(id)
		if err != nil {
			return err
		}
		m.Params = p
		return nil
	})
}

// AddCollateral accepts token as margin, valued by o over twapDuration.
func (ch *ClearingHouse) AddCollateral(token common.Address, o oracle.Oracle, twapDuration uint32) error {
	return ch.atomically("addCollateral", func(tx *txn) error {
		if o == nil {
			return fmt.Errorf("%w: collateral needs an oracle", ErrInvalidParams)
		}
		if _, ok := tx.state.collaterals[token]; ok {
			return fmt.Errorf("%w: %s", ErrCollateralExists, token)
		}
		tx.state.collaterals[token] = &Collateral{Token: token, Oracle: o, TwapDuration: twapDuration}
		return nil
	})
}

// Restore replaces accounts, fund and payouts, and loads accumulators into
// markets that have already been added.
func (ch *ClearingHouse) Restore(snap *Snapshot) error {
	return ch.atomically("restore", func(tx *txn) error {
		s := tx.state
		accounts := append([]*Account(nil), snap.Accounts...)
		sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
		s.accounts = make([]*Account, len(accounts))
		for i, a := range accounts {
			if a.ID != uint64(i) {
				return fmt.Errorf("%w: account ids not sequential at %d", ErrInvalidParams, a.ID)
			}
			s.accounts[i] = a.Clone()
		}
		for _, ms := range snap.Markets {
			m, ok := s.markets[ms.ID]
			if !ok {
				return fmt.Errorf("%w: %s", ErrMarketNotFound, ms.ID)
			}
			m.restore(ms)
		}
		if snap.InsuranceFund != nil {
			s.insurance = snap.InsuranceFund.Clone()
		}
		s.payouts = make(map[common.Address]*big.Int, len(snap.Payouts))
		for k, v := range snap.Payouts {
			s.payouts[k] = new(big.Int).Set(v)
		}
		return nil
	})
}

// =========================================================================
// Accounts and collateral
// =========================================================================

// CreateAccount opens an account owned by owner and returns its id.
func (ch *ClearingHouse) CreateAccount(owner common.Address, mode MarginMode) (uint64, error) {
	var id uint64
	err := ch.atomically("createAccount", func(tx *txn) error {
		if mode != Cross && mode != Isolated {
			return ErrInvalidMarginMode
		}
		id = uint64(len(tx.state.accounts))
		tx.state.accounts = append(tx.state.accounts, newAccount(id, owner, mode))
		tx.accounts[id] = struct{}{}
		ch.log.Debug("account created",
			log.Uint64("account", id),
			log.String("owner", owner.Hex()),
			log.Stringer("mode", mode),
		)
		return nil
	})
	return id, err
}

// Deposit credits collateral to an account.
func (ch *ClearingHouse) Deposit(caller common.Address, id uint64, token common.Address, amount *big.Int) error {
	return ch.atomically("deposit", func(tx *txn) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		a, err := tx.ownedAccount(caller, id)
		if err != nil {
			return err
		}
		if _, ok := tx.state.collaterals[token]; !ok {
			return fmt.Errorf("%w: %s", ErrCollateralNotFound, token)
		}
		return a.addCollateral(token, amount)
	})
}

// Withdraw debits collateral, leaving the account above its initial
// requirement.
func (ch *ClearingHouse) Withdraw(caller common.Address, id uint64, token common.Address, amount *big.Int) error {
	return ch.atomically("withdraw", func(tx *txn) error {
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		a, err := tx.ownedAccount(caller, id)
		if err != nil {
			return err
		}
		if err := a.addCollateral(token, new(big.Int).Neg(amount)); err != nil {
			return fmt.Errorf("%w: withdrawing %s of %s", err, amount, token)
		}
		if a.Mode == Isolated {
			return nil
		}
		return ch.checkMargin(tx, a, nil, nil)
	})
}

// AllocateIsolatedMargin moves settlement collateral into (positive delta)
// or out of a market's isolated margin.
func (ch *ClearingHouse) AllocateIsolatedMargin(caller common.Address, id uint64, market MarketID, delta *big.Int) error {
	return ch.atomically("allocateIsolatedMargin", func(tx *txn) error {
		if delta == nil || delta.Sign() == 0 {
			return ErrInvalidAmount
		}
		a, err := tx.ownedAccount(caller, id)
		if err != nil {
			return err
		}
		if a.Mode != Isolated {
			return fmt.Errorf("%w: account %d is %s", ErrInvalidMarginMode, id, a.Mode)
		}
		m, err := tx.market(market)
		if err != nil {
			return err
		}
		if err := a.addCollateral(ch.settlement, new(big.Int).Neg(delta)); err != nil {
			return err
		}
		tp := position(a, m)
		tp.Margin = new(big.Int).Add(tp.Margin, delta)
		if tp.Margin.Sign() < 0 {
			return fmt.Errorf("%w: market %s margin", ErrInsufficientCollateral, market)
		}
		if delta.Sign() < 0 {
			if err := ch.checkMargin(tx, a, &market, nil); err != nil {
				return err
			}
		}
		a.prune()
		return nil
	})
}

// =========================================================================
// Trading
// =========================================================================

// SwapParams describes a taker order.
type SwapParams struct {
	// Amount is positive to buy and negative to sell, in token units or in
	// quote when IsNotional is set.
	Amount            *big.Int
	SqrtPriceLimitX96 *big.Int
	IsNotional        bool
	IsPartialAllowed  bool
}

// SwapResult is a filled taker order from the account's side.
type SwapResult struct {
	TokenDelta   *big.Int
	QuoteDelta   *big.Int
	Notional     *big.Int
	LPFee        *big.Int
	ProtocolFee  *big.Int
	ExtendedFee  *big.Int
	SqrtPriceX96 *big.Int
	Tick         int32
	Filled       bool
}

func newSwapResult(out *swapOutcome, m *Market) *SwapResult {
	sqrtPriceX96, t := m.amm.Slot0()
	return &SwapResult{
		TokenDelta:   out.TokenDelta,
		QuoteDelta:   out.QuoteDelta,
		Notional:     out.Notional,
		LPFee:        out.LPFee,
		ProtocolFee:  out.ProtocolFee,
		ExtendedFee:  out.ExtendedFee,
		SqrtPriceX96: new(big.Int).Set(sqrtPriceX96),
		Tick:         t,
		Filled:       out.Filled,
	}
}

// trade settles the position and executes a swap for it.
func (ch *ClearingHouse) trade(tx *txn, m *Market, tp *TokenPosition, amount *big.Int, isNotional bool, limit *big.Int) (*swapOutcome, error) {
	if err := ch.touch(tx, m, tp); err != nil {
		return nil, err
	}
	out, err := m.swap(amount, isNotional, limit)
	if err != nil {
		return nil, err
	}
	tp.Balance = new(big.Int).Add(tp.Balance, out.TokenDelta)
	tp.NetQuote = new(big.Int).Add(tp.NetQuote, out.QuoteDelta)
	if err := m.recordPrice(tx.now); err != nil {
		return nil, err
	}
	tx.onCommit = append(tx.onCommit, func() { ch.metrics.observeSwap(out) })
	return out, nil
}

// Swap trades against a market for an account.
func (ch *ClearingHouse) Swap(caller common.Address, id uint64, market MarketID, p SwapParams) (*SwapResult, error) {
	var result *SwapResult
	err := ch.atomically("swap", func(tx *txn) error {
		if p.Amount == nil || p.Amount.Sign() == 0 {
			return ErrInvalidAmount
		}
		a, err := tx.ownedAccount(caller, id)
		if err != nil {
			return err
		}
		m, err := tx.market(market)
		if err != nil {
			return err
		}
		if !m.Params.IsAllowedForTrade {
			return fmt.Errorf("%w: %s", ErrMarketNotTradable, market)
		}
		if err := ch.touchAccount(tx, a); err != nil {
			return err
		}
		before, err := ch.margin.evaluate(tx.state, a, tx.now)
		if err != nil {
			return err
		}

		tp := position(a, m)
		out, err := ch.trade(tx, m, tp, p.Amount, p.IsNotional, p.SqrtPriceLimitX96)
		if err != nil {
			return err
		}
		if !out.Filled && !p.IsPartialAllowed {
			return ErrPriceLimitReached
		}
		if out.Notional.Cmp(ch.params.MinimumOrderNotional.value()) < 0 {
			return fmt.Errorf("%w: %s", ErrOrderTooSmall, out.Notional)
		}
		a.prune()
		if err := ch.checkMargin(tx, a, &market, before); err != nil {
			return err
		}

		result = newSwapResult(out, m)
		ch.log.Debug("swap",
			log.Uint64("account", id),
			log.Stringer("market", market),
			log.Stringer("tokenDelta", out.TokenDelta),
			log.Stringer("quoteDelta", out.QuoteDelta),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LiquidityChangeParams describes a range order update.
type LiquidityChangeParams struct {
	TickLower int32
	TickUpper int32
	// LiquidityDelta adds when positive and removes when negative. Zero
	// settles the range and updates its limit order type.
	LiquidityDelta *big.Int
	// SqrtPriceCurrent and SlippageToleranceBps bound how far the curve may
	// have moved since the order was built. Nil skips the check.
	SqrtPriceCurrent     *big.Int
	SlippageToleranceBps uint32
	// CloseTokenPosition trades the resulting token balance to zero.
	CloseTokenPosition bool
	LimitOrderType     LimitOrderType
}

// LiquidityChangeResult reports the principal moved and any closing trade.
type LiquidityChangeResult struct {
	// TokenAmount and QuoteAmount went into the curve when positive and came
	// out when negative.
	TokenAmount *big.Int
	QuoteAmount *big.Int
	Close       *SwapResult
}

func checkSlippage(m *Market, expected *big.Int, tolBps uint32) error {
	if expected == nil || expected.Sign() == 0 {
		return nil
	}
	spot, _ := m.amm.Slot0()
	diff := new(big.Int).Sub(spot, expected)
	diff.Abs(diff).Mul(diff, bpsDenominator)
	if diff.Cmp(new(big.Int).Mul(expected, big.NewInt(int64(tolBps)))) > 0 {
		return fmt.Errorf("%w: sqrt price %s, expected %s", ErrSlippageBeyondTolerance, spot, expected)
	}
	return nil
}

// UpdateRangeOrder adds, removes or settles liquidity over a tick range.
func (ch *ClearingHouse) UpdateRangeOrder(caller common.Address, id uint64, market MarketID, p LiquidityChangeParams) (*LiquidityChangeResult, error) {
	var result *LiquidityChangeResult
	err := ch.atomically("updateRangeOrder", func(tx *txn) error {
		if p.TickLower >= p.TickUpper {
			return fmt.Errorf("%w: [%d, %d]", ErrInvalidTickRange, p.TickLower, p.TickUpper)
		}
		if !p.LimitOrderType.Valid() {
			return ErrInvalidLimitOrderType
		}
		delta := p.LiquidityDelta
		if delta == nil {
			delta = new(big.Int)
		}
		a, err := tx.ownedAccount(caller, id)
		if err != nil {
			return err
		}
		m, err := tx.market(market)
		if err != nil {
			return err
		}
		if delta.Sign() > 0 && !m.Params.IsAllowedForTrade {
			return fmt.Errorf("%w: %s", ErrMarketNotTradable, market)
		}
		if err := checkSlippage(m, p.SqrtPriceCurrent, p.SlippageToleranceBps); err != nil {
			return err
		}
		if err := ch.touchAccount(tx, a); err != nil {
			return err
		}
		before, err := ch.margin.evaluate(tx.state, a, tx.now)
		if err != nil {
			return err
		}

		tp := position(a, m)
		if err := ch.touch(tx, m, tp); err != nil {
			return err
		}
		key := RangeKey{TickLower: p.TickLower, TickUpper: p.TickUpper}
		res, err := ch.changeRange(m, tp, key, delta)
		if err != nil {
			return err
		}
		if r, ok := tp.Ranges[key]; ok {
			r.LimitOrderType = p.LimitOrderType
		}

		if delta.Sign() != 0 {
			priceX128, err := m.virtualTwapPriceX128(tx.now)
			if err != nil {
				return err
			}
			notional, err := principalNotional(res.Amount0, res.Amount1, priceX128)
			if err != nil {
				return err
			}
			if notional.Cmp(ch.params.MinimumOrderNotional.value()) < 0 {
				return fmt.Errorf("%w: %s", ErrOrderTooSmall, notional)
			}
		}

		result = &LiquidityChangeResult{TokenAmount: res.Amount0, QuoteAmount: res.Amount1}
		if p.CloseTokenPosition && tp.Balance.Sign() != 0 {
			out, err := ch.trade(tx, m, tp, new(big.Int).Neg(tp.Balance), false, nil)
			if err != nil {
				return err
			}
			if !out.Filled {
				return ErrPriceLimitReached
			}
			result.Close = newSwapResult(out, m)
		}

		a.prune()
		if err := ch.checkMargin(tx, a, &market, before); err != nil {
			return err
		}
		tx.onCommit = append(tx.onCommit, ch.metrics.liquidityChanges.Inc)
		ch.log.Debug("range order updated",
			log.Uint64("account", id),
			log.Stringer("market", market),
			log.Int("tickLower", int(p.TickLower)),
			log.Int("tickUpper", int(p.TickUpper)),
			log.Stringer("liquidityDelta", delta),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveLimitOrder lets a keeper pull a triggered limit order. The keeper
// earns the remove limit order fee from the account.
func (ch *ClearingHouse) RemoveLimitOrder(keeper common.Address, id uint64, market MarketID, tickLower, tickUpper int32) error {
	return ch.atomically("removeLimitOrder", func(tx *txn) error {
		a, err := tx.account(id)
		if err != nil {
			return err
		}
		m, err := tx.market(market)
		if err != nil {
			return err
		}
		key := RangeKey{TickLower: tickLower, TickUpper: tickUpper}
		tp, ok := a.Positions[market]
		if !ok {
			return fmt.Errorf("%w: [%d, %d]", ErrRangeNotFound, tickLower, tickUpper)
		}
		r, ok := tp.Ranges[key]
		if !ok {
			return fmt.Errorf("%w: [%d, %d]", ErrRangeNotFound, tickLower, tickUpper)
		}
		if !r.LimitOrderType.Triggered(key, m.currentTick()) {
			return fmt.Errorf("%w: %s order at tick %d", ErrLimitOrderNotTriggered, r.LimitOrderType, m.currentTick())
		}

		if err := ch.touch(tx, m, tp); err != nil {
			return err
		}
		if _, err := ch.changeRange(m, tp, key, new(big.Int).Neg(r.Liquidity)); err != nil {
			return err
		}
		fee := ch.params.RemoveLimitOrderFee.value()
		tp.NetQuote = new(big.Int).Sub(tp.NetQuote, fee)
		tx.state.credit(keeper, fee)
		a.prune()
		ch.log.Debug("limit order removed",
			log.Uint64("account", id),
			log.Stringer("market", market),
			log.String("keeper", keeper.Hex()),
		)
		return nil
	})
}

// SettleFunding settles token and range funding and fees in every market of
// an account.
func (ch *ClearingHouse) SettleFunding(caller common.Address, id uint64) error {
	return ch.atomically("settleFunding", func(tx *txn) error {
		a, err := tx.ownedAccount(caller, id)
		if err != nil {
			return err
		}
		for _, mid := range a.MarketIDs() {
			m, err := tx.market(mid)
			if err != nil {
				return err
			}
			tp := a.Positions[mid]
			if err := ch.touch(tx, m, tp); err != nil {
				return err
			}
			for _, r := range tp.SortedRanges() {
				if _, err := ch.changeRange(m, tp, r.Key(), new(big.Int)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// =========================================================================
// Liquidation
// =========================================================================

func (ch *ClearingHouse) recordLiquidation(tx *txn, ev *LiquidationEvent) {
	s := tx.state
	s.history = append(s.history, ev)
	if n := len(s.history); n > ch.historyCap {
		s.history = append([]*LiquidationEvent(nil), s.history[n-ch.historyCap:]...)
	}
	tx.onCommit = append(tx.onCommit, func() { ch.metrics.observeLiquidation(ev) })
	ch.log.Info("liquidation",
		log.Stringer("kind", ev.Kind),
		log.Uint64("account", ev.Account),
		log.String("keeper", ev.Keeper.Hex()),
		log.Stringer("notional", ev.Notional),
		log.Stringer("fee", ev.Fee),
		log.Bool("partial", ev.Partial),
	)
}

// LiquidateLiquidityPositions removes the ranges of an account below
// maintenance margin.
func (ch *ClearingHouse) LiquidateLiquidityPositions(keeper common.Address, id uint64) (*LiquidationEvent, error) {
	var ev *LiquidationEvent
	err := ch.atomically("liquidateLiquidityPositions", func(tx *txn) error {
		a, err := tx.account(id)
		if err != nil {
			return err
		}
		if ev, err = ch.liquidateRanges(tx, keeper, a); err != nil {
			return err
		}
		a.prune()
		ch.recordLiquidation(tx, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// LiquidateTokenPosition closes all or part of the token position of an
// account below maintenance margin.
func (ch *ClearingHouse) LiquidateTokenPosition(keeper common.Address, id uint64, market MarketID) (*LiquidationEvent, error) {
	var ev *LiquidationEvent
	err := ch.atomically("liquidateTokenPosition", func(tx *txn) error {
		a, err := tx.account(id)
		if err != nil {
			return err
		}
		m, err := tx.market(market)
		if err != nil {
			return err
		}
		if ev, err = ch.liquidateToken(tx, keeper, a, m); err != nil {
			return err
		}
		a.prune()
		ch.recordLiquidation(tx, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// =========================================================================
// Views
// =========================================================================

func (ch *ClearingHouse) account(id uint64) (*Account, error) {
	if id >= uint64(len(ch.state.accounts)) {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	return ch.state.accounts[id], nil
}

// NumAccounts returns the number of accounts created.
func (ch *ClearingHouse) NumAccounts() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.state.accounts)
}

// Account returns a copy of an account.
func (ch *ClearingHouse) Account(id uint64) (*Account, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	a, err := ch.account(id)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// Valuation values an account at the current time.
func (ch *ClearingHouse) Valuation(id uint64) (*Valuation, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	a, err := ch.account(id)
	if err != nil {
		return nil, err
	}
	return ch.margin.evaluate(ch.state, a, ch.clock())
}

// AccountMarketValue values one market of an account.
func (ch *ClearingHouse) AccountMarketValue(id uint64, market MarketID) (*MarketValuation, error) {
	v, err := ch.Valuation(id)
	if err != nil {
		return nil, err
	}
	mv := v.Market(market)
	if mv == nil {
		return nil, fmt.Errorf("%w: account %d has no position in %s", ErrMarketNotFound, id, market)
	}
	return mv, nil
}

// Health returns value minus the initial or maintenance requirement.
func (ch *ClearingHouse) Health(id uint64, initial bool) (*big.Int, error) {
	v, err := ch.Valuation(id)
	if err != nil {
		return nil, err
	}
	return v.Health(initial), nil
}

// LiquidationState classifies an account for keepers.
func (ch *ClearingHouse) LiquidationState(id uint64) (LiquidationState, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	a, err := ch.account(id)
	if err != nil {
		return Healthy, err
	}
	v, err := ch.margin.evaluate(ch.state, a, ch.clock())
	if err != nil {
		return Healthy, err
	}
	return classify(v, a), nil
}

// MarketState returns a snapshot of a market.
func (ch *ClearingHouse) MarketState(id MarketID) (*MarketState, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	m, ok := ch.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return m.state(), nil
}

// Markets returns the listed market ids in order.
func (ch *ClearingHouse) Markets() []MarketID {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	ids := make([]MarketID, 0, len(ch.state.markets))
	for id := range ch.state.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// ValuesInside returns the accumulators attributed to a tick range, with
// funding accrued up to now.
func (ch *ClearingHouse) ValuesInside(id MarketID, tickLower, tickUpper int32) (*tick.Inside, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	m, ok := ch.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	g, err := m.globalAt(ch.clock())
	if err != nil {
		return nil, err
	}
	return m.valuesInsideAt(RangeKey{TickLower: tickLower, TickUpper: tickUpper}, g)
}

// InsuranceFund returns a copy of the insurance fund.
func (ch *ClearingHouse) InsuranceFund() *InsuranceFund {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state.insurance.Clone()
}

// ProtocolTreasury returns protocol fees accrued across markets.
func (ch *ClearingHouse) ProtocolTreasury() *big.Int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state.treasury()
}

// Payout returns what keeper has earned.
func (ch *ClearingHouse) Payout(keeper common.Address) *big.Int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return fixedpoint.Clone(ch.state.payouts[keeper])
}

// LiquidationHistory returns up to limit of the most recent liquidations,
// newest last.
func (ch *ClearingHouse) LiquidationHistory(limit int) []*LiquidationEvent {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	h := ch.state.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]*LiquidationEvent(nil), h...)
}
