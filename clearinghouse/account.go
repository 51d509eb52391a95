// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clearinghouse

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearinghouse/fixedpoint"
)

// Account is a margin account.
type Account struct {
	ID    uint64
	Owner common.Address
	Mode  MarginMode
	// Collateral holds deposited balances by token. For isolated accounts
	// this is the free balance not allocated to any market.
	Collateral map[common.Address]*big.Int
	Positions  map[MarketID]*TokenPosition
}

func newAccount(id uint64, owner common.Address, mode MarginMode) *Account {
	return &Account{
		ID:         id,
		Owner:      owner,
		Mode:       mode,
		Collateral: make(map[common.Address]*big.Int),
		Positions:  make(map[MarketID]*TokenPosition),
	}
}

// CollateralBalance returns the deposited balance of token.
func (a *Account) CollateralBalance(token common.Address) *big.Int {
	return fixedpoint.Clone(a.Collateral[token])
}

func (a *Account) addCollateral(token common.Address, delta *big.Int) error {
	next := new(big.Int).Add(fixedpoint.Clone(a.Collateral[token]), delta)
	if next.Sign() < 0 {
		return ErrInsufficientCollateral
	}
	if next.Sign() == 0 {
		delete(a.Collateral, token)
		return nil
	}
	a.Collateral[token] = next
	return nil
}

// MarketIDs returns the markets the account has a position in, in order.
func (a *Account) MarketIDs() []MarketID {
	ids := make([]MarketID, 0, len(a.Positions))
	for id := range a.Positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// CollateralTokens returns the deposited tokens in address order.
func (a *Account) CollateralTokens() []common.Address {
	tokens := make([]common.Address, 0, len(a.Collateral))
	for t := range a.Collateral {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return bytes.Compare(tokens[i][:], tokens[j][:]) < 0 })
	return tokens
}

// HasRanges reports whether any position holds liquidity.
func (a *Account) HasRanges() bool {
	for _, tp := range a.Positions {
		if len(tp.Ranges) > 0 {
			return true
		}
	}
	return false
}

// HasOpenPositions reports whether the account holds token or range
// exposure in any market.
func (a *Account) HasOpenPositions() bool {
	for _, tp := range a.Positions {
		if tp.Balance.Sign() != 0 || len(tp.Ranges) > 0 {
			return true
		}
	}
	return false
}

func (a *Account) prune() {
	for id, tp := range a.Positions {
		if tp.IsEmpty() {
			delete(a.Positions, id)
		}
	}
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := newAccount(a.ID, a.Owner, a.Mode)
	for t, v := range a.Collateral {
		c.Collateral[t] = new(big.Int).Set(v)
	}
	for id, tp := range a.Positions {
		c.Positions[id] = tp.clone()
	}
	return c
}
