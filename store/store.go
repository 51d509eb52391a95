// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists clearing house state to a luxfi database. Writes
// are staged in a version layer and reach the underlying database only on
// Commit.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearinghouse/clearinghouse"
)

var (
	ErrCorrupted = errors.New("stored state corrupted")

	prefixAccount = []byte("account:")
	prefixMarket  = []byte("market:")
	prefixPayout  = []byte("payout:")
	prefixMeta    = []byte("meta:")

	keyInsuranceFund = []byte("insuranceFund")
)

var _ clearinghouse.StateStore = (*Store)(nil)

// Store is a clearinghouse.StateStore over a versioned database.
type Store struct {
	mu sync.Mutex

	db        *versiondb.Database
	accounts  database.Database
	markets   database.Database
	payouts   database.Database
	meta      database.Database
	committed uint64
}

// New returns a store writing through to base.
func New(base database.Database) *Store {
	db := versiondb.New(base)
	return &Store{
		db:       db,
		accounts: prefixdb.New(prefixAccount, db),
		markets:  prefixdb.New(prefixMarket, db),
		payouts:  prefixdb.New(prefixPayout, db),
		meta:     prefixdb.New(prefixMeta, db),
	}
}

func accountKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

func put(db database.Database, key []byte, v interface{}) error {
	b, err := Codec.Marshal(codecVersion, v)
	if err != nil {
		return err
	}
	return db.Put(key, b)
}

func get(db database.Database, key []byte, v interface{}) error {
	b, err := db.Get(key)
	if err != nil {
		return err
	}
	if _, err := Codec.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return nil
}

// PutAccount stages an account.
func (s *Store) PutAccount(a *clearinghouse.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.accounts, accountKey(a.ID), encodeAccount(a))
}

// PutMarket stages a market's accumulators.
func (s *Store) PutMarket(m *clearinghouse.MarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.markets, m.ID[:], encodeMarket(m))
}

// PutInsuranceFund stages the insurance fund.
func (s *Store) PutInsuranceFund(f *clearinghouse.InsuranceFund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.meta, keyInsuranceFund, encodeInsuranceFund(f))
}

// PutPayout stages the amount owed to a keeper.
func (s *Store) PutPayout(keeper common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := fromBig(amount)
	return put(s.payouts, keeper.Bytes(), &b)
}

// Commit writes the staged changes to the underlying database.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Commit(); err != nil {
		return err
	}
	s.committed++
	return nil
}

// Abort drops the staged changes.
func (s *Store) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Abort()
}

// Commits returns how many batches have been committed.
func (s *Store) Commits() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// GetAccount loads an account.
func (s *Store) GetAccount(id uint64) (*clearinghouse.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r accountRecord
	if err := get(s.accounts, accountKey(id), &r); err != nil {
		return nil, err
	}
	return r.decode(), nil
}

// GetMarket loads a market's accumulators.
func (s *Store) GetMarket(id clearinghouse.MarketID) (*clearinghouse.MarketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r marketRecord
	if err := get(s.markets, id[:], &r); err != nil {
		return nil, err
	}
	return r.decode(), nil
}

// InsuranceFund loads the insurance fund, returning an empty fund if none
// was stored.
func (s *Store) InsuranceFund() (*clearinghouse.InsuranceFund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insuranceFund()
}

func (s *Store) insuranceFund() (*clearinghouse.InsuranceFund, error) {
	var r insuranceRecord
	err := get(s.meta, keyInsuranceFund, &r)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return clearinghouse.NewInsuranceFund(), nil
	case err != nil:
		return nil, err
	}
	return r.decode(), nil
}

// Snapshot reads everything stored into a form ClearingHouse.Restore
// accepts.
func (s *Store) Snapshot() (*clearinghouse.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &clearinghouse.Snapshot{
		Payouts: make(map[common.Address]*big.Int),
	}
	err := each(s.accounts, func(_ []byte, r *accountRecord) {
		snap.Accounts = append(snap.Accounts, r.decode())
	})
	if err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}
	err = each(s.markets, func(_ []byte, r *marketRecord) {
		snap.Markets = append(snap.Markets, r.decode())
	})
	if err != nil {
		return nil, fmt.Errorf("markets: %w", err)
	}
	err = each(s.payouts, func(k []byte, r *bigInt) {
		snap.Payouts[common.BytesToAddress(k)] = r.toBig()
	})
	if err != nil {
		return nil, fmt.Errorf("payouts: %w", err)
	}
	if snap.InsuranceFund, err = s.insuranceFund(); err != nil {
		return nil, fmt.Errorf("insurance fund: %w", err)
	}
	return snap, nil
}

// each decodes every record in db in key order.
func each[T any](db database.Database, fn func(key []byte, r *T)) error {
	iter := db.NewIterator()
	defer iter.Release()

	for iter.Next() {
		r := new(T)
		if _, err := Codec.Unmarshal(iter.Value(), r); err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		fn(iter.Key(), r)
	}
	return iter.Error()
}
