// Package store persists engine snapshots to a luxfi key-value database.
//
// The layout mirrors the engine's logical tables: one JSON row per
// account, market, and collateral config, plus a singleton reward guard
// row. Writes go through a batch so a snapshot lands atomically.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"

	"github.com/luxfi/perps/pkg/perps"
)

var (
	accountPrefix    = []byte("account/")
	marketPrefix     = []byte("market/")
	collateralPrefix = []byte("collateral/")
	guardKey         = []byte("guard")
)

func accountKey(id uint64) []byte    { return idKey(accountPrefix, id) }
func marketKey(id uint64) []byte     { return idKey(marketPrefix, id) }
func collateralKey(id uint64) []byte { return idKey(collateralPrefix, id) }

func idKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

// Save writes a snapshot to the database in one batch, replacing any rows
// from a previous snapshot.
func Save(db database.Database, snap *perps.Snapshot) error {
	batch := db.NewBatch()

	if err := clearPrefix(db, batch, accountPrefix); err != nil {
		return err
	}
	if err := clearPrefix(db, batch, marketPrefix); err != nil {
		return err
	}
	if err := clearPrefix(db, batch, collateralPrefix); err != nil {
		return err
	}

	for _, acct := range snap.Accounts {
		if err := putJSON(batch, accountKey(acct.ID), acct); err != nil {
			return err
		}
	}
	for _, mkt := range snap.Markets {
		if err := putJSON(batch, marketKey(mkt.ID), mkt); err != nil {
			return err
		}
	}
	for id, cfg := range snap.Collateral {
		if err := putJSON(batch, collateralKey(id), cfg); err != nil {
			return err
		}
	}
	if err := putJSON(batch, guardKey, snap.Guard); err != nil {
		return err
	}
	return batch.Write()
}

// Load reads a snapshot from the database. A database with no guard row is
// treated as empty and returns a zero snapshot.
func Load(db database.Database) (*perps.Snapshot, error) {
	snap := &perps.Snapshot{
		Collateral: make(map[uint64]perps.CollateralParams),
	}

	iter := db.NewIteratorWithPrefix(accountPrefix)
	for iter.Next() {
		var acct perps.AccountSnapshot
		if err := json.Unmarshal(iter.Value(), &acct); err != nil {
			iter.Release()
			return nil, fmt.Errorf("store: corrupt account row: %w", err)
		}
		snap.Accounts = append(snap.Accounts, acct)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	iter = db.NewIteratorWithPrefix(marketPrefix)
	for iter.Next() {
		var mkt perps.MarketSnapshot
		if err := json.Unmarshal(iter.Value(), &mkt); err != nil {
			iter.Release()
			return nil, fmt.Errorf("store: corrupt market row: %w", err)
		}
		snap.Markets = append(snap.Markets, mkt)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	iter = db.NewIteratorWithPrefix(collateralPrefix)
	for iter.Next() {
		key := iter.Key()
		if len(key) != len(collateralPrefix)+8 {
			iter.Release()
			return nil, fmt.Errorf("store: corrupt collateral key %q", key)
		}
		id := binary.BigEndian.Uint64(key[len(collateralPrefix):])
		var cfg perps.CollateralParams
		if err := json.Unmarshal(iter.Value(), &cfg); err != nil {
			iter.Release()
			return nil, fmt.Errorf("store: corrupt collateral row: %w", err)
		}
		snap.Collateral[id] = cfg
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	has, err := db.Has(guardKey)
	if err != nil {
		return nil, err
	}
	if has {
		raw, err := db.Get(guardKey)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &snap.Guard); err != nil {
			return nil, fmt.Errorf("store: corrupt guard row: %w", err)
		}
	}
	return snap, nil
}

func putJSON(batch database.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Put(key, data)
}

func clearPrefix(db database.Database, batch database.Batch, prefix []byte) error {
	iter := db.NewIteratorWithPrefix(prefix)
	defer iter.Release()
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return iter.Error()
}
