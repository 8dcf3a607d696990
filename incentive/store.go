// SPDX-FileCopyrightText: Copyright (C) 2025 The Shadow Protocol Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incentive

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const earningsBucket = "earnings"

// Store persists earnings records in a bolt database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the earnings database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("incentive: failed to open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(earningsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("incentive: failed to init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Append persists one earnings record.
func (s *Store) Append(rec Record) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(earningsBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], blob)
	})
}

// Load returns all persisted earnings records in append order.
func (s *Store) Load() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(earningsBucket))
		return bkt.ForEach(func(_, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("incentive: failed to load store: %w", err)
	}
	return records, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
