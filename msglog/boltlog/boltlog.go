// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltlog implements the ledger message log and object store
// boundary with a simple boltdb based backend.
//
// It exists for tests and for single-node deployments; a production
// deployment substitutes the real ledger integration behind the same
// msglog interfaces.  Appends assign sequential indices and file each
// entry under the derived storage key atomically, which is the at-most-once
// commit the real ledger provides.
package boltlog

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/ledgerchat/ledgerchat/msglog"
)

const (
	logsBucket    = "logs"
	objectsBucket = "objects"

	countKey = "count"
)

// BoltLog is a boltdb backed ledger.  It implements msglog.Log,
// msglog.Appender and msglog.ObjectStore.
type BoltLog struct {
	db     *bolt.DB
	derive msglog.KeyDeriver
}

// New creates or opens the boltdb database at path f, using
// msglog.DefaultKeyDeriver for entry storage keys.
func New(f string) (*BoltLog, error) {
	return NewWithDeriver(f, msglog.DefaultKeyDeriver)
}

// NewWithDeriver creates or opens the database with an explicit key
// derivation function.
func NewWithDeriver(f string, derive msglog.KeyDeriver) (*BoltLog, error) {
	const fileMode = 0600

	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(logsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(objectsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLog{db: db, derive: derive}, nil
}

// Close flushes and closes the database.
func (l *BoltLog) Close() {
	l.db.Sync()
	l.db.Close()
}

// TotalCount implements msglog.Log.
func (l *BoltLog) TotalCount(ctx context.Context, logID string) (uint64, error) {
	var count uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		lBkt := tx.Bucket([]byte(logsBucket)).Bucket([]byte(logID))
		if lBkt == nil {
			return nil
		}
		if raw := lBkt.Get([]byte(countKey)); len(raw) == 8 {
			count = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return count, err
}

// Append implements msglog.Appender.  The index assignment, the entry
// write, and the count bump commit in one transaction.
func (l *BoltLog) Append(ctx context.Context, logID string, entry *msglog.Entry) (uint64, error) {
	var index uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		lBkt, err := tx.Bucket([]byte(logsBucket)).CreateBucketIfNotExists([]byte(logID))
		if err != nil {
			return err
		}
		if raw := lBkt.Get([]byte(countKey)); len(raw) == 8 {
			index = binary.BigEndian.Uint64(raw)
		}

		entry.Index = index
		blob, err := entry.Marshal()
		if err != nil {
			return fmt.Errorf("boltlog: failed to encode entry: %v", err)
		}
		key := l.derive(logID, index)
		if err := tx.Bucket([]byte(objectsBucket)).Put(key[:], blob); err != nil {
			return err
		}

		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], index+1)
		return lBkt.Put([]byte(countKey), raw[:])
	})
	return index, err
}

// Get implements msglog.ObjectStore.
func (l *BoltLog) Get(ctx context.Context, key msglog.StorageKey) ([]byte, error) {
	var blob []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(objectsBucket)).Get(key[:])
		if raw == nil {
			return fmt.Errorf("%w: %s", msglog.ErrNotFound, key)
		}
		// The slice is only valid inside the transaction.
		blob = append([]byte(nil), raw...)
		return nil
	})
	return blob, err
}

// Put implements msglog.ObjectStore.
func (l *BoltLog) Put(ctx context.Context, key msglog.StorageKey, blob []byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(objectsBucket)).Put(key[:], blob)
	})
}
