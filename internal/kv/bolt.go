// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// bucketName is the single bbolt bucket backing the whole flat
// keyspace; tree and record-type prefixes already disambiguate keys,
// so there is no need for bbolt's own bucket nesting.
var bucketName = []byte("perspectivedb")

// BoltStore is the durable, file-backed Store implementation: a
// B+tree store with the range-scan and single-writer
// atomic-transaction properties the tree layer depends on.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt-backed Store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open bbolt store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Scan(start, end []byte, reverse bool, fn ScanFunc) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		if !reverse {
			k, v := seekForward(c, start)
			for ; k != nil && withinUpper(k, end); k, v = c.Next() {
				more, err := fn(k, v)
				if err != nil {
					return err
				}
				if !more {
					return nil
				}
			}
			return nil
		}
		k, v := seekReverse(c, end)
		for ; k != nil && withinLower(k, start); k, v = c.Prev() {
			more, err := fn(k, v)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

func seekForward(c *bolt.Cursor, start []byte) ([]byte, []byte) {
	if start == nil {
		return c.First()
	}
	return c.Seek(start)
}

func seekReverse(c *bolt.Cursor, end []byte) ([]byte, []byte) {
	if end == nil {
		return c.Last()
	}
	k, _ := c.Seek(end)
	if k == nil {
		return c.Last()
	}
	// Seek lands on the first key >= end; since end is exclusive we must
	// step back one position.
	return c.Prev()
}

func withinUpper(k, end []byte) bool {
	return end == nil || bytes.Compare(k, end) < 0
}

func withinLower(k, start []byte) bool {
	return start == nil || bytes.Compare(k, start) >= 0
}

type boltBatch struct {
	bucket *bolt.Bucket
	err    error
}

func (b *boltBatch) Put(key, value []byte) {
	if b.err != nil {
		return
	}
	b.err = b.bucket.Put(key, value)
}

func (b *boltBatch) Delete(key []byte) {
	if b.err != nil {
		return
	}
	b.err = b.bucket.Delete(key)
}

func (s *BoltStore) AtomicBatch(fn func(Batch) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := &boltBatch{bucket: tx.Bucket(bucketName)}
		if err := fn(b); err != nil {
			return err
		}
		return b.err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
