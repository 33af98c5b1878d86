// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

type memItem struct {
	key, value []byte
}

func lessMemItem(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// MemStore is an in-memory Store backed by a copy-on-write B-tree
// (google/btree, also present in the wider corpus as a dolt dependency).
// It is the test double used throughout internal/tree and
// internal/mergetree's test suites so they do not need a filesystem;
// AtomicBatch uses the tree's Clone() to get the same
// apply-everything-or-nothing semantics BoltStore gets from a bbolt
// transaction, without needing its own rollback log.
type MemStore struct {
	mu sync.RWMutex
	tr *btree.BTreeG[memItem]
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tr: btree.NewG(32, lessMemItem)}
}

func (s *MemStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.tr.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

func (s *MemStore) Scan(start, end []byte, reverse bool, fn ScanFunc) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var outerErr error
	stopped := false
	visit := func(it memItem) bool {
		if stopped {
			return false
		}
		if !reverse && end != nil && bytes.Compare(it.key, end) >= 0 {
			return false
		}
		if reverse && start != nil && bytes.Compare(it.key, start) < 0 {
			return false
		}
		more, err := fn(it.key, it.value)
		if err != nil {
			outerErr = err
			stopped = true
			return false
		}
		if !more {
			stopped = true
			return false
		}
		return true
	}

	switch {
	case !reverse && start != nil:
		s.tr.AscendGreaterOrEqual(memItem{key: start}, visit)
	case !reverse:
		s.tr.Ascend(visit)
	case reverse && end != nil:
		s.tr.DescendLessOrEqual(memItem{key: end}, func(it memItem) bool {
			if bytes.Equal(it.key, end) {
				return true // end is exclusive: skip the pivot, keep descending
			}
			return visit(it)
		})
	default:
		s.tr.Descend(visit)
	}
	return outerErr
}

type memBatch struct {
	tr *btree.BTreeG[memItem]
}

func (b *memBatch) Put(key, value []byte) {
	b.tr.ReplaceOrInsert(memItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *memBatch) Delete(key []byte) {
	b.tr.Delete(memItem{key: key})
}

func (s *MemStore) AtomicBatch(fn func(Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.tr.Clone()
	b := &memBatch{tr: working}
	if err := fn(b); err != nil {
		return err
	}
	s.tr = working
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
