// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/perspectivedb/perspectivedb/internal/kv"
)

// keyPrefix namespaces a StoreSink's keys within a shared kv.Store,
// the way internal/tree namespaces a Tree's keys by name.
const keyPrefix = "conflict\x00"
const counterKey = keyPrefix + "\x00next"

// StoreSink is a durable Sink backed by any kv.Store, in practice the
// same BoltStore the MergeTree's trees already share. Conflict records
// are JSON-encoded rather than going through internal/record's CBOR
// handle, since conflict.Record embeds already-decoded *record.Record
// values and is never read by the tree layer.
type StoreSink struct {
	mu    sync.Mutex
	store kv.Store
}

// NewStoreSink wraps store as a conflict Sink. The caller owns store's
// lifecycle; Close on the returned Sink does not close store.
func NewStoreSink(store kv.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.peekNext()
	if err != nil {
		return err
	}
	rec.ID = next

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("conflict: marshal: %w", err)
	}
	err = s.store.AtomicBatch(func(b kv.Batch) error {
		b.Put(idKey(next), raw)
		// counterKey records the last-assigned id, not the next one, so a
		// missing key and a zero-valued key both mean "none assigned yet".
		b.Put([]byte(counterKey), encodeCounter(next))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "conflict: put")
	}
	return nil
}

// peekNext returns the next id to assign: the last-assigned id plus
// one, or 1 if none has ever been assigned.
func (s *StoreSink) peekNext() (int64, error) {
	raw, err := s.store.Get([]byte(counterKey))
	if errors.Is(err, kv.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeCounter(raw) + 1, nil
}

func (s *StoreSink) Get(_ context.Context, id int64) (*Record, error) {
	raw, err := s.store.Get(idKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("conflict: unmarshal: %w", err)
	}
	return &rec, nil
}

func (s *StoreSink) Remove(_ context.Context, id int64) error {
	return s.store.AtomicBatch(func(b kv.Batch) error {
		b.Delete(idKey(id))
		return nil
	})
}

func (s *StoreSink) ForEach(_ context.Context, fn func(*Record) (bool, error)) error {
	start, end := kv.PrefixRange([]byte(keyPrefix))
	return s.store.Scan(start, end, false, func(k, v []byte) (bool, error) {
		if len(k) == len(counterKey) && string(k) == counterKey {
			return true, nil
		}
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return false, fmt.Errorf("conflict: unmarshal: %w", err)
		}
		return fn(&rec)
	})
}

func (s *StoreSink) Close() error { return nil }

func idKey(id int64) []byte {
	k := make([]byte, 0, len(keyPrefix)+8)
	k = append(k, keyPrefix...)
	k = append(k, encodeCounter(id)...)
	return k
}

func encodeCounter(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeCounter(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
