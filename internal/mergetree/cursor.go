// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergetree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/perspectivedb/perspectivedb/internal/kv"
)

// cursorKeyPrefix namespaces the merger's per-perspective cursor
// bookkeeping within the shared store, the way internal/tree namespaces
// a Tree's own keys by tree name.
const cursorKeyPrefix = "cursor\x00"

func cursorKey(pe string) []byte {
	k := make([]byte, 0, len(cursorKeyPrefix)+len(pe))
	k = append(k, cursorKeyPrefix...)
	k = append(k, pe...)
	return k
}

// loadCursor returns the highest remote-tree insertion counter already
// merged for pe, or 0 if none has been merged yet.
func (mt *MergeTree) loadCursor(pe string) (uint64, error) {
	raw, err := mt.store.Get(cursorKey(pe))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// saveCursor persists i as the highest merged insertion counter for
// pe. When a remote record is adopted into the local tree it runs after
// that write; it also runs for remote records that need no local write
// (superseded, already present, an ancestor of the local head, or a
// conflict). It is idempotent on retry: a crash between an adoption and
// the cursor write only means the same merge is re-attempted, and the
// local tree's duplicate-version check drops the re-attempt.
func (mt *MergeTree) saveCursor(pe string, i uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return mt.store.AtomicBatch(func(b kv.Batch) error {
		b.Put(cursorKey(pe), buf)
		return nil
	})
}
