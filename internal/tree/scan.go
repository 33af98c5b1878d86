// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/perspectivedb/perspectivedb/internal/kv"
	"github.com/perspectivedb/perspectivedb/internal/record"
)

// ResolveVersionToI resolves v to its insertion counter within this
// tree, without paying for a full record decode. It backs StreamTree's
// first/last bound resolution.
func (t *Tree) ResolveVersionToI(v record.Version) (uint64, bool, error) {
	_, i, err := t.lookupVersion(v)
	if errors.Is(err, ErrNoSuchVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return i, true, nil
}

// ScanFunc is invoked once per record in the requested order. Returning
// more=false stops the scan early without error.
type ScanFunc func(i uint64, rec *record.Record) (more bool, err error)

// ScanAll iterates every record in this tree in global insertion order
// (or reverse), bounded by [startI, endI] inclusive (0 means
// unbounded on that side). It is the backend for an id-less
// StreamTree.
func (t *Tree) ScanAll(ctx context.Context, startI, endI uint64, reverse bool, fn ScanFunc) error {
	start, end := kv.PrefixRange(insertionPrefix(t.name))
	if startI > 0 {
		start = insertionKey(t.name, startI)
	}
	if endI > 0 {
		end = insertionKey(t.name, endI+1)
	}
	return t.store.Scan(start, end, reverse, func(k, v []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		id, i, ok := parseInsertionValue(v)
		if !ok {
			return true, nil
		}
		raw, err := t.store.Get(dataKey(t.name, id, i))
		if err != nil {
			return false, errors.Wrap(ErrBackendError, err.Error())
		}
		rec, err := record.Decode(raw)
		if err != nil {
			return false, err
		}
		return fn(i, rec)
	})
}

// ScanID iterates every record for id in insertion order (or reverse),
// bounded by [startI, endI] inclusive (0 means unbounded on that
// side). It is the backend for an id-scoped StreamTree.
func (t *Tree) ScanID(ctx context.Context, id record.ID, startI, endI uint64, reverse bool, fn ScanFunc) error {
	start, end := kv.PrefixRange(dataPrefix(t.name, id))
	if startI > 0 {
		start = dataKey(t.name, id, startI)
	}
	if endI > 0 {
		end = dataKey(t.name, id, endI+1)
	}
	return t.store.Scan(start, end, reverse, func(k, v []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		rec, err := record.Decode(v)
		if err != nil {
			return false, err
		}
		i := rec.H.I
		return fn(i, rec)
	})
}
