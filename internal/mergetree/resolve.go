// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergetree

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/perspectivedb/perspectivedb/internal/conflict"
	"github.com/perspectivedb/perspectivedb/internal/record"
)

// ResolveConflict applies an application-chosen resolution to a
// previously recorded conflict. It validates that the
// current local head still matches the body the caller resolved
// against (toBeResolved); if the local head has since changed,
// ErrStaleResolution is returned and the conflict is left in the sink
// for the caller to re-fetch and retry. On success it appends a new
// local record whose parents combine both sides of the conflict (the
// current local head and the remote candidate) and removes the
// conflict record.
func (mt *MergeTree) ResolveConflict(ctx context.Context, id int64, toBeResolved record.Body, resolved record.Body, del bool) (*record.Record, error) {
	cr, err := mt.conflictSink.Get(ctx, id)
	if errors.Is(err, conflict.ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	if cr.N == nil {
		return nil, fmt.Errorf("mergetree: conflict %d has no remote candidate to resolve against", id)
	}

	itemID := cr.N.H.ID
	if cr.L != nil {
		itemID = cr.L.H.ID
	}

	curHead, err := mt.GetLocalHead(ctx, itemID)
	if err != nil {
		return nil, err
	}
	var curBody record.Body
	if curHead != nil {
		curBody = curHead.B
	}
	if !record.BodiesEqual(curBody, toBeResolved) {
		return nil, ErrStaleResolution
	}

	pa := make([]record.Version, 0, 2)
	if curHead != nil {
		pa = append(pa, curHead.H.V)
	}
	pa = append(pa, cr.N.H.V)

	v, err := mt.allocator().Allocate(ctx)
	if err != nil {
		return nil, err
	}
	newRec := &record.Record{
		H: record.Header{
			ID: itemID,
			V:  v,
			Pa: pa,
			D:  del,
		},
		B: resolved,
	}
	out, err := mt.appendToLocal(ctx, newRec)
	if err != nil {
		return nil, err
	}
	if err := mt.conflictSink.Remove(ctx, id); err != nil {
		return nil, err
	}
	return out, nil
}
