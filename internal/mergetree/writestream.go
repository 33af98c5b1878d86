// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergetree

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/tree"
)

// LocalWriteStream is the writable sink for locally originated
// records: headers must not carry a perspective.
type LocalWriteStream struct {
	mt *MergeTree
}

// Write appends rec to the local tree. If rec already exists by
// version, it is silently dropped (nil, nil). Fails only with
// ErrBackendError or ErrInvalidHeader.
func (s *LocalWriteStream) Write(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if !rec.H.IsLocal() {
		return nil, fmt.Errorf("%w: local write stream record must not carry a perspective", ErrInvalidHeader)
	}
	out, err := s.mt.local.Append(ctx, rec)
	if errors.Is(err, tree.ErrDuplicateVersion) {
		return nil, nil
	}
	return out, err
}

// Close is a no-op; the underlying tree is owned by the MergeTree, not
// by any one write stream.
func (s *LocalWriteStream) Close() error { return nil }

// RemoteWriteStream is the per-remote sink for records received from
// one perspective.
type RemoteWriteStream struct {
	mt   *MergeTree
	pe   string
	tr   *tree.Tree
	opts RemoteWriteOptions
}

// Write appends rec to this perspective's remote tree with h.pe
// enforced, after running opts.Hooks and opts.Filter. A record dropped
// by a hook or filter is still acknowledged (nil, nil) so the
// perspective's high-water mark advances, but it is not stored.
func (s *RemoteWriteStream) Write(ctx context.Context, rec *record.Record) (*record.Record, error) {
	cur := rec.Clone()
	cur.H.Pe = s.pe
	for _, h := range s.opts.Hooks {
		var err error
		cur, err = h(ctx, cur)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, nil
		}
	}
	if s.opts.Filter != nil && !s.opts.Filter(cur) {
		return nil, nil
	}
	// A parent may live only in the local tree: a version this side
	// produced, which the remote adopted into its own history and now
	// cites without re-sending. Such parents pass the existence check
	// against the local tree and are marked external for the remote
	// tree's append; a parent found in neither tree still fails with
	// ErrUnknownParent.
	var external []record.Version
	for _, p := range cur.H.Pa {
		if _, err := s.tr.GetByVersion(ctx, p); err == nil {
			continue
		} else if !errors.Is(err, tree.ErrNoSuchVersion) {
			return nil, err
		}
		if _, err := s.mt.local.GetByVersion(ctx, p); err == nil {
			external = append(external, p)
		} else if !errors.Is(err, tree.ErrNoSuchVersion) {
			return nil, err
		}
	}
	out, err := s.tr.Append(ctx, cur, tree.AllowUnknownParents(), tree.WithExternalParents(external...))
	if errors.Is(err, tree.ErrDuplicateVersion) {
		return nil, nil
	}
	if errors.Is(err, tree.ErrUnknownParent) {
		s.mt.log.WithError(err).WithFields(map[string]any{
			"pe": s.pe,
			"id": cur.H.ID.String(),
			"v":  string(cur.H.V),
		}).Warn("mergetree: remote record rejected, unknown parent")
		return nil, err
	}
	return out, err
}

// Close is a no-op; the underlying tree is owned by the MergeTree.
func (s *RemoteWriteStream) Close() error { return nil }
