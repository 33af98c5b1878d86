// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergetree

import (
	"context"
	"errors"
	"io"

	"github.com/perspectivedb/perspectivedb/internal/record"
)

// Envelope is the merger's output-stream record: the result of one
// merge attempt, whether clean (C nil) or a conflict (C non-nil or Err
// set).
type Envelope struct {
	// N is the merged or candidate new version.
	N *record.Record
	// L is the local head at the time of merge, nil if id was new to
	// the local tree.
	L *record.Record
	// LCAs lists the lowest-common-ancestor versions used.
	LCAs []record.Version
	// Pe is the perspective that produced N.
	Pe string
	// C lists conflicting body keys, nil if the merge was clean or the
	// conflict was not a body-key conflict.
	C []string
	// Err carries a short machine-checkable reason string for a
	// non-body-key conflict (e.g. "no lca").
	Err string
}

// Clean reports whether this envelope describes a successful merge
// (fast-forward or three-way) rather than a conflict.
func (e *Envelope) Clean() bool { return e.Err == "" && e.C == nil }

type outMsg struct {
	env   *Envelope
	ackCh chan struct{}
}

// MergeOutput is the readable stream StartMerge returns. Its shape,
// Next/Ack rather than a bare Go channel, mirrors StreamTree's
// Next/ForEach so callers treat both read surfaces uniformly; Ack is
// the consumer's acknowledgement, made an explicit method instead of a
// callback parameter.
type MergeOutput struct {
	mt      *MergeTree
	ch      <-chan outMsg
	pending *outMsg
}

// Next returns the next merge envelope, blocking until one is
// available, the stream closes (io.EOF), or ctx is done. The caller
// MUST call Ack before the next call to Next: the per-remote merge
// cursor does not advance until Ack runs.
func (o *MergeOutput) Next(ctx context.Context) (*Envelope, error) {
	if o.pending != nil {
		return nil, errors.New("mergetree: Next called before Ack of the previous envelope")
	}
	select {
	case msg, ok := <-o.ch:
		if !ok {
			return nil, io.EOF
		}
		o.pending = &msg
		return msg.env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack acknowledges the envelope most recently returned by Next,
// allowing the merger to advance that perspective's cursor and proceed
// to the next candidate.
func (o *MergeOutput) Ack() error {
	if o.pending == nil {
		return errors.New("mergetree: Ack called with no pending envelope")
	}
	close(o.pending.ackCh)
	o.pending = nil
	return nil
}
