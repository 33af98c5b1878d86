// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergetree

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/perspectivedb/perspectivedb/internal/conflict"
	"github.com/perspectivedb/perspectivedb/internal/merge"
	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/tree"
)

// StartMerge begins the merger: one goroutine per remote perspective,
// coordinated by an errgroup.Group, each scanning its remote tree from
// its persisted cursor forward, pairing every head not yet merged with
// the current local head of the same id, and emitting the result on
// the returned MergeOutput. Calling StartMerge again while already
// running returns the existing output (idempotent).
func (mt *MergeTree) StartMerge(ctx context.Context) (*MergeOutput, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.backendFault.Load() {
		return nil, ErrBackendFault
	}
	if mt.merging {
		return mt.output, nil
	}

	mergeCtx, cancel := context.WithCancel(ctx)
	out := make(chan outMsg)
	eg, egCtx := errgroup.WithContext(mergeCtx)
	for pe, remote := range mt.remotes {
		pe, remote := pe, remote
		eg.Go(func() error {
			return mt.mergeLoop(egCtx, pe, remote, out)
		})
	}

	mt.cancel = cancel
	mt.out = out
	mt.merging = true
	done := make(chan struct{})
	mt.mergeDone = done
	output := &MergeOutput{mt: mt, ch: out}
	mt.output = output

	go func() {
		err := eg.Wait()
		mt.mu.Lock()
		mt.merging = false
		if err != nil && !errors.Is(err, context.Canceled) {
			mt.backendFault.Store(true)
			mt.log.WithError(err).Error("mergetree: merger stopped on backend fault")
		}
		close(out)
		close(done)
		mt.mu.Unlock()
	}()

	return output, nil
}

// StopMerge quiesces the merger: in-flight merges complete their
// current backend operation, then cb fires. Calling StopMerge when the
// merger is not running just invokes cb.
func (mt *MergeTree) StopMerge(cb func()) {
	mt.mu.Lock()
	cancel := mt.cancel
	done := mt.mergeDone
	mt.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if cb != nil {
		cb()
	}
}

// mergeLoop is the single logical task for one remote perspective: it
// suspends at every backend I/O and at the output channel send/ack,
// never busy-looping while the consumer is slow.
func (mt *MergeTree) mergeLoop(ctx context.Context, pe string, remote *tree.Tree, out chan<- outMsg) error {
	cursor, err := mt.loadCursor(pe)
	if err != nil {
		return fmt.Errorf("mergetree: load cursor for %q: %w", pe, err)
	}
	lookup := mt.crossParents(remote)
	get := mt.crossGet(remote)

	i := cursor + 1
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		rec, ok, err := remote.RecordAtI(i)
		if err != nil {
			return fmt.Errorf("mergetree: read remote %q at %d: %w", pe, i, err)
		}
		if !ok {
			timer := time.NewTimer(mt.cfg.TailRetry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}

		heads, err := remote.Heads(ctx, rec.H.ID)
		if err != nil {
			return fmt.Errorf("mergetree: heads of %q in %q: %w", rec.H.ID.String(), pe, err)
		}
		if !isHeadVersion(heads, rec.H.V) {
			// rec was superseded within this same remote tree before the
			// merger reached it; nothing to merge, just move the cursor.
			if err := mt.saveCursor(pe, i); err != nil {
				return fmt.Errorf("mergetree: advance cursor for %q: %w", pe, err)
			}
			i++
			continue
		}

		if err := mt.mergeOne(ctx, out, pe, i, rec, lookup, get); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		i++
	}
}

func isHeadVersion(heads []record.Version, v record.Version) bool {
	for _, h := range heads {
		if h == v {
			return true
		}
	}
	return false
}

// mergeOne pairs rhead (a current remote head) with the local head of
// the same id and drives it through the three-way merge engine,
// emitting exactly one Envelope (or none, for a pure drop) and
// advancing the cursor once the consumer has acknowledged.
func (mt *MergeTree) mergeOne(ctx context.Context, out chan<- outMsg, pe string, i uint64, rhead *record.Record, lookup tree.ParentLookup, get func(context.Context, record.Version) (*record.Record, error)) error {
	lheads, err := mt.local.Heads(ctx, rhead.H.ID)
	if err != nil {
		return err
	}
	if len(lheads) > 1 {
		return mt.emitConflictAndAdvance(ctx, out, pe, i, &merge.Conflict{
			N: rhead, Pe: pe, Err: "multiple local heads",
		})
	}

	var lhead *record.Record
	if len(lheads) == 1 {
		lhead, err = mt.local.GetByVersion(ctx, lheads[0])
		if err != nil {
			return err
		}
	}

	if lhead == nil {
		adopted, err := mt.promote(ctx, rhead)
		if err != nil {
			return err
		}
		return mt.emitAndAdvance(ctx, out, pe, i, &Envelope{N: adopted, Pe: pe})
	}

	if lhead.H.V == rhead.H.V {
		return mt.saveCursor(pe, i)
	}

	lcas, err := tree.ComputeLCA(ctx, lookup, lhead.H.V, rhead.H.V)
	if err != nil {
		return err
	}

	switch {
	case len(lcas) == 1 && lcas[0] == lhead.H.V:
		// local is an ancestor of remote: fast-forward, adopt as-is.
		adopted, err := mt.promote(ctx, rhead)
		if err != nil {
			return err
		}
		return mt.emitAndAdvance(ctx, out, pe, i, &Envelope{N: adopted, L: lhead, LCAs: lcas, Pe: pe})
	case len(lcas) == 1 && lcas[0] == rhead.H.V:
		// remote is an ancestor of local: nothing to do.
		return mt.saveCursor(pe, i)
	default:
		lcaRecs := make([]*record.Record, len(lcas))
		for idx, v := range lcas {
			r, err := get(ctx, v)
			if err != nil {
				return err
			}
			lcaRecs[idx] = r
		}
		res, err := merge.ThreeWay(ctx, lhead, rhead, lcaRecs, pe, mt.allocator())
		if errors.Is(err, merge.ErrTooManyParents) {
			// A >2-parent head (an octopus merge authored elsewhere) is
			// outside what this merge engine can fold; reported as a
			// conflict, like "multiple local heads" above, rather than
			// stopping the whole perspective's merger.
			return mt.emitConflictAndAdvance(ctx, out, pe, i, &merge.Conflict{
				N: rhead, L: lhead, LCAs: lcas, Pe: pe, Err: err.Error(),
			})
		}
		if err != nil {
			return err
		}
		switch res.Kind {
		case merge.Merged:
			stored, err := mt.promote(ctx, res.Merged)
			if err != nil {
				return err
			}
			return mt.emitAndAdvance(ctx, out, pe, i, &Envelope{N: stored, L: lhead, LCAs: lcas, Pe: pe})
		case merge.Conflicted:
			return mt.emitConflictAndAdvance(ctx, out, pe, i, res.Conflict)
		default:
			return fmt.Errorf("mergetree: unexpected merge outcome %v", res.Kind)
		}
	}
}

// emit delivers env to the output channel and blocks until the
// consumer acknowledges it. cfg.OutputHooks/OutputFilter may drop env
// from delivery entirely; a dropped envelope is treated as
// pre-acknowledged since there is no consumer to wait on.
func (mt *MergeTree) emit(ctx context.Context, out chan<- outMsg, env *Envelope) error {
	if env.N != nil {
		cur := env.N
		for _, h := range mt.cfg.OutputHooks {
			var err error
			cur, err = h(ctx, cur)
			if err != nil {
				return err
			}
			if cur == nil {
				return nil
			}
		}
		if mt.cfg.OutputFilter != nil && !mt.cfg.OutputFilter(cur) {
			return nil
		}
		if cur != env.N {
			rewritten := *env
			rewritten.N = cur
			env = &rewritten
		}
	}

	msg := outMsg{env: env, ackCh: make(chan struct{})}
	select {
	case out <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-msg.ackCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mt *MergeTree) emitAndAdvance(ctx context.Context, out chan<- outMsg, pe string, i uint64, env *Envelope) error {
	if err := mt.emit(ctx, out, env); err != nil {
		return err
	}
	return mt.saveCursor(pe, i)
}

func (mt *MergeTree) emitConflictAndAdvance(ctx context.Context, out chan<- outMsg, pe string, i uint64, c *merge.Conflict) error {
	cr := conflict.FromMerge(c)
	if err := mt.conflictSink.Put(ctx, cr); err != nil {
		return fmt.Errorf("mergetree: persist conflict: %w", err)
	}
	env := &Envelope{N: c.N, L: c.L, LCAs: c.LCAs, Pe: pe, C: c.Keys, Err: c.Err}
	if err := mt.emit(ctx, out, env); err != nil {
		return err
	}
	return mt.saveCursor(pe, i)
}

// crossParents builds a tree.ParentLookup spanning both the local tree
// and one remote tree, needed because a version's full ancestry may
// live partly in each.
func (mt *MergeTree) crossParents(remote *tree.Tree) tree.ParentLookup {
	return func(ctx context.Context, v record.Version) ([]record.Version, error) {
		rec, err := mt.crossGet(remote)(ctx, v)
		if err != nil {
			return nil, err
		}
		return rec.H.Pa, nil
	}
}

// crossGet resolves a version to its full record, checking the local
// tree first (since a fast-forwarded or merged version is stored there
// under its original tag) and falling back to remote.
func (mt *MergeTree) crossGet(remote *tree.Tree) func(context.Context, record.Version) (*record.Record, error) {
	return func(ctx context.Context, v record.Version) (*record.Record, error) {
		rec, err := mt.local.GetByVersion(ctx, v)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, tree.ErrNoSuchVersion) {
			return nil, err
		}
		return remote.GetByVersion(ctx, v)
	}
}
