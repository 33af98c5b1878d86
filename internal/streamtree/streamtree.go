// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package streamtree implements a lazy, restartable read-stream over an
// internal/tree.Tree: records in insertion order, with optional
// id/version bounds, a filter predicate, a hook chain, and tailing.
// When a filter or hook drops a record, the ancestry of every later
// record is rewritten so nothing emitted ever cites a dropped parent.
package streamtree

import (
	"context"
	"io"
	"time"

	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/tree"
)

// DefaultTailRetry is the interval between reopen attempts when
// tailing.
const DefaultTailRetry = time.Second

// Filter reports whether rec should be emitted. A record failing
// Filter is suppressed but its descendants are rewritten to skip it.
type Filter func(rec *record.Record) bool

// Hook transforms rec before it is considered for emission. Returning
// (nil, nil) drops the record, triggering the same ancestor-rewriting
// as a failed Filter. Hooks run strictly one record at a time, in the
// order supplied, to preserve the stream's ordering guarantee.
type Hook func(ctx context.Context, rec *record.Record) (*record.Record, error)

// Options configures a StreamTree. All fields are optional.
type Options struct {
	ID           record.ID
	First, Last  record.Version
	ExcludeFirst bool
	ExcludeLast  bool
	Reverse      bool
	Filter       Filter
	Hooks        []Hook

	// Raw bypasses hooks, filter, and ancestor rewriting, yielding
	// every record exactly as stored.
	Raw bool

	// Tail keeps the stream open past its current end: once exhausted,
	// Next reopens the underlying scan every TailRetry instead of
	// returning io.EOF. Incompatible with Reverse (a tailing stream
	// only ever grows forward).
	Tail      bool
	TailRetry time.Duration
}

// StreamTree is a lazy iterator over a tree.Tree's records in
// insertion order. It is pull-based (Next/ForEach/Close rather than a
// range-over-func iterator) so a caller needing to pause mid-stream
// can simply hold off on the next Next call.
type StreamTree struct {
	t    *tree.Tree
	opts Options

	startI, endI uint64
	lastEmittedI uint64

	buf    []item
	bufPos int
	done   bool
	err    error

	// suppressed maps an original version to the set of ancestor versions
	// that should stand in for it in a descendant's rewritten pa. It
	// persists across fill() windows: a suppressed parent may be cited by
	// a descendant emitted in a later scan window than the one that
	// suppressed it.
	suppressed map[record.Version][]record.Version
}

type item struct {
	i   uint64
	rec *record.Record
}

// Open resolves opts' version bounds against t's version index and
// returns a ready StreamTree. Resolution happens once, at Open time;
// Raw/id/bounds are immutable for the life of the stream.
func Open(ctx context.Context, t *tree.Tree, opts Options) (*StreamTree, error) {
	st := &StreamTree{t: t, opts: opts}

	if !opts.First.Empty() {
		i, ok, err := t.ResolveVersionToI(opts.First)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, tree.ErrNoSuchVersion
		}
		if opts.ExcludeFirst {
			i++
		}
		st.startI = i
	}
	if !opts.Last.Empty() {
		i, ok, err := t.ResolveVersionToI(opts.Last)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, tree.ErrNoSuchVersion
		}
		if opts.ExcludeLast {
			if i == 0 {
				return nil, tree.ErrNoSuchVersion
			}
			i--
		}
		st.endI = i
	}
	if st.opts.Tail && st.opts.TailRetry <= 0 {
		st.opts.TailRetry = DefaultTailRetry
	}
	return st, nil
}

// Next returns the next record in the stream, or io.EOF once
// exhausted.
func (s *StreamTree) Next(ctx context.Context) (*record.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		if s.bufPos < len(s.buf) {
			it := s.buf[s.bufPos]
			s.bufPos++
			s.lastEmittedI = it.i
			return it.rec, nil
		}
		if s.done {
			if !s.opts.Tail {
				return nil, io.EOF
			}
			// Reopen the underlying range every TailRetry, with a new lower
			// bound equal to the last emitted i. The suspension happens on
			// this timer; the stream never busy-loops while waiting for
			// new appends.
			timer := time.NewTimer(s.opts.TailRetry)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			s.done = false
		}
		if err := s.fill(ctx); err != nil {
			s.err = err
			return nil, err
		}
	}
}

// fill runs one backend scan window and applies filter/hooks/ancestor
// rewriting, populating s.buf with zero or more emittable records. It
// may produce zero records (an entire window filtered out) without
// setting s.done, in which case Next loops to fill again.
func (s *StreamTree) fill(ctx context.Context) error {
	const windowSize = 256

	type raw struct {
		i   uint64
		rec *record.Record
	}
	var window []raw

	scan := s.t.ScanAll
	if s.opts.ID != nil {
		scan = func(ctx context.Context, startI, endI uint64, reverse bool, fn tree.ScanFunc) error {
			return s.t.ScanID(ctx, s.opts.ID, startI, endI, reverse, fn)
		}
	}

	start := s.startI
	if s.lastEmittedI > 0 && !s.opts.Reverse {
		start = s.lastEmittedI + 1
	}
	end := s.endI
	if s.lastEmittedI > 0 && s.opts.Reverse {
		if s.lastEmittedI == 1 {
			// Nothing precedes insertion counter 1: the reverse walk is
			// exhausted, and endI=0 would otherwise be misread as "unbounded".
			s.done = true
			s.buf, s.bufPos = nil, 0
			return nil
		}
		end = s.lastEmittedI - 1
	}

	n := 0
	err := scan(ctx, start, end, s.opts.Reverse, func(i uint64, rec *record.Record) (bool, error) {
		window = append(window, raw{i: i, rec: rec})
		n++
		return n < windowSize, nil
	})
	if err != nil {
		return err
	}
	if len(window) < windowSize {
		s.done = true
	}

	// suppressed persists across fill() windows: a suppressed parent may
	// be cited by a descendant that falls in a later scan window than
	// the one that suppressed it.
	if s.suppressed == nil {
		s.suppressed = map[record.Version][]record.Version{}
	}

	emitted := make([]item, 0, len(window))
	for _, w := range window {
		rec := w.rec
		keep := true
		if !s.opts.Raw {
			var err error
			rec, err = s.applyHooks(ctx, rec)
			if err != nil {
				return err
			}
			keep = rec != nil && (s.opts.Filter == nil || s.opts.Filter(rec))
		}
		if !keep {
			replacement := s.resolveSuppressedParents(w.rec.H.Pa, s.suppressed)
			s.suppressed[w.rec.H.V] = replacement
			continue
		}
		rewritten := rec.Clone()
		rewritten.H.Pa = s.resolveSuppressedParents(w.rec.H.Pa, s.suppressed)
		emitted = append(emitted, item{i: w.i, rec: rewritten})
	}

	s.buf = emitted
	s.bufPos = 0
	if len(window) > 0 {
		s.lastEmittedI = window[len(window)-1].i
	}
	return nil
}

// resolveSuppressedParents substitutes any parent version already
// known to be suppressed with its own resolved ancestor set, so no
// emitted record ever cites a suppressed parent.
func (s *StreamTree) resolveSuppressedParents(pa []record.Version, suppressed map[record.Version][]record.Version) []record.Version {
	out := make([]record.Version, 0, len(pa))
	seen := map[record.Version]bool{}
	var walk func(v record.Version)
	walk = func(v record.Version) {
		replacement, isSuppressed := suppressed[v]
		if !isSuppressed {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
			return
		}
		for _, r := range replacement {
			walk(r)
		}
	}
	for _, p := range pa {
		walk(p)
	}
	return out
}

func (s *StreamTree) applyHooks(ctx context.Context, rec *record.Record) (*record.Record, error) {
	cur := rec
	for _, h := range s.opts.Hooks {
		if cur == nil {
			return nil, nil
		}
		next, err := h(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// ForEach invokes fn for every record in the stream until exhaustion,
// fn returns an error, or fn returns false as its continue value.
func (s *StreamTree) ForEach(ctx context.Context, fn func(*record.Record) (bool, error)) error {
	for {
		rec, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		more, err := fn(rec)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Close drops the read buffer and marks the current scan exhausted, so
// a non-tailing stream returns io.EOF from then on. A StreamTree holds
// no backend resources between Next calls. Close does not stop a
// tailing stream: a later Next still waits TailRetry and scans again.
func (s *StreamTree) Close() {
	s.done = true
	s.buf = nil
}
