// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package tree implements an append-only, content-addressed DAG store:
// one append-only log of versioned items keyed by (id, version), with
// secondary indices by insertion order, by version, and by head set.
package tree

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/perspectivedb/perspectivedb/internal/kv"
	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/pkg/plog"
)

// Tree is one append-only DAG of versioned records for a particular
// provenance (local, or one remote perspective). All trees of one
// MergeTree share a single underlying kv.Store handle, disambiguated by
// the tree-name key prefix.
type Tree struct {
	store kv.Store
	name  string
	vSize int

	log *logrus.Entry

	cache *ristretto.Cache[string, uint64] // optional version-index read cache

	mu     sync.Mutex // guards lastI and closed; writes are additionally serialized through appendCh
	lastI  uint64
	closed bool

	appendCh chan appendRequest
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Tree at construction.
type Option func(*Tree)

// WithVSize sets the expected decoded byte width of every version in
// this tree; a record whose version decodes to a different width is
// rejected with ErrInvalidHeader. Zero means "don't check".
func WithVSize(n int) Option {
	return func(t *Tree) { t.vSize = n }
}

// WithEnableLRU turns on an optional version-index read cache: the
// duplicate check and parent resolution on every Append, and every
// GetByVersion, start with a version-to-insertion-counter lookup, and
// that mapping never changes once written, which makes it safe to
// cache.
func WithEnableLRU(enable bool) Option {
	return func(t *Tree) {
		if !enable {
			return
		}
		c, err := ristretto.NewCache(&ristretto.Config[string, uint64]{
			NumCounters: 100_000,
			MaxCost:     100_000,
			BufferItems: 64,
		})
		if err == nil {
			t.cache = c
		}
	}
}

// WithLogger attaches a logrus.Entry used for warnings on non-fatal
// per-record failures (e.g. a rejected remote record).
func WithLogger(l *logrus.Entry) Option {
	return func(t *Tree) {
		if l != nil {
			t.log = l
		}
	}
}

// New opens a Tree named name over store. Every Tree of one MergeTree
// shares the same store and vSize.
func New(store kv.Store, name string, opts ...Option) (*Tree, error) {
	t := &Tree{
		store:    store,
		name:     name,
		log:      plog.Entry(),
		appendCh: make(chan appendRequest),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	lastI, err := t.scanLastI()
	if err != nil {
		return nil, errors.Wrapf(err, "tree %q: scan last insertion counter", name)
	}
	t.lastI = lastI
	t.wg.Add(1)
	go t.writeLoop()
	return t, nil
}

// Name returns the tree's name, as it appears in the on-disk key prefix.
func (t *Tree) Name() string { return t.name }

// Close quiesces the write goroutine. In-flight appends complete first.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	t.wg.Wait()
	if t.cache != nil {
		t.cache.Close()
	}
	return nil
}

func (t *Tree) scanLastI() (uint64, error) {
	var last uint64
	start, end := kv.PrefixRange(insertionPrefix(t.name))
	err := t.store.Scan(start, end, true, func(k, v []byte) (bool, error) {
		if len(k) < 8 {
			return false, nil
		}
		last = getUint64(k[len(k)-8:])
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	return last, nil
}

// appendRequest/appendResult implement the single-writer discipline:
// all appends to one Tree are serialized through one goroutine reading
// appendCh, so the head-index read-modify-write and the insertion
// counter can never race.
type appendRequest struct {
	ctx              context.Context
	rec              *record.Record
	externalParents  map[record.Version]bool
	allowUnknownPare bool // if true, an unresolvable parent is reported, not fatal (remote trees)
	resp             chan appendResult
}

type appendResult struct {
	rec *record.Record
	err error
}

func (t *Tree) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case req := <-t.appendCh:
			rec, err := t.doAppend(req.rec, req.externalParents, req.allowUnknownPare)
			req.resp <- appendResult{rec: rec, err: err}
		case <-t.done:
			return
		}
	}
}

// AppendOption configures a single Append call.
type AppendOption func(*appendRequest)

// WithExternalParents marks versions that the caller has already
// verified exist in some other tree of the same MergeTree (e.g. a
// remote-tree head the merge engine is folding into the local tree).
// Such parents are accepted without a local version-index lookup.
func WithExternalParents(versions ...record.Version) AppendOption {
	return func(r *appendRequest) {
		if r.externalParents == nil {
			r.externalParents = make(map[record.Version]bool, len(versions))
		}
		for _, v := range versions {
			r.externalParents[v] = true
		}
	}
}

// AllowUnknownParents marks this tree as tolerant of unresolvable
// parents at the per-record level (remote trees): such a record is
// rejected with ErrUnknownParent but does not fail the tree.
// Local trees never set this; an unresolved parent there is fatal to the
// Append call, matching ErrInvalidHeader's "fatal" classification.
func AllowUnknownParents() AppendOption {
	return func(r *appendRequest) { r.allowUnknownPare = true }
}

// Append validates rec's header, assigns its insertion counter, and
// writes it in one atomic batch. On success it returns the stored
// record (with Header.I populated). ErrDuplicateVersion is returned,
// not silently swallowed, here: the write streams implementing
// idempotent-drop semantics check for it explicitly.
func (t *Tree) Append(ctx context.Context, rec *record.Record, opts ...AppendOption) (*record.Record, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	req := appendRequest{ctx: ctx, rec: rec, resp: make(chan appendResult, 1)}
	for _, o := range opts {
		o(&req)
	}
	select {
	case t.appendCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
	select {
	case res := <-req.resp:
		return res.rec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Tree) doAppend(rec *record.Record, externalParents map[record.Version]bool, allowUnknown bool) (*record.Record, error) {
	if err := rec.H.Validate(); err != nil {
		return nil, err
	}
	if t.vSize > 0 {
		raw, err := rec.H.V.Bytes()
		if err != nil || len(raw) != t.vSize {
			return nil, fmt.Errorf("%w: version %q has wrong width for vSize=%d", ErrInvalidHeader, string(rec.H.V), t.vSize)
		}
	}

	// Duplicate check (version index).
	if _, _, err := t.lookupVersion(rec.H.V); err == nil {
		return nil, ErrDuplicateVersion
	} else if !errors.Is(err, ErrNoSuchVersion) {
		return nil, errors.Wrap(ErrBackendError, err.Error())
	}

	// Parent resolution: each pa entry must resolve to an i within this
	// tree, or be pre-verified as an external parent by the caller.
	parentIs := make([]uint64, 0, len(rec.H.Pa))
	for _, p := range rec.H.Pa {
		if externalParents[p] {
			continue
		}
		_, i, err := t.lookupVersion(p)
		if err == nil {
			parentIs = append(parentIs, i)
			continue
		}
		if !errors.Is(err, ErrNoSuchVersion) {
			return nil, errors.Wrap(ErrBackendError, err.Error())
		}
		if allowUnknown {
			return nil, fmt.Errorf("%w: %q", ErrUnknownParent, string(p))
		}
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidHeader, ErrUnknownParent, string(p))
	}

	// Resolve the parents' versions before the batch: the store's read
	// methods must not be called from inside AtomicBatch.
	parentVs := make([]record.Version, 0, len(parentIs))
	for _, pi := range parentIs {
		pv, ok, err := t.versionAtI(pi)
		if err != nil {
			return nil, errors.Wrap(ErrBackendError, err.Error())
		}
		if ok {
			parentVs = append(parentVs, pv)
		}
	}

	i := t.lastI + 1
	rec = rec.Clone()
	rec.H.I = i

	raw, err := record.Encode(rec)
	if err != nil {
		return nil, errors.Wrap(ErrBackendError, err.Error())
	}
	vRaw, err := rec.H.V.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	err = t.store.AtomicBatch(func(b kv.Batch) error {
		b.Put(dataKey(t.name, rec.H.ID, i), raw)
		b.Put(insertionKey(t.name, i), insertionValue(rec.H.ID, i))
		b.Put(versionKey(t.name, vRaw), putUint64(i))
		for _, pv := range parentVs {
			// delete head-index entries for any parent that was a head of
			// this id in this tree.
			b.Delete(headKey(t.name, rec.H.ID, pv))
		}
		b.Put(headKey(t.name, rec.H.ID, rec.H.V), putUint64(i))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrBackendError, err.Error())
	}
	t.mu.Lock()
	t.lastI = i
	t.mu.Unlock()
	if t.cache != nil {
		t.cache.Set(string(rec.H.V), i, 1)
	}
	return rec, nil
}

// versionAtI resolves the insertion counter i back to the version that
// was assigned it, by reading the data record at i. ok is false if i
// refers to no record in this tree (should not happen in well-formed
// use).
func (t *Tree) versionAtI(i uint64) (record.Version, bool, error) {
	id, ok, err := t.idAtI(i)
	if err != nil || !ok {
		return "", false, err
	}
	raw, err := t.store.Get(dataKey(t.name, id, i))
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	rec, err := record.Decode(raw)
	if err != nil {
		return "", false, err
	}
	return rec.H.V, true, nil
}

// lookupVersion resolves v to (id, i) via the version and insertion
// indices. Returns ErrNoSuchVersion if v is not present in this tree.
func (t *Tree) lookupVersion(v record.Version) (record.ID, uint64, error) {
	i, cached := t.cachedI(v)
	if !cached {
		vRaw, err := v.Bytes()
		if err != nil {
			return nil, 0, ErrNoSuchVersion
		}
		iRaw, err := t.store.Get(versionKey(t.name, vRaw))
		if errors.Is(err, kv.ErrNotFound) {
			return nil, 0, ErrNoSuchVersion
		}
		if err != nil {
			return nil, 0, err
		}
		i = getUint64(iRaw)
		if t.cache != nil {
			t.cache.Set(string(v), i, 1)
		}
	}
	idVal, ok, err := t.idAtI(i)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrNoSuchVersion
	}
	return idVal, i, nil
}

func (t *Tree) cachedI(v record.Version) (uint64, bool) {
	if t.cache == nil {
		return 0, false
	}
	return t.cache.Get(string(v))
}

func (t *Tree) idAtI(i uint64) (record.ID, bool, error) {
	raw, err := t.store.Get(insertionKey(t.name, i))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	id, gotI, ok := parseInsertionValue(raw)
	if !ok || gotI != i {
		return nil, false, nil
	}
	return id, true, nil
}

// GetByVersion resolves v to its full record in O(1) index lookups.
func (t *Tree) GetByVersion(_ context.Context, v record.Version) (*record.Record, error) {
	id, i, err := t.lookupVersion(v)
	if err != nil {
		return nil, err
	}
	raw, err := t.store.Get(dataKey(t.name, id, i))
	if err != nil {
		return nil, errors.Wrap(ErrBackendError, err.Error())
	}
	return record.Decode(raw)
}

// Parents returns the parent versions of v.
func (t *Tree) Parents(ctx context.Context, v record.Version) ([]record.Version, error) {
	rec, err := t.GetByVersion(ctx, v)
	if err != nil {
		return nil, err
	}
	return rec.H.Pa, nil
}

// HeadsOf invokes cb once for every current head version of id.
// Iteration stops early if cb returns an error.
func (t *Tree) HeadsOf(_ context.Context, id record.ID, cb func(record.Version) error) error {
	start, end := kv.PrefixRange(headPrefix(t.name, id))
	return t.store.Scan(start, end, false, func(k, _ []byte) (bool, error) {
		v, ok := parseHeadKey(t.name, k)
		if !ok {
			return true, nil
		}
		if err := cb(v); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Heads returns every current head version of id as a slice.
func (t *Tree) Heads(ctx context.Context, id record.ID) ([]record.Version, error) {
	var out []record.Version
	err := t.HeadsOf(ctx, id, func(v record.Version) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

// LastI returns the highest insertion counter currently assigned in
// this tree, or 0 if the tree is empty. It backs
// MergeTree.LastReceivedFromRemote.
func (t *Tree) LastI() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastI
}

// VersionAtI exposes versionAtI for MergeTree.LastReceivedFromRemote,
// which maps a remote tree's LastI to its version.
func (t *Tree) VersionAtI(i uint64) (record.Version, bool, error) {
	return t.versionAtI(i)
}

// CompactRemotePrefix removes every record with insertion counter <=
// cutoffI that is no longer a head of its id, along with its
// insertion/version index entries. It is an explicit, caller-invoked
// maintenance operation, never run automatically by Append or the
// merger.
//
// A record that is still a head is kept regardless of cutoffI: it may
// still be the Pa of a future Append, or the target of a pending
// ancestry walk. Compacting past a version still reachable from a live
// head's history will make that history unwalkable (a later LCA
// computation that needs the pruned record returns ErrNoSuchVersion);
// callers are responsible for only compacting a prefix they know no
// live head's ancestry still depends on, e.g. after every perspective
// has acknowledged past that insertion counter.
func (t *Tree) CompactRemotePrefix(ctx context.Context, cutoffI uint64) (removed int, err error) {
	type doomed struct {
		id   record.ID
		i    uint64
		vRaw []byte
	}
	var candidates []doomed

	start, end := kv.PrefixRange(insertionPrefix(t.name))
	end = insertionKey(t.name, cutoffI+1)
	scanErr := t.store.Scan(start, end, false, func(k, v []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		id, i, ok := parseInsertionValue(v)
		if !ok {
			return true, nil
		}
		raw, err := t.store.Get(dataKey(t.name, id, i))
		if errors.Is(err, kv.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		rec, err := record.Decode(raw)
		if err != nil {
			return false, err
		}
		vRaw, err := rec.H.V.Bytes()
		if err != nil {
			return false, err
		}
		candidates = append(candidates, doomed{id: id, i: i, vRaw: vRaw})
		return true, nil
	})
	if scanErr != nil {
		return 0, scanErr
	}

	for _, c := range candidates {
		isHead := false
		if err := t.HeadsOf(ctx, c.id, func(v record.Version) error {
			if raw, berr := v.Bytes(); berr == nil && string(raw) == string(c.vRaw) {
				isHead = true
			}
			return nil
		}); err != nil {
			return removed, err
		}
		if isHead {
			continue
		}
		err := t.store.AtomicBatch(func(b kv.Batch) error {
			b.Delete(dataKey(t.name, c.id, c.i))
			b.Delete(insertionKey(t.name, c.i))
			b.Delete(versionKey(t.name, c.vRaw))
			return nil
		})
		if err != nil {
			return removed, errors.Wrap(ErrBackendError, err.Error())
		}
		if t.cache != nil {
			t.cache.Del(string(record.VersionFromBytes(c.vRaw)))
		}
		removed++
	}
	return removed, nil
}

// RecordAtI reads the record stored at insertion counter i, or
// (nil, false, nil) if no record has that counter.
func (t *Tree) RecordAtI(i uint64) (*record.Record, bool, error) {
	id, ok, err := t.idAtI(i)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, err := t.store.Get(dataKey(t.name, id, i))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := record.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}
