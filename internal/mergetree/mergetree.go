// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package mergetree ties the replicated store together: one local
// Tree, one remote Tree per configured perspective, a transient stage
// Tree, and the background merger that pairs remote heads with the
// local head of the same id and folds them together via
// internal/merge.
package mergetree

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/perspectivedb/perspectivedb/internal/conflict"
	"github.com/perspectivedb/perspectivedb/internal/kv"
	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/streamtree"
	"github.com/perspectivedb/perspectivedb/internal/tree"
)

// MergeTree owns one local Tree, one Tree per configured remote
// perspective, and one transient stage Tree. The perspective set is
// fixed at construction.
type MergeTree struct {
	store kv.Store
	cfg   Config

	local   *tree.Tree
	remotes map[string]*tree.Tree
	stage   *tree.Tree

	gen          *record.Generator
	conflictSink conflict.Sink
	log          *logrus.Entry

	mu           sync.Mutex
	merging      bool
	cancel       context.CancelFunc
	out          chan outMsg
	mergeDone    chan struct{}
	output       *MergeOutput
	backendFault atomic.Bool
	closed       bool
}

// New opens a MergeTree over store, creating its local tree, one remote
// tree per cfg.Perspectives, and its stage tree. If cfg.StartMerge is
// true (the default), the merger is started before New returns.
func New(store kv.Store, opts ...Option) (*MergeTree, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	local, err := tree.New(store, "local", tree.WithVSize(cfg.VSize), tree.WithLogger(cfg.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "mergetree: open local tree")
	}
	remotes := make(map[string]*tree.Tree, len(cfg.Perspectives))
	for _, pe := range cfg.Perspectives {
		rt, err := tree.New(store, "remote."+pe, tree.WithVSize(cfg.VSize), tree.WithLogger(cfg.Logger))
		if err != nil {
			return nil, errors.Wrapf(err, "mergetree: open remote tree %q", pe)
		}
		remotes[pe] = rt
	}
	stage, err := tree.New(store, "stage", tree.WithVSize(cfg.VSize), tree.WithLogger(cfg.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "mergetree: open stage tree")
	}

	sink := cfg.ConflictSink
	if sink == nil {
		sink = conflict.NewMemSink()
	}

	mt := &MergeTree{
		store:        store,
		cfg:          cfg,
		local:        local,
		remotes:      remotes,
		stage:        stage,
		gen:          record.NewGenerator(cfg.VSize),
		conflictSink: sink,
		log:          cfg.Logger,
	}
	if cfg.StartMerge {
		if _, err := mt.StartMerge(context.Background()); err != nil {
			return nil, err
		}
	}
	return mt, nil
}

// GetLocalTree returns the local tree, read-only except via
// CreateLocalWriteStream.
func (mt *MergeTree) GetLocalTree() *tree.Tree { return mt.local }

// GetRemoteTree returns the tree for perspective pe.
func (mt *MergeTree) GetRemoteTree(pe string) (*tree.Tree, error) {
	t, ok := mt.remotes[pe]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPerspective, pe)
	}
	return t, nil
}

// GetLocalHead returns the unique head of id in the local tree, or nil
// if id has no local record yet. ErrMultipleHeads if the local tree
// has more than one head for id, a state only reachable via direct
// external manipulation.
func (mt *MergeTree) GetLocalHead(ctx context.Context, id record.ID) (*record.Record, error) {
	heads, err := mt.local.Heads(ctx, id)
	if err != nil {
		return nil, err
	}
	switch len(heads) {
	case 0:
		return nil, nil
	case 1:
		return mt.local.GetByVersion(ctx, heads[0])
	default:
		return nil, ErrMultipleHeads
	}
}

// LastReceivedFromRemote returns the version of the highest-i record
// in the pe tree, used by the transport layer as a resume token. The
// empty version is returned if nothing has been received yet.
func (mt *MergeTree) LastReceivedFromRemote(pe string) (record.Version, error) {
	t, err := mt.GetRemoteTree(pe)
	if err != nil {
		return "", err
	}
	i := t.LastI()
	if i == 0 {
		return "", nil
	}
	v, ok, err := t.VersionAtI(i)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return v, nil
}

// CreateReadStream opens a StreamTree over the local tree.
func (mt *MergeTree) CreateReadStream(ctx context.Context, opts streamtree.Options) (*streamtree.StreamTree, error) {
	return streamtree.Open(ctx, mt.local, opts)
}

// CreateLocalWriteStream returns the writable sink accepting records
// whose Pe is absent.
func (mt *MergeTree) CreateLocalWriteStream() *LocalWriteStream {
	return &LocalWriteStream{mt: mt}
}

// RemoteWriteOptions configures a per-remote write stream.
type RemoteWriteOptions struct {
	Filter streamtree.Filter
	Hooks  []streamtree.Hook
}

// CreateRemoteWriteStream returns the per-remote sink for perspective
// pe.
func (mt *MergeTree) CreateRemoteWriteStream(pe string, opts RemoteWriteOptions) (*RemoteWriteStream, error) {
	t, err := mt.GetRemoteTree(pe)
	if err != nil {
		return nil, err
	}
	return &RemoteWriteStream{mt: mt, pe: pe, tr: t, opts: opts}, nil
}

// Close quiesces the merger (if running) and every tree owned by this
// MergeTree. The caller's kv.Store is not closed; MergeTree never
// assumes ownership of the backend handle it was given.
func (mt *MergeTree) Close() error {
	mt.mu.Lock()
	if mt.closed {
		mt.mu.Unlock()
		return nil
	}
	mt.closed = true
	mt.mu.Unlock()

	mt.StopMerge(nil)

	var firstErr error
	for _, t := range mt.remotes {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := mt.stage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := mt.local.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := mt.conflictSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// appendToLocal appends rec to the local tree, marking as an external
// parent any pa entry that does not resolve to a local-tree record
// (a remote-tree version being folded in). It is the single entry
// point every merger/ResolveConflict write goes through, so the
// write-queue serialization internal/tree.Tree already provides covers
// all local-tree mutation.
func (mt *MergeTree) appendToLocal(ctx context.Context, rec *record.Record) (*record.Record, error) {
	var external []record.Version
	for _, p := range rec.H.Pa {
		if _, err := mt.local.GetByVersion(ctx, p); errors.Is(err, tree.ErrNoSuchVersion) {
			external = append(external, p)
		} else if err != nil {
			return nil, err
		}
	}
	return mt.local.Append(ctx, rec, tree.WithExternalParents(external...))
}

// promote buffers rec in the stage tree, then writes it to the local
// tree. The stage write is best-effort bookkeeping, not a correctness
// dependency: a duplicate version there is expected and ignored
// whenever the same candidate is recomputed after a crash, and a stage
// failure never blocks the authoritative local-tree write.
func (mt *MergeTree) promote(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if _, err := mt.appendToStage(ctx, rec); err != nil && !errors.Is(err, tree.ErrDuplicateVersion) {
		mt.log.WithError(err).WithField("id", rec.H.ID.String()).Warn("mergetree: stage write failed, proceeding to local tree")
	}
	return mt.appendToLocal(ctx, rec)
}

func (mt *MergeTree) appendToStage(ctx context.Context, rec *record.Record) (*record.Record, error) {
	var external []record.Version
	for _, p := range rec.H.Pa {
		if _, err := mt.stage.GetByVersion(ctx, p); errors.Is(err, tree.ErrNoSuchVersion) {
			external = append(external, p)
		} else if err != nil {
			return nil, err
		}
	}
	return mt.stage.Append(ctx, rec, tree.WithExternalParents(external...))
}

// versionAllocator adapts MergeTree to merge.VersionAllocator,
// retrying on collision against the local tree.
type versionAllocator struct {
	mt *MergeTree
}

func (a *versionAllocator) Allocate(ctx context.Context) (record.Version, error) {
	for {
		v, err := a.mt.gen.New()
		if err != nil {
			return "", err
		}
		if _, err := a.mt.local.GetByVersion(ctx, v); errors.Is(err, tree.ErrNoSuchVersion) {
			return v, nil
		} else if err != nil {
			return "", err
		}
		// collision: draw again.
	}
}

func (mt *MergeTree) allocator() *versionAllocator { return &versionAllocator{mt: mt} }
