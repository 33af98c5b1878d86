// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergetree

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perspectivedb/perspectivedb/internal/conflict"
	"github.com/perspectivedb/perspectivedb/internal/kv"
	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/streamtree"
)

func newTestID(t *testing.T, key string) record.ID {
	t.Helper()
	id, err := record.NewID("docs", key)
	require.NoError(t, err)
	return id
}

func newVersion(t *testing.T, gen *record.Generator) record.Version {
	t.Helper()
	v, err := gen.New()
	require.NoError(t, err)
	return v
}

func recvEnvelope(t *testing.T, out *MergeOutput, timeout time.Duration) *Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	env, err := out.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, out.Ack())
	return env
}

// Records written through the local write stream are immediately
// visible to readers without passing through the merger.
func TestLocalWriteStreamRoundTrip(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store, WithStartMerge(false))
	require.NoError(t, err)
	defer mt.Close()

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "alice")
	v := newVersion(t, gen)

	local := mt.CreateLocalWriteStream()
	stored, err := local.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: v},
		B: record.Body{"name": "alice"},
	})
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, uint64(1), stored.H.I)

	head, err := mt.GetLocalHead(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, v, head.H.V)

	// Duplicate write is silently dropped.
	dup, err := local.Write(context.Background(), &record.Record{H: record.Header{ID: id, V: v}, B: record.Body{"name": "alice"}})
	require.NoError(t, err)
	require.Nil(t, dup)
}

// The local head is an ancestor of the incoming remote head, so the
// remote record is adopted as-is, without a three-way merge.
func TestMergerFastForward(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store, WithPerspectives("peer1"), WithTailRetry(5*time.Millisecond))
	require.NoError(t, err)
	defer mt.Close()

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "doc1")
	vA := newVersion(t, gen)

	local := mt.CreateLocalWriteStream()
	_, err = local.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vA},
		B: record.Body{"k": "orig"},
	})
	require.NoError(t, err)

	out, err := mt.StartMerge(context.Background())
	require.NoError(t, err)

	remote, err := mt.CreateRemoteWriteStream("peer1", RemoteWriteOptions{})
	require.NoError(t, err)
	vB := newVersion(t, gen)
	_, err = remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vB, Pa: []record.Version{vA}},
		B: record.Body{"k": "orig", "note": "ffed"},
	})
	require.NoError(t, err)

	env := recvEnvelope(t, out, 2*time.Second)
	require.True(t, env.Clean())
	require.Equal(t, vB, env.N.H.V)
	require.Equal(t, vA, env.L.H.V)
	require.Equal(t, []record.Version{vA}, env.LCAs)

	head, err := mt.GetLocalHead(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, vB, head.H.V)
}

// Both sides changed the same key away from their common ancestor's
// value: the merger records a conflict and leaves the local head
// alone until it is resolved.
func TestMergerKeyConflict(t *testing.T) {
	store := kv.NewMemStore()
	sink := conflict.NewMemSink()
	mt, err := New(store, WithPerspectives("peer1"), WithTailRetry(5*time.Millisecond), WithConflictSink(sink))
	require.NoError(t, err)
	defer mt.Close()

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "doc1")
	vA := newVersion(t, gen)

	local := mt.CreateLocalWriteStream()
	_, err = local.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vA}, B: record.Body{"k": "orig"},
	})
	require.NoError(t, err)

	out, err := mt.StartMerge(context.Background())
	require.NoError(t, err)

	remote, err := mt.CreateRemoteWriteStream("peer1", RemoteWriteOptions{})
	require.NoError(t, err)

	vB := newVersion(t, gen)
	_, err = remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vB, Pa: []record.Version{vA}},
		B: record.Body{"k": "orig", "note": "ffed"},
	})
	require.NoError(t, err)
	_ = recvEnvelope(t, out, 2*time.Second) // fast-forward envelope

	vC := newVersion(t, gen)
	_, err = local.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vC, Pa: []record.Version{vB}},
		B: record.Body{"k": "local2", "note": "ffed"},
	})
	require.NoError(t, err)

	vD := newVersion(t, gen)
	_, err = remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vD, Pa: []record.Version{vB}},
		B: record.Body{"k": "remote2", "note": "ffed"},
	})
	require.NoError(t, err)

	env := recvEnvelope(t, out, 2*time.Second)
	require.False(t, env.Clean())
	require.Equal(t, []string{"k"}, env.C)
	require.Equal(t, vD, env.N.H.V)
	require.Equal(t, vC, env.L.H.V)

	// Local head is unchanged; the conflict was recorded, not applied.
	head, err := mt.GetLocalHead(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, vC, head.H.V)

	var crID int64
	require.NoError(t, sink.ForEach(context.Background(), func(r *conflict.Record) (bool, error) {
		crID = r.ID
		return false, nil
	}))
	require.NotZero(t, crID)

	resolved, err := mt.ResolveConflict(context.Background(), crID, record.Body{"k": "local2", "note": "ffed"}, record.Body{"k": "merged", "note": "ffed"}, false)
	require.NoError(t, err)
	require.Equal(t, record.Body{"k": "merged", "note": "ffed"}, resolved.B)

	head, err = mt.GetLocalHead(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, resolved.H.V, head.H.V)

	_, err = sink.Get(context.Background(), crID)
	require.ErrorIs(t, err, conflict.ErrNotFound)

	_, err = mt.ResolveConflict(context.Background(), crID, record.Body{"k": "local2", "note": "ffed"}, record.Body{}, false)
	require.ErrorIs(t, err, ErrConflictNotFound)
}

func TestGetLocalHeadNoRecord(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store, WithStartMerge(false))
	require.NoError(t, err)
	defer mt.Close()

	id := newTestID(t, "nobody")
	head, err := mt.GetLocalHead(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, head)
}

func TestUnknownPerspectiveRejected(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store, WithPerspectives("peer1"), WithStartMerge(false))
	require.NoError(t, err)
	defer mt.Close()

	_, err = mt.CreateRemoteWriteStream("peer2", RemoteWriteOptions{})
	require.ErrorIs(t, err, ErrUnknownPerspective)
}

// Local and remote diverged from a shared root on different keys: the
// merger synthesizes a fresh merged record parented by both heads.
func TestMergerCleanThreeWayMerge(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store, WithPerspectives("peer1"), WithTailRetry(5*time.Millisecond), WithStartMerge(false))
	require.NoError(t, err)
	defer mt.Close()

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "doc1")
	vA := newVersion(t, gen)
	vB := newVersion(t, gen)

	local := mt.CreateLocalWriteStream()
	_, err = local.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vA}, B: record.Body{"k": "base"},
	})
	require.NoError(t, err)
	_, err = local.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vB, Pa: []record.Version{vA}},
		B: record.Body{"k": "base", "lOnly": "l"},
	})
	require.NoError(t, err)

	remote, err := mt.CreateRemoteWriteStream("peer1", RemoteWriteOptions{})
	require.NoError(t, err)
	_, err = remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vA}, B: record.Body{"k": "base"},
	})
	require.NoError(t, err)
	vC := newVersion(t, gen)
	_, err = remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vC, Pa: []record.Version{vA}},
		B: record.Body{"k": "base", "rOnly": "r"},
	})
	require.NoError(t, err)

	out, err := mt.StartMerge(context.Background())
	require.NoError(t, err)

	env := recvEnvelope(t, out, 2*time.Second)
	require.True(t, env.Clean())
	require.NotEqual(t, vB, env.N.H.V)
	require.NotEqual(t, vC, env.N.H.V)
	require.Equal(t, []record.Version{vB, vC}, env.N.H.Pa)
	require.Equal(t, []record.Version{vA}, env.LCAs)
	require.Equal(t, record.Body{"k": "base", "lOnly": "l", "rOnly": "r"}, env.N.B)

	head, err := mt.GetLocalHead(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, env.N.H.V, head.H.V)
}

// The two DAGs for one id share no history at all: the merger reports a
// conflict with no conflicting-keys list and the "no lca" reason.
func TestMergerDisjointDAGsConflict(t *testing.T) {
	store := kv.NewMemStore()
	sink := conflict.NewMemSink()
	mt, err := New(store, WithPerspectives("peer1"), WithTailRetry(5*time.Millisecond), WithConflictSink(sink))
	require.NoError(t, err)
	defer mt.Close()

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "doc1")

	local := mt.CreateLocalWriteStream()
	vA := newVersion(t, gen)
	_, err = local.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vA}, B: record.Body{"k": 1},
	})
	require.NoError(t, err)

	out, err := mt.StartMerge(context.Background())
	require.NoError(t, err)

	remote, err := mt.CreateRemoteWriteStream("peer1", RemoteWriteOptions{})
	require.NoError(t, err)
	vZ := newVersion(t, gen)
	_, err = remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vZ}, B: record.Body{"k": 2},
	})
	require.NoError(t, err)

	env := recvEnvelope(t, out, 2*time.Second)
	require.False(t, env.Clean())
	require.Nil(t, env.C)
	require.Equal(t, "no lca", env.Err)

	var got *conflict.Record
	require.NoError(t, sink.ForEach(context.Background(), func(r *conflict.Record) (bool, error) {
		got = r
		return false, nil
	}))
	require.NotNil(t, got)
	require.Equal(t, "no lca", got.Err)
	require.Nil(t, got.C)

	// Local head is untouched.
	head, err := mt.GetLocalHead(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, vA, head.H.V)
}

func TestLastReceivedFromRemote(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store, WithPerspectives("peer1"), WithStartMerge(false))
	require.NoError(t, err)
	defer mt.Close()

	v, err := mt.LastReceivedFromRemote("peer1")
	require.NoError(t, err)
	require.True(t, v.Empty())

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "doc1")
	remote, err := mt.CreateRemoteWriteStream("peer1", RemoteWriteOptions{})
	require.NoError(t, err)

	v1 := newVersion(t, gen)
	_, err = remote.Write(context.Background(), &record.Record{H: record.Header{ID: id, V: v1}})
	require.NoError(t, err)
	v2 := newVersion(t, gen)
	_, err = remote.Write(context.Background(), &record.Record{H: record.Header{ID: id, V: v2, Pa: []record.Version{v1}}})
	require.NoError(t, err)

	got, err := mt.LastReceivedFromRemote("peer1")
	require.NoError(t, err)
	require.Equal(t, v2, got)

	_, err = mt.LastReceivedFromRemote("peer2")
	require.ErrorIs(t, err, ErrUnknownPerspective)
}

// A remote record dropped by the write stream's filter is acknowledged
// but never stored, so the high-water mark still advances.
func TestRemoteWriteStreamFilterDrops(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store, WithPerspectives("peer1"), WithStartMerge(false))
	require.NoError(t, err)
	defer mt.Close()

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "doc1")
	remote, err := mt.CreateRemoteWriteStream("peer1", RemoteWriteOptions{
		Filter: func(rec *record.Record) bool { return rec.B["keep"] == true },
	})
	require.NoError(t, err)

	vDrop := newVersion(t, gen)
	stored, err := remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vDrop}, B: record.Body{"keep": false},
	})
	require.NoError(t, err)
	require.Nil(t, stored)

	rt, err := mt.GetRemoteTree("peer1")
	require.NoError(t, err)
	require.EqualValues(t, 0, rt.LastI())

	vKeep := newVersion(t, gen)
	stored, err = remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: vKeep}, B: record.Body{"keep": true},
	})
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, "peer1", stored.H.Pe)
}

// An envelope dropped by the output filter never reaches the consumer,
// but the merge itself still happens and the cursor advances.
func TestOutputFilterDropsEnvelopeNotMerge(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store,
		WithPerspectives("peer1"),
		WithTailRetry(5*time.Millisecond),
		WithOutputFilter(func(*record.Record) bool { return false }),
	)
	require.NoError(t, err)
	defer mt.Close()

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "doc1")
	remote, err := mt.CreateRemoteWriteStream("peer1", RemoteWriteOptions{})
	require.NoError(t, err)
	v1 := newVersion(t, gen)
	_, err = remote.Write(context.Background(), &record.Record{
		H: record.Header{ID: id, V: v1}, B: record.Body{"k": 1},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		head, err := mt.GetLocalHead(context.Background(), id)
		return err == nil && head != nil && head.H.V == v1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopMergeQuiesces(t *testing.T) {
	store := kv.NewMemStore()
	mt, err := New(store, WithPerspectives("peer1"), WithTailRetry(5*time.Millisecond))
	require.NoError(t, err)
	defer mt.Close()

	stopped := false
	mt.StopMerge(func() { stopped = true })
	require.True(t, stopped)

	// The merger can be started again after a clean stop.
	out, err := mt.StartMerge(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out)
}

// replicate copies every record of src's local tree, in insertion
// order, into dst's write stream for the perspective src plays.
func replicate(t *testing.T, src, dst *MergeTree, pe string) {
	t.Helper()
	ctx := context.Background()
	st, err := src.CreateReadStream(ctx, streamtree.Options{Raw: true})
	require.NoError(t, err)
	ws, err := dst.CreateRemoteWriteStream(pe, RemoteWriteOptions{})
	require.NoError(t, err)
	for {
		rec, err := st.Next(ctx)
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		_, err = ws.Write(ctx, rec)
		require.NoError(t, err)
	}
}

// After two replicas exchange their histories and each merges the
// other's, both converge on the same head for every id.
func TestTwoReplicasConverge(t *testing.T) {
	ctx := context.Background()
	mtA, err := New(kv.NewMemStore(), WithPerspectives("b"), WithTailRetry(5*time.Millisecond), WithStartMerge(false))
	require.NoError(t, err)
	defer mtA.Close()
	mtB, err := New(kv.NewMemStore(), WithPerspectives("a"), WithTailRetry(5*time.Millisecond), WithStartMerge(false))
	require.NoError(t, err)
	defer mtB.Close()

	gen := record.NewGenerator(record.DefaultVSize)
	id := newTestID(t, "shared")

	vR := newVersion(t, gen)
	vA2 := newVersion(t, gen)
	localA := mtA.CreateLocalWriteStream()
	_, err = localA.Write(ctx, &record.Record{H: record.Header{ID: id, V: vR}, B: record.Body{"k": "s"}})
	require.NoError(t, err)
	_, err = localA.Write(ctx, &record.Record{
		H: record.Header{ID: id, V: vA2, Pa: []record.Version{vR}},
		B: record.Body{"k": "s", "a": 1},
	})
	require.NoError(t, err)

	// A -> B, then B adopts A's head.
	replicate(t, mtA, mtB, "a")
	outB, err := mtB.StartMerge(ctx)
	require.NoError(t, err)
	env := recvEnvelope(t, outB, 2*time.Second)
	require.True(t, env.Clean())
	require.Equal(t, vA2, env.N.H.V)

	headB, err := mtB.GetLocalHead(ctx, id)
	require.NoError(t, err)
	require.Equal(t, vA2, headB.H.V)

	// B extends the shared history, then replicates back.
	vB3 := newVersion(t, gen)
	localB := mtB.CreateLocalWriteStream()
	_, err = localB.Write(ctx, &record.Record{
		H: record.Header{ID: id, V: vB3, Pa: []record.Version{vA2}},
		B: record.Body{"k": "s", "a": 1, "b": 2},
	})
	require.NoError(t, err)

	replicate(t, mtB, mtA, "b")
	outA, err := mtA.StartMerge(ctx)
	require.NoError(t, err)
	env = recvEnvelope(t, outA, 2*time.Second)
	require.True(t, env.Clean())
	require.Equal(t, vB3, env.N.H.V)

	headA, err := mtA.GetLocalHead(ctx, id)
	require.NoError(t, err)
	headB, err = mtB.GetLocalHead(ctx, id)
	require.NoError(t, err)
	require.Equal(t, headB.H.V, headA.H.V)
	require.Equal(t, record.Body{"k": "s", "a": int64(1), "b": int64(2)}, headA.B)
}
