// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package streamtree

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perspectivedb/perspectivedb/internal/kv"
	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/tree"
)

func newTestTree(t *testing.T) *tree.Tree {
	t.Helper()
	tr, err := tree.New(kv.NewMemStore(), "local")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func drain(t *testing.T, st *StreamTree) []*record.Record {
	t.Helper()
	ctx := context.Background()
	var out []*record.Record
	for {
		rec, err := st.Next(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestStreamTreeInsertionOrder(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	idX, _ := record.NewID("docs", "x")
	idY, _ := record.NewID("docs", "y")

	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: idX, V: "aa"}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: idY, V: "bb"}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: idX, V: "cc", Pa: []record.Version{"aa"}}})
	require.NoError(t, err)

	st, err := Open(ctx, tr, Options{})
	require.NoError(t, err)
	recs := drain(t, st)
	require.Len(t, recs, 3)
	require.Equal(t, []record.Version{"aa", "bb", "cc"}, []record.Version{recs[0].H.V, recs[1].H.V, recs[2].H.V})
}

func TestStreamTreeIDScoped(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	idX, _ := record.NewID("docs", "x")
	idY, _ := record.NewID("docs", "y")

	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: idX, V: "aa"}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: idY, V: "bb"}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: idX, V: "cc", Pa: []record.Version{"aa"}}})
	require.NoError(t, err)

	st, err := Open(ctx, tr, Options{ID: idX})
	require.NoError(t, err)
	recs := drain(t, st)
	require.Len(t, recs, 2)
	require.Equal(t, record.Version("aa"), recs[0].H.V)
	require.Equal(t, record.Version("cc"), recs[1].H.V)
}

func TestStreamTreeReverse(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "x")
	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "aa"}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "bb", Pa: []record.Version{"aa"}}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "cc", Pa: []record.Version{"bb"}}})
	require.NoError(t, err)

	st, err := Open(ctx, tr, Options{Reverse: true})
	require.NoError(t, err)
	recs := drain(t, st)
	require.Len(t, recs, 3)
	require.Equal(t, []record.Version{"cc", "bb", "aa"}, []record.Version{recs[0].H.V, recs[1].H.V, recs[2].H.V})
}

func TestStreamTreeVersionBounds(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "x")
	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "aa"}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "bb", Pa: []record.Version{"aa"}}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "cc", Pa: []record.Version{"bb"}}})
	require.NoError(t, err)

	st, err := Open(ctx, tr, Options{First: "bb"})
	require.NoError(t, err)
	recs := drain(t, st)
	require.Equal(t, []record.Version{"bb", "cc"}, []record.Version{recs[0].H.V, recs[1].H.V})

	st, err = Open(ctx, tr, Options{First: "bb", ExcludeFirst: true})
	require.NoError(t, err)
	recs = drain(t, st)
	require.Equal(t, []record.Version{"cc"}, []record.Version{recs[0].H.V})

	st, err = Open(ctx, tr, Options{Last: "bb"})
	require.NoError(t, err)
	recs = drain(t, st)
	require.Equal(t, []record.Version{"aa", "bb"}, []record.Version{recs[0].H.V, recs[1].H.V})
}

// A -> B -> C, filter accepts A and C but not B. C must be emitted
// with pa=[A], never citing B.
func TestStreamTreeAncestorRewriting(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "x")
	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "Aaaa"}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "Bbbb", Pa: []record.Version{"Aaaa"}}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "Cccc", Pa: []record.Version{"Bbbb"}}})
	require.NoError(t, err)

	filter := func(rec *record.Record) bool { return rec.H.V != "Bbbb" }
	st, err := Open(ctx, tr, Options{Filter: filter})
	require.NoError(t, err)
	recs := drain(t, st)
	require.Len(t, recs, 2)
	require.Equal(t, record.Version("Aaaa"), recs[0].H.V)
	require.Equal(t, record.Version("Cccc"), recs[1].H.V)
	require.Equal(t, []record.Version{"Aaaa"}, recs[1].H.Pa)
}

func TestStreamTreeHooksDropRecord(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "x")
	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "aa"}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "bb", Pa: []record.Version{"aa"}}})
	require.NoError(t, err)

	dropB := Hook(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		if rec.H.V == "bb" {
			return nil, nil
		}
		return rec, nil
	})
	st, err := Open(ctx, tr, Options{Hooks: []Hook{dropB}})
	require.NoError(t, err)
	recs := drain(t, st)
	require.Len(t, recs, 1)
	require.Equal(t, record.Version("aa"), recs[0].H.V)
}

func TestStreamTreeRawSkipsHooksAndFilter(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "x")
	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "aa"}})
	require.NoError(t, err)

	called := false
	st, err := Open(ctx, tr, Options{
		Raw:    true,
		Filter: func(*record.Record) bool { called = true; return false },
	})
	require.NoError(t, err)
	recs := drain(t, st)
	require.Len(t, recs, 1)
	require.False(t, called)
}

func TestStreamTreeEmptyYieldsEOFImmediately(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	st, err := Open(ctx, tr, Options{})
	require.NoError(t, err)
	_, err = st.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}
