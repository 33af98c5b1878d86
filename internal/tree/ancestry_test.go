// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perspectivedb/perspectivedb/internal/record"
)

// appendChain appends id -> v1 -> v2 -> ... to tr, with each version
// parented by the previous.
func appendChain(t *testing.T, tr *Tree, id record.ID, versions ...record.Version) {
	t.Helper()
	ctx := context.Background()
	var prev []record.Version
	for _, v := range versions {
		_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: v, Pa: prev}})
		require.NoError(t, err)
		prev = []record.Version{v}
	}
}

func TestLCASingleBase(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "a")

	// root -> branch1
	//      -> branchX
	appendChain(t, tr, id, "root")
	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "branch1", Pa: []record.Version{"root"}}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "branchX", Pa: []record.Version{"root"}}})
	require.NoError(t, err)

	lca, err := tr.LCA(ctx, "branch1", "branchX")
	require.NoError(t, err)
	require.Equal(t, []record.Version{"root"}, lca)
}

func TestLCASameVersion(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "a")
	appendChain(t, tr, id, "root")

	lca, err := tr.LCA(ctx, "root", "root")
	require.NoError(t, err)
	require.Equal(t, []record.Version{"root"}, lca)
}

func TestLCADirectAncestor(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "a")
	appendChain(t, tr, id, "root", "chld")

	lca, err := tr.LCA(ctx, "root", "chld")
	require.NoError(t, err)
	require.Equal(t, []record.Version{"root"}, lca)
}

func TestLCACrissCross(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "a")

	appendChain(t, tr, id, "root")
	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "a1", Pa: []record.Version{"root"}}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "b1", Pa: []record.Version{"root"}}})
	require.NoError(t, err)
	// criss-cross merge: m1 merges a1+b1, m2 also merges a1+b1 independently
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "m1", Pa: []record.Version{"a1", "b1"}}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "m2", Pa: []record.Version{"a1", "b1"}}})
	require.NoError(t, err)

	lca, err := tr.LCA(ctx, "m1", "m2")
	require.NoError(t, err)
	require.ElementsMatch(t, []record.Version{"a1", "b1"}, lca)
}

func TestAncestorsVisitsEachNodeOnce(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "a")
	appendChain(t, tr, id, "root")
	_, err := tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "a1", Pa: []record.Version{"root"}}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "b1", Pa: []record.Version{"root"}}})
	require.NoError(t, err)
	_, err = tr.Append(ctx, &record.Record{H: record.Header{ID: id, V: "m1", Pa: []record.Version{"a1", "b1"}}})
	require.NoError(t, err)

	var visited []record.Version
	err = tr.Ancestors(ctx, "m1", func(v record.Version) (bool, error) {
		visited = append(visited, v)
		return true, nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []record.Version{"m1", "a1", "b1", "root"}, visited)
	require.Len(t, visited, 4)
}

func TestIsAncestor(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	id, _ := record.NewID("docs", "a")
	appendChain(t, tr, id, "root", "chld", "gcld")

	ok, err := tr.IsAncestor(ctx, "root", "gcld")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.IsAncestor(ctx, "gcld", "root")
	require.NoError(t, err)
	require.False(t, ok)
}
