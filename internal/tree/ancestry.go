// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"context"

	"github.com/perspectivedb/perspectivedb/internal/record"
)

// Ancestors walks backward from v in breadth-first order, invoking cb
// once per version reached (v itself first). It stops early, without
// error, if cb returns false. A seen-set keyed by version prevents
// revisiting a version reachable through more than one path.
func (t *Tree) Ancestors(ctx context.Context, v record.Version, cb func(record.Version) (bool, error)) error {
	seen := map[record.Version]bool{v: true}
	frontier := []record.Version{v}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := frontier[0]
		frontier = frontier[1:]
		more, err := cb(cur)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		parents, err := t.Parents(ctx, cur)
		if err != nil {
			return err
		}
		for _, p := range parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			frontier = append(frontier, p)
		}
	}
	return nil
}

// ParentLookup resolves a version to its parent versions. Tree.Parents
// satisfies this; ComputeLCA also accepts a cross-tree lookup (checking
// local then remote) so mergetree can compute LCA between a local head
// and a remote head without either tree needing to know about the
// other.
type ParentLookup func(ctx context.Context, v record.Version) ([]record.Version, error)

// ancestorSet returns every version reachable from v (v included),
// mapped to its BFS distance from v. Used by LCA, which favors a clear,
// obviously-correct closure-and-filter approach over a single-pass
// colored walk: MergeTree histories are small enough for this to be
// cheap, and the merge engine's correctness depends on getting
// criss-cross LCA sets exactly right.
func ancestorSet(ctx context.Context, parents ParentLookup, v record.Version) (map[record.Version]int, error) {
	dist := map[record.Version]int{}
	d := 0
	cur := []record.Version{v}
	for len(cur) > 0 {
		var next []record.Version
		for _, c := range cur {
			if _, ok := dist[c]; ok {
				continue
			}
			dist[c] = d
			pa, err := parents(ctx, c)
			if err != nil {
				return nil, err
			}
			next = append(next, pa...)
		}
		cur = next
		d++
	}
	return dist, nil
}

// ComputeLCA returns the set of lowest common ancestors of a and b under
// the given parent-lookup function: versions reachable from both that
// have no other common ancestor strictly between them and a/b. A single
// merge base yields one element; a criss-cross history yields more
// than one.
//
// Both full ancestor sets are computed, intersected, and then filtered
// down to the maximal elements of that intersection under the
// ancestor-of partial order: a common ancestor c is dropped if some
// other common ancestor c' is a descendant of c (equivalently, c is an
// ancestor of c'), since c' already captures everything c would
// contribute to a three-way merge.
func ComputeLCA(ctx context.Context, parents ParentLookup, a, b record.Version) ([]record.Version, error) {
	if a == b {
		return []record.Version{a}, nil
	}

	distA, err := ancestorSet(ctx, parents, a)
	if err != nil {
		return nil, err
	}
	distB, err := ancestorSet(ctx, parents, b)
	if err != nil {
		return nil, err
	}

	var common []record.Version
	for v := range distA {
		if _, ok := distB[v]; ok {
			common = append(common, v)
		}
	}

	var result []record.Version
	for _, c := range common {
		dominated := false
		for _, other := range common {
			if other == c {
				continue
			}
			isAnc, err := isAncestorAmong(ctx, parents, c, other)
			if err != nil {
				return nil, err
			}
			if isAnc {
				dominated = true
				break
			}
		}
		if !dominated {
			result = append(result, c)
		}
	}
	return result, nil
}

// isAncestorAmong reports whether ancestor is a (possibly indirect,
// strict) ancestor of v under the given parent-lookup function.
func isAncestorAmong(ctx context.Context, parents ParentLookup, ancestor, v record.Version) (bool, error) {
	seen := map[record.Version]bool{v: true}
	frontier := []record.Version{v}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		pa, err := parents(ctx, cur)
		if err != nil {
			return false, err
		}
		for _, p := range pa {
			if p == ancestor {
				return true, nil
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			frontier = append(frontier, p)
		}
	}
	return false, nil
}

// LCA returns the lowest common ancestors of a and b within this
// single tree.
func (t *Tree) LCA(ctx context.Context, a, b record.Version) ([]record.Version, error) {
	return ComputeLCA(ctx, t.Parents, a, b)
}

// IsAncestor reports whether ancestor is reachable by walking parents
// from v (v itself counts as its own ancestor).
func (t *Tree) IsAncestor(ctx context.Context, ancestor, v record.Version) (bool, error) {
	found := false
	err := t.Ancestors(ctx, v, func(cur record.Version) (bool, error) {
		if cur == ancestor {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}
