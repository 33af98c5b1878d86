// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package merge implements the three-way merge engine: given a local
// head, a remote head, and their lowest-common-ancestor set, it
// produces either a merged record or a conflict descriptor. Bodies are
// merged per key: identical values are kept, a value only one side
// changed wins, and a key both sides changed to different values is
// conflicting.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/perspectivedb/perspectivedb/internal/record"
)

// Kind classifies a merge Result.
type Kind int

const (
	// FastForward: the remote head already descends from the local head;
	// the remote version is adopted as-is, no new version is minted.
	FastForward Kind = iota
	// NoOp: the local head already descends from the remote head; there
	// is nothing to do.
	NoOp
	// Merged: a new record was synthesized from a clean three-way merge.
	Merged
	// Conflicted: automatic merge was not possible; see Result.Conflict.
	Conflicted
)

func (k Kind) String() string {
	switch k {
	case FastForward:
		return "fast-forward"
	case NoOp:
		return "no-op"
	case Merged:
		return "merged"
	case Conflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// Conflict is the descriptor emitted when automatic merge fails. Keys
// is nil when the conflict is not a body-key conflict (e.g. disjoint
// DAGs); Err carries a short machine-checkable reason string in that
// case.
type Conflict struct {
	N    *record.Record
	L    *record.Record
	LCAs []record.Version
	Pe   string
	Keys []string
	Err  string
}

// Error renders the conflict as an error string, for callers that
// want to log or wrap it; a Conflict itself is an output form, not a
// failure.
func (c *Conflict) Error() string {
	if c.Err != "" {
		return fmt.Sprintf("merge: conflict: %s", c.Err)
	}
	return fmt.Sprintf("merge: conflict on keys %v", c.Keys)
}

// ErrNoLCA is the sentinel Err string for a disjoint-DAG conflict.
const ErrNoLCA = "no lca"

// MaxMergeParents is the highest parent count this merge engine knows
// how to take as one of its two merge inputs. The data model permits a
// record's pa to carry three or more parents (an octopus merge
// authored elsewhere), but ThreeWay pairs exactly two heads and has no
// rule for folding a third or later parent's history in, so a head
// with more parents than this is rejected here rather than silently
// mishandled.
const MaxMergeParents = 2

// ErrTooManyParents is returned when ThreeWay is asked to merge a head
// whose own Pa exceeds MaxMergeParents.
var ErrTooManyParents = errors.New("merge: head has more parents than this engine supports")

// Result is the outcome of one merge attempt.
type Result struct {
	Kind     Kind
	Merged   *record.Record
	Conflict *Conflict
}

// VersionAllocator mints fresh versions for newly synthesized merge
// records, retrying on collision.
type VersionAllocator interface {
	// Allocate returns a version not already present in the destination
	// tree. Implementations retry internally on collision.
	Allocate(ctx context.Context) (record.Version, error)
}

// ThreeWay runs the core merge algorithm. lhead and rhead are the two
// heads being merged for the same id; lcas is their
// lowest-common-ancestor set, already resolved to full
// records by the caller (internal/mergetree, which alone knows how to
// fetch a version from either the local or a remote tree). pe is the
// perspective that produced rhead, carried through into any conflict
// descriptor; the merged record's header carries no pe.
//
// Fast-forward/no-op (the FastForward/NoOp Kinds) are NOT decided
// here: the caller performs the ancestor check (which requires
// walking two distinct trees, and a successful fast-forward also
// promotes rhead into the local tree) before ever calling ThreeWay, and
// only calls it once both sides are known to have diverged.
func ThreeWay(ctx context.Context, lhead, rhead *record.Record, lcas []*record.Record, pe string, alloc VersionAllocator) (*Result, error) {
	if len(lhead.H.Pa) > MaxMergeParents || len(rhead.H.Pa) > MaxMergeParents {
		return nil, fmt.Errorf("%w: local has %d, remote has %d", ErrTooManyParents, len(lhead.H.Pa), len(rhead.H.Pa))
	}
	switch len(lcas) {
	case 0:
		return &Result{Kind: Conflicted, Conflict: &Conflict{
			N:   rhead,
			L:   lhead,
			Pe:  pe,
			Err: ErrNoLCA,
		}}, nil
	case 1:
		return mergeWithBase(ctx, lhead, rhead, lcas[0], lcas, pe, alloc)
	default:
		base, err := reduceLCAs(lcas)
		if err != nil {
			return nil, err
		}
		lcaVersions := make([]record.Version, len(lcas))
		for i, l := range lcas {
			lcaVersions[i] = l.H.V
		}
		res, err := mergeWithBase(ctx, lhead, rhead, base, lcas, pe, alloc)
		if err != nil {
			return nil, err
		}
		if res.Conflict != nil {
			res.Conflict.LCAs = lcaVersions
		}
		return res, nil
	}
}

// mergeWithBase runs the per-key three-way resolution against a single
// (possibly synthetic, for the criss-cross case) ancestor base.
func mergeWithBase(ctx context.Context, lhead, rhead, base *record.Record, lcas []*record.Record, pe string, alloc VersionAllocator) (*Result, error) {
	baseB := effectiveBody(base)
	lheadB := effectiveBody(lhead)
	rheadB := effectiveBody(rhead)
	keys := unionKeys(baseB, lheadB, rheadB)
	merged := make(record.Body, len(keys))
	var conflicting []string
	for _, k := range keys {
		a, aok := baseB[k]
		l, lok := lheadB[k]
		r, rok := rheadB[k]
		av := keyValue(a, aok)
		lv := keyValue(l, lok)
		rv := keyValue(r, rok)

		switch {
		case record.Equal(lv, rv):
			if lok || rok {
				merged[k] = lv
			}
		case record.Equal(lv, av) && !record.Equal(rv, av):
			if rok {
				merged[k] = rv
			}
		case record.Equal(rv, av) && !record.Equal(lv, av):
			if lok {
				merged[k] = lv
			}
		default:
			conflicting = append(conflicting, k)
		}
	}

	lcaVersions := make([]record.Version, len(lcas))
	for i, l := range lcas {
		lcaVersions[i] = l.H.V
	}

	if len(conflicting) > 0 {
		sort.Strings(conflicting)
		return &Result{Kind: Conflicted, Conflict: &Conflict{
			N:    rhead,
			L:    lhead,
			LCAs: lcaVersions,
			Pe:   pe,
			Keys: conflicting,
		}}, nil
	}

	v, err := alloc.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("merge: allocate version: %w", err)
	}
	out := &record.Record{
		H: record.Header{
			ID: lhead.H.ID,
			V:  v,
			Pa: []record.Version{lhead.H.V, rhead.H.V},
			D:  lhead.H.D && rhead.H.D,
		},
		B: merged,
	}
	return &Result{Kind: Merged, Merged: out}, nil
}

// effectiveBody returns the body used for key comparison: a tombstoned
// record counts as having all keys removed, whatever its stored body
// still carries.
func effectiveBody(r *record.Record) record.Body {
	if r.H.D {
		return nil
	}
	return r.B
}

// keyValue returns the effective value of a key for merge comparison,
// so an absent key compares equal to every other absent key and never
// equal to a present one.
func keyValue(v any, present bool) any {
	if !present {
		return nil
	}
	return v
}

func unionKeys(bodies ...record.Body) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range bodies {
		for k := range b {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// reduceLCAs collapses a criss-cross LCA set down to one synthetic
// ancestor record, merging the LCAs pairwise until one remains. The
// reduction has no ancestor of its own to three-way merge against, so
// a key that two LCAs disagree on is resolved deterministically by
// taking the value from the LCA with the lexicographically greater
// version tag; the choice only affects which synthetic base the
// per-key resolution then runs against, never whether lhead/rhead's
// own divergence is detected.
func reduceLCAs(lcas []*record.Record) (*record.Record, error) {
	if len(lcas) == 0 {
		return nil, fmt.Errorf("merge: reduceLCAs: empty set")
	}
	sorted := append([]*record.Record(nil), lcas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].H.V < sorted[j].H.V })
	acc := sorted[0]
	for _, next := range sorted[1:] {
		merged := make(record.Body, len(acc.B)+len(next.B))
		for k, v := range acc.B {
			merged[k] = v
		}
		for k, v := range next.B {
			if existing, ok := merged[k]; ok && !record.Equal(existing, v) {
				// disagreement between two LCAs: keep the greater-version
				// side's value deterministically.
				if next.H.V > acc.H.V {
					merged[k] = v
				}
				continue
			}
			merged[k] = v
		}
		v := acc.H.V
		if next.H.V > v {
			v = next.H.V
		}
		acc = &record.Record{H: record.Header{V: v, D: acc.H.D && next.H.D}, B: merged}
	}
	return acc, nil
}
