// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package conflict implements the conflict sink: a store for failed
// auto-merges that guarantees ordered assignment of integer conflict
// ids, so an application can enumerate, inspect, and resolve them
// later. One interface, an in-memory implementation for tests and
// embedding, and a kv-backed implementation for real persistence.
package conflict

import (
	"context"
	"fmt"

	"github.com/perspectivedb/perspectivedb/internal/merge"
	"github.com/perspectivedb/perspectivedb/internal/record"
)

// Record is the persisted form of a merge.Conflict, carrying its
// assigned integer id. Conflicts live outside the trees; they are not
// part of any DAG's history.
type Record struct {
	ID   int64            `json:"id"`
	N    *record.Record   `json:"n"`
	L    *record.Record   `json:"l"`
	LCAs []record.Version `json:"lcas"`
	Pe   string           `json:"pe"`
	C    []string         `json:"c,omitempty"`
	Err  string           `json:"err,omitempty"`
}

// FromMerge builds the unassigned persisted form of a merge.Conflict.
// Put assigns the ID.
func FromMerge(c *merge.Conflict) *Record {
	return &Record{
		N:    c.N,
		L:    c.L,
		LCAs: c.LCAs,
		Pe:   c.Pe,
		C:    c.Keys,
		Err:  c.Err,
	}
}

// Sink is the application-supplied conflict store: ordered integer id
// assignment on Put, lookup and removal for conflict resolution.
type Sink interface {
	// Put assigns the next integer id to rec (mutating rec.ID) and
	// persists it. Ids are strictly increasing and never reused.
	Put(ctx context.Context, rec *Record) error
	// Get returns the conflict with the given id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Record, error)
	// Remove deletes the conflict with the given id. Removing an id that
	// does not exist is a no-op, matching the idempotent-delete
	// convention of internal/tree's duplicate-version handling.
	Remove(ctx context.Context, id int64) error
	// ForEach iterates every currently stored conflict in ascending id
	// order, stopping early if fn returns false.
	ForEach(ctx context.Context, fn func(*Record) (bool, error)) error
	// Close releases the sink's resources.
	Close() error
}

// ErrNotFound is returned by Get when no conflict has the requested id.
var ErrNotFound = fmt.Errorf("conflict: not found")
