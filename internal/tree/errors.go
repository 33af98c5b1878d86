// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"errors"

	"github.com/perspectivedb/perspectivedb/internal/record"
)

// Tree-level error taxonomy. Sentinel values, one per var, checked
// with errors.Is.
var (
	// ErrInvalidHeader re-exports record.ErrInvalidHeader so callers can
	// errors.Is against the tree package alone.
	ErrInvalidHeader = record.ErrInvalidHeader

	// ErrDuplicateVersion: v already exists in the tree. Idempotent:
	// callers treat this as a silent no-op, not a failure.
	ErrDuplicateVersion = errors.New("tree: duplicate version")

	// ErrUnknownParent: a pa entry could not be resolved within this tree
	// (and was not supplied as a verified external parent).
	ErrUnknownParent = errors.New("tree: unknown parent")

	// ErrBackendError wraps KV-layer failures.
	ErrBackendError = errors.New("tree: backend error")

	// ErrMultipleHeads: an id has more than one head where the caller
	// expected exactly one.
	ErrMultipleHeads = errors.New("tree: multiple heads")

	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("tree: closed")

	// ErrNoSuchVersion is returned when a lookup finds no record for the
	// requested version.
	ErrNoSuchVersion = errors.New("tree: no such version")
)
