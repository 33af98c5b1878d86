// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergetree

import (
	"errors"

	"github.com/perspectivedb/perspectivedb/internal/tree"
)

// MergeTree-level error taxonomy, re-exporting the tree sentinels so
// callers can errors.Is against this package alone.
var (
	// ErrInvalidHeader re-exports tree.ErrInvalidHeader.
	ErrInvalidHeader = tree.ErrInvalidHeader
	// ErrDuplicateVersion re-exports tree.ErrDuplicateVersion.
	ErrDuplicateVersion = tree.ErrDuplicateVersion
	// ErrUnknownParent re-exports tree.ErrUnknownParent.
	ErrUnknownParent = tree.ErrUnknownParent
	// ErrBackendError re-exports tree.ErrBackendError.
	ErrBackendError = tree.ErrBackendError

	// ErrMultipleHeads: the local tree has more than one head for an id
	// where the caller expected exactly one (GetLocalHead).
	ErrMultipleHeads = tree.ErrMultipleHeads

	// ErrUnknownPerspective is returned by any per-remote accessor given
	// a name not in the fixed perspective set configured at construction.
	ErrUnknownPerspective = errors.New("mergetree: unknown perspective")

	// ErrStopped reports a stopped merger. No MergeTree method returns it
	// at present: StartMerge after StopMerge starts the merger again.
	ErrStopped = errors.New("mergetree: merger stopped")

	// ErrBackendFault is the sticky terminal merger state: a backend
	// error on the local append path stops the merger, and every
	// subsequent StartMerge fails with this until the MergeTree is
	// reconstructed.
	ErrBackendFault = errors.New("mergetree: backend fault, merger stopped")

	// ErrConflictNotFound is returned by ResolveConflict for an unknown
	// conflict id.
	ErrConflictNotFound = errors.New("mergetree: conflict not found")

	// ErrStaleResolution is returned by ResolveConflict when the current
	// local head no longer matches the body the caller resolved against.
	ErrStaleResolution = errors.New("mergetree: local head changed since conflict was recorded")
)
