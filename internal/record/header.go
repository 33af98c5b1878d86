// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package record

import "fmt"

// Header is the mandatory metadata carried by every record.
type Header struct {
	ID ID        `json:"id"`
	V  Version   `json:"v"`
	Pa []Version `json:"pa"`
	// Pe names the perspective that produced this record; empty for
	// records written through the local write stream.
	Pe string `json:"pe,omitempty"`
	// I is the 1-based, monotonically increasing insertion counter
	// assigned by the tree on successful append. Callers constructing a
	// record to append never set this themselves; Tree.Append ignores
	// and overwrites it.
	I uint64 `json:"i,omitempty"`
	// D is true iff this version tombstones the item.
	D bool `json:"d,omitempty"`
	// C is true iff this version is a stored conflict record.
	C bool `json:"c,omitempty"`
}

// IsLocal reports whether h describes a record produced locally (no
// originating perspective).
func (h *Header) IsLocal() bool {
	return h.Pe == ""
}

// IsRoot reports whether h has no parents.
func (h *Header) IsRoot() bool {
	return len(h.Pa) == 0
}

// IsMerge reports whether h has two or more parents.
func (h *Header) IsMerge() bool {
	return len(h.Pa) >= 2
}

// Validate checks h against the header schema. It does not check
// parent existence against any tree; that is the caller's (Tree's)
// responsibility since it requires backend state.
func (h *Header) Validate() error {
	if h.ID.Empty() {
		return fmt.Errorf("%w: empty id", ErrInvalidHeader)
	}
	if h.V.Empty() {
		return fmt.Errorf("%w: empty version", ErrInvalidHeader)
	}
	if _, err := h.V.Bytes(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	seen := make(map[Version]bool, len(h.Pa))
	for _, p := range h.Pa {
		if p.Empty() {
			return fmt.Errorf("%w: empty parent version", ErrInvalidHeader)
		}
		if p == h.V {
			return fmt.Errorf("%w: record cites itself as parent", ErrInvalidHeader)
		}
		if seen[p] {
			return fmt.Errorf("%w: duplicate parent %s", ErrInvalidHeader, string(p))
		}
		seen[p] = true
	}
	return nil
}
