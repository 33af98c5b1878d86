// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package record

import "github.com/google/go-cmp/cmp"

// Equal performs the deep-equality check the merge engine and
// conflict resolution rely on: values are equal iff they are
// structurally identical once decoded from the wire format, not merely
// pointer-identical. cmp.Equal handles the nested Body/[]any shapes a
// Body holds after codec round-trips.
func Equal(a, b any) bool {
	return cmp.Equal(a, b)
}

// BodiesEqual reports whether two record bodies carry the same keys and
// values.
func BodiesEqual(a, b Body) bool {
	return cmp.Equal(map[string]any(a), map[string]any(b))
}

// HeadersEqual reports whether two headers are identical.
func HeadersEqual(a, b Header) bool {
	return cmp.Equal(a, b)
}
