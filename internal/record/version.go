// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// DefaultVSize is the default version width in bytes (6 bytes, rendered
// as 8 base64 characters), matching the historical PersDB default.
const DefaultVSize = 6

// Version is a fixed-size, opaque, randomly generated identifier.
// Equality and ordering are by byte content; the canonical textual
// form is unpadded URL-safe base64 (8 characters at the default 6-byte
// width).
type Version string

// Empty reports whether v carries no bytes. The empty version is never
// valid on a record.
func (v Version) Empty() bool {
	return len(v) == 0
}

// Bytes decodes the canonical base64 form back to raw bytes.
func (v Version) Bytes() ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(string(v))
	if err != nil {
		return nil, fmt.Errorf("record: malformed version %q: %w", string(v), err)
	}
	return b, nil
}

// VersionFromBytes renders raw bytes in the canonical textual form.
func VersionFromBytes(b []byte) Version {
	return Version(base64.RawURLEncoding.EncodeToString(b))
}

// Equal reports whether v and other name the same version.
func (v Version) Equal(other Version) bool {
	return v == other
}

// Less orders two versions by their decoded byte content. Malformed
// versions sort after well-formed ones.
func (v Version) Less(other Version) bool {
	vb, vErr := v.Bytes()
	ob, oErr := other.Bytes()
	if vErr != nil || oErr != nil {
		return vErr == nil && oErr != nil
	}
	return bytes.Compare(vb, ob) < 0
}

// Generator produces fresh random versions of a fixed width, using
// google/uuid's CSPRNG as the byte source.
type Generator struct {
	vSize int
}

// NewGenerator builds a Generator for the given version width in bytes.
// A non-positive size falls back to DefaultVSize.
func NewGenerator(vSize int) *Generator {
	if vSize <= 0 {
		vSize = DefaultVSize
	}
	return &Generator{vSize: vSize}
}

// VSize returns the configured version width, in bytes.
func (g *Generator) VSize() int {
	return g.vSize
}

// New returns a fresh random version of the generator's configured
// width. Collision probability within a single DAG is bounded by the
// width; callers that detect a collision on append call New again.
func (g *Generator) New() (Version, error) {
	buf := make([]byte, g.vSize)
	n := 0
	for n < g.vSize {
		u, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("record: generate version: %w", err)
		}
		raw := u[:]
		n += copy(buf[n:], raw)
	}
	return VersionFromBytes(buf[:g.vSize]), nil
}

// Valid reports whether v decodes to exactly the generator's configured
// width.
func (g *Generator) Valid(v Version) bool {
	b, err := v.Bytes()
	if err != nil {
		return false
	}
	return len(b) == g.vSize
}
