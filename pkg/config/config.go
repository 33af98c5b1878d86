// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package config is the statically typed configuration record for a
// MergeTree process, decoded from and encoded to TOML: typed sections
// with an Overwrite method each, global-then-local layering, and
// atomic write-on-encode.
package config

import (
	"fmt"

	"github.com/perspectivedb/perspectivedb/internal/record"
)

func overwriteString(a, b string) string {
	if len(b) != 0 {
		return b
	}
	return a
}

// Backend selects and configures the kv.Store a MergeTree's trees
// share (internal/kv).
type Backend struct {
	// Driver is "memory" or "bolt"; empty defaults to "bolt" once Path
	// is set, or "memory" otherwise.
	Driver string `toml:"driver,omitempty"`
	// Path is the bbolt database file, required when Driver is "bolt".
	Path string `toml:"path,omitempty"`
}

func (b *Backend) Overwrite(o *Backend) {
	b.Driver = overwriteString(b.Driver, o.Driver)
	b.Path = overwriteString(b.Path, o.Path)
}

// Merge configures the MergeTree itself (internal/mergetree.Config).
type Merge struct {
	VSize        int      `toml:"vSize,omitzero"`
	Perspectives []string `toml:"perspectives,omitempty"`
	StartMerge   Tristate `toml:"startMerge,omitzero"`
	TailRetry    Duration `toml:"tailRetry,omitzero"`
}

func (m *Merge) Overwrite(o *Merge) {
	if o.VSize > 0 {
		m.VSize = o.VSize
	}
	if len(o.Perspectives) > 0 {
		m.Perspectives = o.Perspectives
	}
	m.StartMerge.Overwrite(o.StartMerge)
	if o.TailRetry.Duration > 0 {
		m.TailRetry = o.TailRetry
	}
}

// Conflict selects the conflict sink backend (internal/conflict).
type Conflict struct {
	// Driver is "memory" or "store"; "store" reuses the Backend kv.Store.
	Driver string `toml:"driver,omitempty"`
}

func (c *Conflict) Overwrite(o *Conflict) {
	c.Driver = overwriteString(c.Driver, o.Driver)
}

// Log configures the process-wide logrus level (pkg/plog).
type Log struct {
	Level string `toml:"level,omitempty"`
}

func (l *Log) Overwrite(o *Log) {
	l.Level = overwriteString(l.Level, o.Level)
}

// Config is the top-level decoded form of a perspectivedb.toml file.
type Config struct {
	Backend  Backend  `toml:"backend,omitempty"`
	Merge    Merge    `toml:"merge,omitempty"`
	Conflict Conflict `toml:"conflict,omitempty"`
	Log      Log      `toml:"log,omitempty"`
}

// Overwrite applies co's explicitly-set fields on top of c (local
// over global).
func (c *Config) Overwrite(co *Config) {
	c.Backend.Overwrite(&co.Backend)
	c.Merge.Overwrite(&co.Merge)
	c.Conflict.Overwrite(&co.Conflict)
	c.Log.Overwrite(&co.Log)
}

// VSize returns the configured version width, falling back to
// record.DefaultVSize when unset.
func (c *Config) VSize() int {
	if c.Merge.VSize > 0 {
		return c.Merge.VSize
	}
	return record.DefaultVSize
}

// ErrInvalidArgument is returned by Encode/EncodeGlobal for a nil
// config or empty path.
var ErrInvalidArgument = fmt.Errorf("config: invalid argument")
