// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergetree

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/perspectivedb/perspectivedb/internal/conflict"
	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/streamtree"
	"github.com/perspectivedb/perspectivedb/pkg/plog"
)

// Config collects the recognized construction-time options of a
// MergeTree, as a statically typed record rather than a dynamic option
// bag.
type Config struct {
	// VSize is the shared version width in bytes for every tree in this
	// MergeTree (default record.DefaultVSize).
	VSize int
	// Perspectives is the fixed set of remote perspective names, resolved
	// at construction into one remote Tree apiece.
	Perspectives []string
	// StartMerge controls whether New immediately starts the merger
	// (default true).
	StartMerge bool
	// TailRetry is the interval the merger waits between polls of a
	// remote tree once it has caught up to that tree's current end
	// (default streamtree.DefaultTailRetry).
	TailRetry time.Duration
	// ConflictSink is the application-supplied sink for conflict
	// records. A conflict.NewMemSink() is used if nil.
	ConflictSink conflict.Sink
	// OutputFilter/OutputHooks apply to the merger's output stream: a
	// filtered or hook-dropped merge is still written to the local tree
	// and the remote cursor still advances, but it is never surfaced to
	// the StartMerge consumer.
	OutputFilter streamtree.Filter
	OutputHooks  []streamtree.Hook
	// Logger receives non-fatal per-record warnings (rejected remote
	// records, multi-head anomalies).
	Logger *logrus.Entry
}

// Option configures a MergeTree at construction.
type Option func(*Config)

// WithVSize sets the shared version width in bytes.
func WithVSize(n int) Option {
	return func(c *Config) { c.VSize = n }
}

// WithPerspectives fixes the set of remote perspective names.
func WithPerspectives(names ...string) Option {
	return func(c *Config) { c.Perspectives = append([]string(nil), names...) }
}

// WithStartMerge overrides the default of starting the merger
// immediately on construction.
func WithStartMerge(start bool) Option {
	return func(c *Config) { c.StartMerge = start }
}

// WithTailRetry sets the merger's poll interval once caught up.
func WithTailRetry(d time.Duration) Option {
	return func(c *Config) { c.TailRetry = d }
}

// WithConflictSink supplies the conflict record sink.
func WithConflictSink(s conflict.Sink) Option {
	return func(c *Config) { c.ConflictSink = s }
}

// WithOutputFilter sets the merger output-stream filter.
func WithOutputFilter(f streamtree.Filter) Option {
	return func(c *Config) { c.OutputFilter = f }
}

// WithOutputHooks sets the merger output-stream hook chain.
func WithOutputHooks(hooks ...streamtree.Hook) Option {
	return func(c *Config) { c.OutputHooks = append([]streamtree.Hook(nil), hooks...) }
}

// WithLogger attaches a logrus.Entry for non-fatal warnings.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func defaultConfig() Config {
	return Config{
		VSize:      record.DefaultVSize,
		StartMerge: true,
		TailRetry:  streamtree.DefaultTailRetry,
		Logger:     plog.Entry(),
	}
}
