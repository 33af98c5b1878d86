// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/perspectivedb/perspectivedb/internal/conflict"
	"github.com/perspectivedb/perspectivedb/internal/kv"
	"github.com/perspectivedb/perspectivedb/internal/mergetree"
	"github.com/perspectivedb/perspectivedb/pkg/config"
)

// opened bundles a MergeTree with the kv.Store backing it, since the
// CLI (unlike a long-running server) owns the store's lifecycle and
// must close it itself (internal/mergetree.MergeTree.Close never
// closes a caller-supplied store).
type opened struct {
	store kv.Store
	mt    *mergetree.MergeTree
	vSize int
}

func (o *opened) Close() error {
	mtErr := o.mt.Close()
	storeErr := o.store.Close()
	if mtErr != nil {
		return mtErr
	}
	return storeErr
}

// openFromConfig loads path (falling back to the global config alone
// if path is empty) and opens the kv.Store and MergeTree it describes, with
// the merger left stopped: every CLI subcommand here operates directly
// on the local tree's read/write streams, not the background merger.
func openFromConfig(path string) (*opened, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("perspectivedb: load config: %w", err)
	}

	var store kv.Store
	switch {
	case cfg.Backend.Driver == "bolt" || (cfg.Backend.Driver == "" && cfg.Backend.Path != ""):
		if cfg.Backend.Path == "" {
			return nil, fmt.Errorf("perspectivedb: backend.path is required for the bolt driver")
		}
		store, err = kv.OpenBolt(cfg.Backend.Path)
		if err != nil {
			return nil, err
		}
	default:
		store = kv.NewMemStore()
	}

	var sink conflict.Sink
	if cfg.Conflict.Driver == "store" {
		sink = conflict.NewStoreSink(store)
	}

	opts := []mergetree.Option{
		mergetree.WithVSize(cfg.VSize()),
		mergetree.WithPerspectives(cfg.Merge.Perspectives...),
		mergetree.WithStartMerge(false),
	}
	if sink != nil {
		opts = append(opts, mergetree.WithConflictSink(sink))
	}

	mt, err := mergetree.New(store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &opened{store: store, mt: mt, vSize: cfg.VSize()}, nil
}
