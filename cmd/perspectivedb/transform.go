// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/streamtree"
	"github.com/perspectivedb/perspectivedb/internal/tree"
)

// TransformCmd rewrites every local-tree record through a single
// body-key-dropping hook and writes the result to a destination
// database: the same hook mechanism the merge output stream applies
// live, run here as a batch job over the whole history.
type TransformCmd struct {
	To  string `arg:"" help:"Path to the destination config file"`
	Key string `arg:"" help:"Body key to drop from every record"`
}

func (c *TransformCmd) Run(g *Globals) error {
	ctx := context.Background()

	src, err := openFromConfig(g.Config)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := openFromConfig(c.To)
	if err != nil {
		return err
	}
	defer dst.Close()

	dropKey := func(_ context.Context, rec *record.Record) (*record.Record, error) {
		if _, present := rec.B[c.Key]; !present {
			return rec, nil
		}
		out := rec.Clone()
		delete(out.B, c.Key)
		return out, nil
	}

	st, err := src.mt.CreateReadStream(ctx, streamtree.Options{Hooks: []streamtree.Hook{dropKey}})
	if err != nil {
		return err
	}

	dstTree := dst.mt.GetLocalTree()
	n := 0
	for {
		rec, err := st.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		var external []record.Version
		for _, p := range rec.H.Pa {
			if _, err := dstTree.GetByVersion(ctx, p); errors.Is(err, tree.ErrNoSuchVersion) {
				external = append(external, p)
			} else if err != nil {
				return err
			}
		}
		if _, err := dstTree.Append(ctx, rec, tree.WithExternalParents(external...)); err != nil && !errors.Is(err, tree.ErrDuplicateVersion) {
			return err
		}
		n++
	}
	fmt.Printf("transformed %d records, dropped key %q\n", n, c.Key)
	return nil
}
