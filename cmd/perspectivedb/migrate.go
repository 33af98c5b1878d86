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

// MigrateCmd copies every local-tree record from one backend to
// another in insertion order, for moving a database between kv.Store
// drivers (e.g. memory to bbolt). The destination tree enforces its own
// vSize, so a source version of any other width fails the migration
// with ErrInvalidHeader. Records are replayed through
// tree.Append directly rather than CreateLocalWriteStream, so that a
// record whose parent lives only in the source's remote history (a
// merge result citing a never-adopted remote head) is still accepted
// as an external parent in the destination, matching the original
// write.
type MigrateCmd struct {
	From string `arg:"" help:"Path to the source config file"`
	To   string `arg:"" help:"Path to the destination config file"`
}

func (c *MigrateCmd) Run(g *Globals) error {
	ctx := context.Background()

	src, err := openFromConfig(c.From)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := openFromConfig(c.To)
	if err != nil {
		return err
	}
	defer dst.Close()

	st, err := src.mt.CreateReadStream(ctx, streamtree.Options{Raw: true})
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
	fmt.Printf("migrated %d records\n", n)
	return nil
}
