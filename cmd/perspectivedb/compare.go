// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/perspectivedb/perspectivedb/internal/record"
	"github.com/perspectivedb/perspectivedb/internal/streamtree"
)

// CompareCmd diffs the local-tree heads of two MergeTree databases,
// spot-checking convergence between two replicas. The current head per
// id is taken to be the last record for that id in full insertion
// order, which coincides with the tree's own head index except
// immediately after a tombstone race; acceptable for a diagnostic
// tool.
type CompareCmd struct {
	Other string `arg:"" help:"Path to the second config file"`
}

func headsByID(ctx context.Context, open func(string) (*opened, error), path string) (map[string]*record.Record, error) {
	o, err := open(path)
	if err != nil {
		return nil, err
	}
	defer o.Close()

	st, err := o.mt.CreateReadStream(ctx, streamtree.Options{Raw: true})
	if err != nil {
		return nil, err
	}
	heads := make(map[string]*record.Record)
	for {
		rec, err := st.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		heads[rec.H.ID.String()] = rec
	}
	return heads, nil
}

func (c *CompareCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := headsByID(ctx, openFromConfig, g.Config)
	if err != nil {
		return err
	}
	b, err := headsByID(ctx, openFromConfig, c.Other)
	if err != nil {
		return err
	}

	ids := make(map[string]bool, len(a)+len(b))
	for id := range a {
		ids[id] = true
	}
	for id := range b {
		ids[id] = true
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		ra, inA := a[id]
		rb, inB := b[id]
		switch {
		case inA && !inB:
			fmt.Printf("only-in-config: %s (v=%s)\n", id, string(ra.H.V))
		case !inA && inB:
			fmt.Printf("only-in-other:  %s (v=%s)\n", id, string(rb.H.V))
		case ra.H.V != rb.H.V:
			fmt.Printf("diverged:       %s (config=%s other=%s)\n", id, string(ra.H.V), string(rb.H.V))
		}
	}
	return nil
}
