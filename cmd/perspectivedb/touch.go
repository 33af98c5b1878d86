// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/perspectivedb/perspectivedb/internal/record"
)

// TouchCmd re-appends an item's current local head unchanged under a
// fresh version, forcing a downstream re-merge without a real content
// change.
type TouchCmd struct {
	ID string `arg:"" help:"Item id, as store\\x01key"`
}

func (c *TouchCmd) Run(g *Globals) error {
	o, err := openFromConfig(g.Config)
	if err != nil {
		return err
	}
	defer o.Close()

	ctx := context.Background()
	id := record.ID(c.ID)
	head, err := o.mt.GetLocalHead(ctx, id)
	if err != nil {
		return err
	}
	if head == nil {
		return fmt.Errorf("perspectivedb: touch: no local record for id %q", c.ID)
	}

	gen := record.NewGenerator(o.vSize)
	v, err := gen.New()
	if err != nil {
		return err
	}

	local := o.mt.CreateLocalWriteStream()
	stored, err := local.Write(ctx, &record.Record{
		H: record.Header{ID: id, V: v, Pa: []record.Version{head.H.V}, D: head.H.D},
		B: head.B,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", string(head.H.V), string(stored.H.V))
	return nil
}
