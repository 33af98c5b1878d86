// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Command perspectivedb is the external-tooling CLI: compare, touch,
// migrate, and transform, all thin wrappers over a MergeTree's
// read/write streams.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/perspectivedb/perspectivedb/pkg/plog"
)

// Globals are flags shared by every subcommand.
type Globals struct {
	Config  string `name:"config" help:"Path to a perspectivedb.toml config file" type:"path"`
	Verbose bool   `short:"V" name:"verbose" help:"Enable debug logging"`
}

type app struct {
	Globals
	Compare   CompareCmd   `cmd:"compare" help:"Diff the local-tree heads of two MergeTree databases"`
	Touch     TouchCmd     `cmd:"touch" help:"Re-append an item's current head unchanged, assigning it a fresh version"`
	Migrate   MigrateCmd   `cmd:"migrate" help:"Copy every local-tree record from one backend to another"`
	Transform TransformCmd `cmd:"transform" help:"Rewrite every local-tree record through a body-key-dropping hook"`
}

func main() {
	var cli app
	ctx := kong.Parse(&cli,
		kong.Name("perspectivedb"),
		kong.Description("Thin CLI wrappers over a MergeTree's read/write streams"),
		kong.UsageOnError(),
	)
	if cli.Verbose {
		_ = plog.SetLevel("debug")
	}
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
