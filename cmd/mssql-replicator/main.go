// Command mssql-replicator runs the one-way SQL Server logical replicator
// daemon described by SPEC_FULL.md: it discovers Change-Tracking-enabled
// tables on the Primary, clones and keeps their schema additively in sync
// on the Replica, and continuously full-loads and then tails changes until
// the process receives a shutdown signal.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/block/mssql-replicator/pkg/config"
)

var cli struct {
	config.Run `cmd:"" help:"Run the replicator daemon."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
