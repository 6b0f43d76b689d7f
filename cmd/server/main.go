package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/keyforge/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"KEYFORGE_DEBUG"`
		Version kong.VersionFlag
		Serve   commands.ServerCmd  `cmd:"" help:"Start the key lifecycle API server"`
		Rotate  commands.RotateCmd  `cmd:"" help:"Run one rotation pass over every group and exit"`
		Migrate commands.MigrateCmd `cmd:"" help:"Apply PostgreSQL migrations"`
		Token   commands.TokenCmd   `cmd:"" help:"Issue an API bearer token"`
	}
)

func main() {
	// SIGTERM drains the server and aborts rotation or migration passes.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("keyforge"),
		kong.Description("Certificate group and key lifecycle service."),
		kong.UsageOnError(),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	stop()
	cmd.FatalIfErrorf(err)
}
