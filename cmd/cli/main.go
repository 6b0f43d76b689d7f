package main

import (
	"context"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/keyforge/cmd/cli/internal/commands"
	"github.com/wolfeidau/keyforge/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Groups   commands.GroupsCmd   `cmd:"" help:"Manage certificate groups"`
		Issue    commands.IssueCmd    `cmd:"" help:"Issue a new key under a group"`
		Rotate   commands.RotateCmd   `cmd:"" help:"Rotate a group's signing key when due"`
		Rotation commands.RotationCmd `cmd:"" help:"Show a group's rotation status"`
		Sign     commands.SignCmd     `cmd:"" help:"Sign a payload with a group key"`
		JWKS     commands.JWKSCmd     `cmd:"" name:"jwks" help:"Fetch a group's JWKS"`
		Show     commands.ShowCmd     `cmd:"" help:"Show a certificate"`
		Search   commands.SearchCmd   `cmd:"" help:"Search certificates"`
		Revoke   commands.RevokeCmd   `cmd:"" help:"Revoke a certificate"`
		Keygen   commands.KeygenCmd   `cmd:"" help:"Generate an ad-hoc key pair"`
		SignCSR  commands.SignCSRCmd  `cmd:"" name:"sign-csr" help:"Sign a certificate signing request"`

		Server   string        `help:"Server URL" default:"https://localhost:8443" env:"KEYFORGE_SERVER"`
		Token    string        `help:"Bearer token for API calls" env:"KEYFORGE_TOKEN"`
		CacheDir string        `help:"Directory caching JWKS documents" env:"KEYFORGE_CACHE_DIR" type:"path"`
		Timeout  time.Duration `help:"Request timeout" default:"30s"`
		JSON     bool          `help:"Print JSON output" name:"json"`
		Debug    bool          `help:"Enable debug mode."`
		Version  kong.VersionFlag
	}
)

func main() {
	cmd := kong.Parse(&cli,
		kong.Name("keyforgectl"),
		kong.Description("Manage certificate groups and keys on a keyforge server."),
		kong.Vars{
			"version": version,
		})

	log.Logger = logger.Setup(cli.Debug)
	ctx := log.Logger.WithContext(context.Background())
	cmd.BindTo(ctx, (*context.Context)(nil))

	err := cmd.Run(&commands.Globals{
		Debug:    cli.Debug,
		Version:  version,
		Server:   cli.Server,
		Token:    cli.Token,
		CacheDir: cli.CacheDir,
		Timeout:  cli.Timeout,
		JSON:     cli.JSON,
	})
	cmd.FatalIfErrorf(err)
}
