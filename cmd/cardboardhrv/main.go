package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"cardboardhrv/cmd/cardboardhrv/internal/commands"
	"cardboardhrv/internal/constants"
)

var (
	version = constants.Version
	cli     struct {
		Desktop commands.DesktopCmd `cmd:"" help:"Open a session and monitor the paired sensor."`
		Mobile  commands.MobileCmd  `cmd:"" help:"Join a session and stream heart rate."`
		Demo    commands.DemoCmd    `cmd:"" help:"Run both roles in one process with a synthetic pulse."`
		Config  string              `help:"Path to a YAML config file." type:"path" env:"CARDBOARDHRV_CONFIG"`
		Debug   bool                `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("cardboardhrv"),
		kong.Vars{
			"version":        version,
			"dashboard_addr": constants.DefaultDashboardAddr,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Config: cli.Config, Version: version})
	cmd.FatalIfErrorf(err)
}
