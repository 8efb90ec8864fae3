package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build.
var version = "dev"

// CLI is the full chesstrain command surface.
type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Train   TrainCmd         `cmd:"" help:"Run a self-play training session"`
	Test    TestCmd          `cmd:"" help:"Run a deterministic smoke test"`
	Seed    SeedCmd          `cmd:"" help:"Seed derivation utilities"`
	Config  ConfigCmd        `cmd:"" help:"Configuration file utilities"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("chesstrain"),
		kong.Description("Self-play reinforcement-learning training engine for chess"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
