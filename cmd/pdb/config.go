package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/powerboard/cmd/pdb/console"
	"github.com/mklimuk/powerboard/config"
)

var configCmd = cli.Command{
	Name:  "config",
	Usage: "inspect the board configuration",
	Subcommands: cli.Commands{
		&configDumpCmd,
		&configCheckCmd,
	},
}

var configDumpCmd = cli.Command{
	Name:  "dump",
	Usage: "print the effective configuration as YAML",
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		out, err := cfg.Dump()
		if err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		console.Printf("%s", out)
		return nil
	},
}

var configCheckCmd = cli.Command{
	Name:  "check",
	Usage: "validate a configuration file",
	Action: func(c *cli.Context) error {
		if _, err := config.Load(c.String("config")); err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		console.Infof("%s", console.Green("configuration is valid"))
		return nil
	},
}
