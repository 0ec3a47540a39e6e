package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/karalabe/hid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/powerboard/adapter"
	"github.com/mklimuk/powerboard/cmd/pdb/console"
)

var usbCmd = cli.Command{
	Name:  "usb",
	Usage: "inspect USB HID devices",
	Subcommands: cli.Commands{
		&usbLsCmd,
		&usbDetectCmd,
	},
}

var usbLsCmd = cli.Command{
	Name: "ls",
	Action: func(c *cli.Context) error {
		devices := hid.Enumerate(0, 0)

		w := tabwriter.NewWriter(os.Stdout, 24, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "PATH\tSERIAL\tVENDOR\tPRODUCT ID\tMANUFACTURER\tPRODUCT\n")
		for _, dev := range devices {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\t%s\t%s\n",
				dev.Path, dev.Serial, dev.VendorID, dev.ProductID, dev.Manufacturer, dev.Product)
		}
		_ = w.Flush()
		return nil
	},
}

var usbDetectCmd = cli.Command{
	Name:  "detect",
	Usage: "list attached I2C bridges usable by the sense command",
	Action: func(c *cli.Context) error {
		w := tabwriter.NewWriter(os.Stdout, 12, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "INDEX\tVENDOR\tPRODUCT\tDEVICE\tPATH\n")
		for i, dev := range adapter.Attached() {
			_, _ = fmt.Fprintf(w, "%d\t%#x\t%#x\t%s\t%s\n", i, dev.VendorID, dev.ProductID, "MCP2221", dev.Path)
		}
		_ = w.Flush()
		return nil
	},
}

func indexFlag() cli.Flag {
	return &cli.IntFlag{
		Name:  "index",
		Value: -1,
		Usage: "adapter index when more than one is attached",
	}
}

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "control the MCP2221 USB to I2C bridge",
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221SpeedCmd,
	},
}

var mcp2221StatusCmd = cli.Command{
	Name:  "status",
	Flags: []cli.Flag{indexFlag()},
	Action: func(c *cli.Context) error {
		a := adapter.NewMCP2221(adapter.HIDOpener(c.Int("index")))
		status, err := a.Status(c.Context)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		enc := yaml.NewEncoder(os.Stdout)
		if err := enc.Encode(status); err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		return nil
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the transfer in progress",
	Flags: []cli.Flag{indexFlag()},
	Action: func(c *cli.Context) error {
		a := adapter.NewMCP2221(adapter.HIDOpener(c.Int("index")))
		if err := a.Release(c.Context); err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		console.Infof("bus released")
		return nil
	},
}

var mcp2221SpeedCmd = cli.Command{
	Name:      "speed",
	Usage:     "set the I2C clock",
	ArgsUsage: "<hz>",
	Flags:     []cli.Flag{indexFlag()},
	Action: func(c *cli.Context) error {
		var hz int
		if _, err := fmt.Sscanf(c.Args().First(), "%d", &hz); err != nil {
			return console.Exit(1, "invalid speed %q", c.Args().First())
		}
		a := adapter.NewMCP2221(adapter.HIDOpener(c.Int("index")))
		if err := a.SetSpeed(c.Context, hz); err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		console.Infof("bus clock set to %s Hz", console.White(hz))
		return nil
	},
}
