package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/adapter"
	"github.com/mklimuk/powerboard/cmd/pdb/console"
	"github.com/mklimuk/powerboard/config"
	"github.com/mklimuk/powerboard/i2c"
	"github.com/mklimuk/powerboard/power"
)

var senseCmd = cli.Command{
	Name:  "sense",
	Usage: "read the rail monitors of a board from a bench host",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "adapter",
			Aliases: []string{"a"},
			Value:   "i2c",
			Usage:   "bus to use: i2c (host bus) or mcp2221 (USB bridge)",
		},
		&cli.StringFlag{
			Name:  "bus",
			Usage: "host bus name, e.g. /dev/i2c-1 (first bus when empty)",
		},
		&cli.IntFlag{
			Name:  "index",
			Value: -1,
			Usage: "MCP2221 index when more than one is attached",
		},
		&cli.IntFlag{
			Name:  "speed",
			Value: 100_000,
			Usage: "bus clock in Hz",
		},
		&cli.StringFlag{
			Name:    "rail",
			Aliases: []string{"r"},
			Value:   "all",
			Usage:   "battery, regulator or all",
		},
		&cli.IntFlag{
			Name:    "count",
			Aliases: []string{"n"},
			Value:   1,
			Usage:   "number of readings (0 reads until interrupted)",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Value: time.Second,
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		rails, err := selectRails(cfg, c.String("rail"))
		if err != nil {
			return console.Exit(1, "%s", console.Red(err))
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
		defer stop()

		bus, closeBus, err := openBus(ctx, c.String("adapter"), c.String("bus"), c.Int("index"), c.Int("speed"))
		if err != nil {
			return console.Exit(1, "bus error: %s", console.Red(err))
		}
		defer closeBus()

		drv := power.NewDriver(bus)
		for _, rail := range rails {
			if err := drv.Init(ctx, rail); err != nil {
				return console.Exit(1, "could not initialize %s monitor: %s", rail.Name, console.Red(err))
			}
			if err := drv.Verify(ctx, rail); err != nil {
				return console.Exit(1, "%s monitor did not take its settings: %s", rail.Name, console.Red(err))
			}
		}
		return measureLoop(ctx, drv, bus, rails, c.Int("count"), c.Duration("interval"))
	},
}

func selectRails(cfg config.Config, name string) ([]power.Rail, error) {
	switch name {
	case "all":
		return []power.Rail{cfg.Battery, cfg.Regulator}, nil
	case cfg.Battery.Name, "battery":
		return []power.Rail{cfg.Battery}, nil
	case cfg.Regulator.Name, "regulator":
		return []power.Rail{cfg.Regulator}, nil
	}
	return nil, fmt.Errorf("unknown rail %q", name)
}

func openBus(ctx context.Context, kind, dev string, index, speed int) (powerboard.StickyBus, func(), error) {
	switch kind {
	case "i2c":
		bus, err := i2c.NewGenericBus(dev)
		if err != nil {
			return nil, nil, err
		}
		if err := bus.SetSpeed(physic.Frequency(speed) * physic.Hertz); err != nil {
			_ = bus.Close()
			return nil, nil, fmt.Errorf("could not set bus speed: %w", err)
		}
		return bus, func() { _ = bus.Close() }, nil
	case "mcp2221":
		m := adapter.NewMCP2221(adapter.HIDOpener(index))
		if err := m.SetSpeed(ctx, speed); err != nil {
			return nil, nil, err
		}
		return i2c.NewBridgeBus(m), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown adapter %q", kind)
}

func measureLoop(ctx context.Context, drv *power.Driver, bus powerboard.StickyBus, rails []power.Rail, count int, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for i := 0; count == 0 || i < count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
		if bus.Failed() {
			console.Warnf("bus stalled, releasing")
			if err := bus.Release(ctx); err != nil {
				return console.Exit(1, "could not release bus: %s", console.Red(err))
			}
			for _, rail := range rails {
				if err := drv.Reinit(ctx, rail); err != nil {
					console.Errorf("could not reprogram %s monitor: %s", rail.Name, err)
					continue
				}
				if err := drv.Verify(ctx, rail); err != nil {
					console.Errorf("%s monitor did not take its settings: %s", rail.Name, err)
				}
			}
		}
		for _, rail := range rails {
			r := drv.Measure(ctx, rail.Address)
			if !r.Success {
				console.Errorf("%s: measurement failed", rail.Name)
				continue
			}
			console.PInfof(console.PictoBolt, "%-10s %s %s", rail.Name,
				console.White(fmt.Sprintf("%6dmV", r.VoltageMV)), console.White(fmt.Sprintf("%6dmA", r.CurrentMA)))
		}
	}
	return nil
}
