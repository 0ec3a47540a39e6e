package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/cmd/pdb/console"
	"github.com/mklimuk/powerboard/config"
	"github.com/mklimuk/powerboard/protect"
	"github.com/mklimuk/powerboard/sim"
)

var simulateCmd = cli.Command{
	Name:    "simulate",
	Aliases: []string{"sim"},
	Usage:   "run the protection firmware against a simulated board",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "scenario",
			Aliases: []string{"s"},
			Usage:   "scenario file (the built-in scenario is used when empty)",
		},
		&cli.StringFlag{
			Name:  "mqtt",
			Usage: "publish snapshots to this broker, e.g. mqtt://host:1883/prefix/",
		},
		&cli.StringFlag{
			Name:  "enable",
			Value: "all",
			Usage: "outputs switched on after init (comma separated, all or none)",
		},
		&cli.DurationFlag{
			Name:    "duration",
			Aliases: []string{"d"},
			Value:   15 * time.Second,
			Usage:   "stop the simulation after this long",
		},
		&cli.BoolFlag{
			Name:  "dump",
			Usage: "print the final snapshot as YAML",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		if broker := c.String("mqtt"); broker != "" {
			cfg.Telemetry.Broker = broker
		}
		enable, err := parseChannels(c.String("enable"))
		if err != nil {
			return console.Exit(1, "invalid outputs: %s", console.Red(err))
		}
		scenario, err := sim.LoadScenario(c.String("scenario"))
		if err != nil {
			return console.Exit(1, "scenario error: %s", console.Red(err))
		}
		b, err := newBench(cfg, scenario)
		if err != nil {
			return console.Exit(1, "could not assemble the board: %s", console.Red(err))
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, c.Duration("duration"))
		defer cancel()

		if err := b.start(ctx, enable); err != nil {
			return console.Exit(1, "could not start the board: %s", console.Red(err))
		}
		console.PInfof(console.PictoPlug, "running scenario %s on %s for %s", console.White(scenario.Name), b.board, c.Duration("duration"))
		err = b.run(ctx)
		report(b, err)
		if c.Bool("dump") {
			out, derr := yaml.Marshal(b.sched.Snapshot())
			if derr != nil {
				return console.Exit(1, "encoding error: %s", console.Red(derr))
			}
			console.Print(string(out))
		}
		if errors.Is(err, protect.ErrHalted) {
			return console.Exit(2, "board halted: %s", b.sched.Supervisor().Halted())
		}
		return nil
	},
}

func report(b *bench, err error) {
	snap := b.sched.Snapshot()
	console.PInfof(console.PictoStop, "%s after %d ticks (%s)", outcome(err), snap.Tick, console.Bold(snap.Protection.Halt))
	console.PInfof(console.PictoBattery, "battery %dmV %dmA, regulator %dmV %dmA",
		snap.Readings.Battery.VoltageMV, snap.Readings.Battery.CurrentMA,
		snap.Readings.Regulator.VoltageMV, snap.Readings.Regulator.CurrentMA)
	console.PInfof(console.PictoThermometer, "chip %d°C, fan %s", snap.TemperatureC, console.OnOff(snap.Fan))
	for ch := range powerboard.Channel(powerboard.NumChannels) {
		st := snap.Protection.Channels[ch]
		line := console.OnOff(st.Enabled)
		if st.Inhibited {
			line = console.Yellow("latched")
		}
		console.Printf("  %-3s %s (counter %d)\n", ch, line, st.Counter)
	}
	if n := b.board.Buzzes(); n > 0 {
		console.PInfof(console.PictoSiren, "alarm sounded %d times", n)
	}
	if v := b.board.Sense.Violations(); len(v) > 0 {
		console.Warnf("sense bank violations: %v", v)
	}
	if v := b.board.Peripheral.Violations(); len(v) > 0 {
		console.Warnf("bus protocol violations: %v", v)
	}
	if b.telemetry != nil && b.telemetry.Dropped() > 0 {
		console.Warnf("%d snapshots dropped while the broker was unreachable", b.telemetry.Dropped())
	}
}
