package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/cmd/pdb/console"
	"github.com/mklimuk/powerboard/config"
	"github.com/mklimuk/powerboard/protect"
)

var errQuit = errors.New("quit")

var consoleCmd = cli.Command{
	Name:    "console",
	Aliases: []string{"shell"},
	Usage:   "interactive session with a running simulated board",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "enable",
			Value: "none",
			Usage: "outputs switched on after init (comma separated, all or none)",
		},
		&cli.StringFlag{
			Name:  "script",
			Usage: "run the commands of this file instead of prompting",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		enable, err := parseChannels(c.String("enable"))
		if err != nil {
			return console.Exit(1, "invalid outputs: %s", console.Red(err))
		}
		b, err := newBench(cfg, nil)
		if err != nil {
			return console.Exit(1, "could not assemble the board: %s", console.Red(err))
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
		defer stop()
		if err := b.start(ctx, enable); err != nil {
			return console.Exit(1, "could not start the board: %s", console.Red(err))
		}
		done := make(chan error, 1)
		go func() { done <- b.run(ctx) }()
		in := &interpreter{bench: b}

		if path := c.String("script"); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return console.Exit(1, "could not open script: %s", console.Red(err))
			}
			defer f.Close()
			err = in.runScript(ctx, f, os.Stdout)
			stop()
			<-done
			if err != nil {
				return console.Exit(1, "script failed: %s", console.Red(err))
			}
			return nil
		}

		shell, err := console.NewShell("pdb> ", completions())
		if err != nil {
			return console.Exit(1, "terminal error: %s", console.Red(err))
		}
		defer shell.Close()
		for {
			line, err := shell.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return console.Exit(1, "terminal error: %s", console.Red(err))
			}
			out, err := in.exec(line)
			if errors.Is(err, errQuit) {
				break
			}
			if err != nil {
				console.Errorf("%s", err)
				continue
			}
			if out != "" {
				console.Print(out)
			}
			select {
			case err := <-done:
				console.Warnf("board %s: %v", outcome(err), err)
				return nil
			default:
			}
		}
		stop()
		<-done
		return nil
	},
}

// interpreter executes console commands against a bench.
type interpreter struct {
	bench *bench
}

type command struct {
	args  string
	usage string
	run   func(in *interpreter, args []string) (string, error)
}

var commands = map[string]command{
	"status":    {usage: "protection state of every channel", run: (*interpreter).status},
	"readings":  {usage: "rail readings, output currents and temperature", run: (*interpreter).readings},
	"enable":    {args: "<ch>", usage: "switch an output on", run: (*interpreter).enable},
	"disable":   {args: "<ch>", usage: "switch an output off", run: (*interpreter).disable},
	"reset":     {args: "<ch>", usage: "clear a latched fault", run: (*interpreter).reset},
	"delay":     {args: "[kind [cycles]]", usage: "show or change debounce delays", run: (*interpreter).delay},
	"load":      {args: "<ch> <mA>", usage: "simulate a load on an output", run: (*interpreter).load},
	"battery":   {args: "<mV> <mA>", usage: "simulate the battery rail", run: (*interpreter).rail},
	"regulator": {args: "<mV> <mA>", usage: "simulate the regulator rail", run: (*interpreter).rail},
	"temp":      {args: "<°C>", usage: "simulate the chip temperature", run: (*interpreter).temp},
	"nack":      {args: "<n>", usage: "make the next n battery monitor reads fail", run: (*interpreter).nack},
	"snapshot":  {usage: "full board snapshot as YAML", run: (*interpreter).snapshot},
}

func completions() map[string][]string {
	channels := make([]string, 0, powerboard.NumChannels)
	for ch := range powerboard.Channel(powerboard.NumChannels) {
		channels = append(channels, ch.String())
	}
	var delays []string
	for k := protect.DelayCurrentSense; k <= protect.DelayNegativeCurrent; k++ {
		delays = append(delays, k.String())
	}
	out := map[string][]string{"help": nil, "quit": nil}
	for name := range commands {
		out[name] = nil
	}
	for _, name := range []string{"enable", "disable", "reset", "load"} {
		out[name] = channels
	}
	out["delay"] = delays
	return out
}

func (in *interpreter) exec(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	switch fields[0] {
	case "quit", "exit":
		return "", errQuit
	case "help", "?":
		return help(), nil
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		return "", fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return cmd.run(in, fields)
}

func help() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		cmd := commands[name]
		_, _ = fmt.Fprintf(&sb, "%-24s %s\n", strings.TrimSpace(name+" "+cmd.args), cmd.usage)
	}
	sb.WriteString("quit                     leave the console")
	return sb.String()
}

func (in *interpreter) status(_ []string) (string, error) {
	st := in.bench.sched.Supervisor().Status()
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "tick %d, %s", in.bench.sched.Ticks(), st.Halt)
	if st.Reverse {
		sb.WriteString(", reverse current")
	}
	for ch := range powerboard.Channel(powerboard.NumChannels) {
		cs := st.Channels[ch]
		state := "off"
		switch {
		case cs.Inhibited:
			state = "latched"
		case cs.Enabled:
			state = "on"
		}
		_, _ = fmt.Fprintf(&sb, "\n%-3s %-7s counter %d", ch, state, cs.Counter)
	}
	return sb.String(), nil
}

func (in *interpreter) readings(_ []string) (string, error) {
	r := in.bench.sched.Readings()
	table := in.bench.sched.Currents()
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "battery   %6dmV %6dmA ok=%t\n", r.Battery.VoltageMV, r.Battery.CurrentMA, r.Battery.Success)
	_, _ = fmt.Fprintf(&sb, "regulator %6dmV %6dmA ok=%t\n", r.Regulator.VoltageMV, r.Regulator.CurrentMA, r.Regulator.Success)
	for ch, e := range table {
		_, _ = fmt.Fprintf(&sb, "%-3s %6dmA valid=%t\n", powerboard.Channel(ch), e.CurrentMA, e.Valid)
	}
	_, _ = fmt.Fprintf(&sb, "chip %d°C", in.bench.sched.TemperatureC())
	return sb.String(), nil
}

func (in *interpreter) enable(args []string) (string, error) {
	ch, err := channelArg(args)
	if err != nil {
		return "", err
	}
	if err := in.bench.sched.Supervisor().Enable(ch, true); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s on", ch), nil
}

func (in *interpreter) disable(args []string) (string, error) {
	ch, err := channelArg(args)
	if err != nil {
		return "", err
	}
	if err := in.bench.sched.Supervisor().Enable(ch, false); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s off", ch), nil
}

func (in *interpreter) reset(args []string) (string, error) {
	ch, err := channelArg(args)
	if err != nil {
		return "", err
	}
	if err := in.bench.sched.Supervisor().Reset(ch); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s cleared", ch), nil
}

func (in *interpreter) delay(args []string) (string, error) {
	sup := in.bench.sched.Supervisor()
	if len(args) == 1 {
		var sb strings.Builder
		for k := protect.DelayCurrentSense; k <= protect.DelayNegativeCurrent; k++ {
			if k > protect.DelayCurrentSense {
				sb.WriteString("\n")
			}
			_, _ = fmt.Fprintf(&sb, "%-16s %d", k, sup.Delay(k))
		}
		return sb.String(), nil
	}
	kind, err := protect.ParseDelayKind(args[1])
	if err != nil {
		return "", err
	}
	if len(args) == 2 {
		return fmt.Sprintf("%s %d", kind, sup.Delay(kind)), nil
	}
	v, err := strconv.ParseUint(args[2], 10, 8)
	if err != nil {
		return "", fmt.Errorf("invalid delay %q: %w", args[2], err)
	}
	if err := sup.SetDelay(kind, uint8(v)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %d", kind, v), nil
}

func (in *interpreter) load(args []string) (string, error) {
	ch, err := channelArg(args)
	if err != nil {
		return "", err
	}
	mA, err := intArg(args, 2)
	if err != nil {
		return "", err
	}
	if err := in.bench.board.SetOutputCurrent(ch, mA); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s draws %dmA", ch, mA), nil
}

func (in *interpreter) rail(args []string) (string, error) {
	mV, err := intArg(args, 1)
	if err != nil {
		return "", err
	}
	mA, err := intArg(args, 2)
	if err != nil {
		return "", err
	}
	if args[0] == "battery" {
		in.bench.board.SetBattery(mV, mA)
	} else {
		in.bench.board.SetRegulator(mV, mA)
	}
	return fmt.Sprintf("%s %dmV %dmA", args[0], mV, mA), nil
}

func (in *interpreter) temp(args []string) (string, error) {
	c, err := intArg(args, 1)
	if err != nil {
		return "", err
	}
	in.bench.board.SetTemperature(c)
	return fmt.Sprintf("chip %d°C", c), nil
}

func (in *interpreter) nack(args []string) (string, error) {
	n, err := intArg(args, 1)
	if err != nil {
		return "", err
	}
	in.bench.board.Nack(int(n))
	return fmt.Sprintf("next %d battery reads fail", n), nil
}

func (in *interpreter) snapshot(_ []string) (string, error) {
	out, err := yaml.Marshal(in.bench.sched.Snapshot())
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func channelArg(args []string) (powerboard.Channel, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s needs a channel", args[0])
	}
	return powerboard.ParseChannel(args[1])
}

func intArg(args []string, i int) (int32, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("%s: missing argument %d", args[0], i)
	}
	v, err := strconv.ParseInt(args[i], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", args[0], args[i])
	}
	return int32(v), nil
}

// runScript executes console commands from r, one per line, until EOF or
// quit. Used for non-interactive sessions and tests.
func (in *interpreter) runScript(ctx context.Context, r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := in.exec(line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%q: %w", strings.TrimSpace(line), err)
		}
		if out != "" {
			_, _ = fmt.Fprintln(w, out)
		}
	}
	return nil
}
