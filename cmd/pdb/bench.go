package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/config"
	"github.com/mklimuk/powerboard/i2c"
	"github.com/mklimuk/powerboard/protect"
	"github.com/mklimuk/powerboard/sched"
	"github.com/mklimuk/powerboard/sim"
	"github.com/mklimuk/powerboard/telemetry"
)

// bench is a scheduler running against the simulated board.
type bench struct {
	cfg       config.Config
	board     *sim.Board
	engine    *i2c.Engine
	sched     *sched.Scheduler
	scenario  *sim.Scenario
	telemetry *telemetry.MQTT
}

func newBench(cfg config.Config, scenario *sim.Scenario, opts ...sched.Opt) (*bench, error) {
	board := sim.NewBoard(cfg)
	engine := i2c.NewEngine(board.Peripheral, i2c.WithSpinLimit(cfg.BusSpinLimit))
	adc1, adc2 := board.Sense.Converters()
	b := &bench{cfg: cfg, board: board, engine: engine, scenario: scenario}
	if cfg.Telemetry.Broker != "" {
		m, err := telemetry.NewMQTT(cfg.Telemetry)
		if err != nil {
			return nil, err
		}
		b.telemetry = m
		opts = append(opts, sched.WithPublisher(m))
	}
	s, err := sched.New(cfg, sched.Hardware{Bus: engine, ADC1: adc1, ADC2: adc2, Lines: board.Lines}, opts...)
	if err != nil {
		return nil, err
	}
	b.sched = s
	return b, nil
}

// start connects telemetry, initializes the board and switches on the
// requested outputs.
func (b *bench) start(ctx context.Context, enable []powerboard.Channel) error {
	if b.telemetry != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := b.telemetry.Connect(cctx)
		cancel()
		if err != nil {
			// the client keeps reconnecting; snapshots are dropped meanwhile
			slog.Warn("telemetry broker unavailable", "error", err)
		}
	}
	if err := b.sched.Init(ctx); err != nil {
		slog.Warn("board initialized with errors", "error", err)
	}
	for _, ch := range enable {
		if err := b.sched.Supervisor().Enable(ch, true); err != nil {
			return fmt.Errorf("could not enable %s: %w", ch, err)
		}
	}
	if b.scenario != nil {
		// steps at tick 0 describe the board before the first period
		if err := b.scenario.Apply(b.board, 0); err != nil {
			return err
		}
	}
	return nil
}

// run drives the scheduler and feeds scenario steps as ticks elapse. It
// returns when ctx ends or the scheduler stops.
func (b *bench) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if b.scenario != nil {
		go b.feed(ctx)
	}
	err := b.sched.Run(ctx)
	if b.telemetry != nil {
		_ = b.telemetry.Close()
	}
	return err
}

func (b *bench) feed(ctx context.Context) {
	t := time.NewTicker(b.cfg.Tick)
	defer t.Stop()
	for !b.scenario.Done() {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := b.scenario.Apply(b.board, b.sched.Ticks()); err != nil {
			slog.Error("scenario step failed", "error", err)
			return
		}
	}
	slog.Info("scenario finished", "scenario", b.scenario.Name, "tick", b.sched.Ticks())
}

// parseChannels accepts a comma separated list of channel names. "all"
// selects the six outputs and "none" nothing.
func parseChannels(list string) ([]powerboard.Channel, error) {
	switch strings.TrimSpace(list) {
	case "", "none":
		return nil, nil
	case "all":
		chs := make([]powerboard.Channel, 0, powerboard.NumOutputs)
		for ch := range powerboard.Channel(powerboard.NumOutputs) {
			chs = append(chs, ch)
		}
		return chs, nil
	}
	var chs []powerboard.Channel
	for _, name := range strings.Split(list, ",") {
		ch, err := powerboard.ParseChannel(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		chs = append(chs, ch)
	}
	return chs, nil
}

// outcome describes how a run ended for the operator.
func outcome(err error) string {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "stopped"
	case errors.Is(err, protect.ErrHalted):
		return "halted"
	case errors.Is(err, sched.ErrStopped):
		return "torn down"
	default:
		return "failed"
	}
}
