// Package sched runs the board from a fixed-rate tick. The Scheduler is the
// context object: it owns the current table, the published rail readings and
// the phase index, and sequences the sampler, the rail monitors and the
// protection supervisor at three cadences.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/analog"
	"github.com/mklimuk/powerboard/panel"
	"github.com/mklimuk/powerboard/power"
	"github.com/mklimuk/powerboard/protect"
)

// ErrStopped is returned by Tick and Run once the scheduler was torn down.
var ErrStopped = errors.New("sched: scheduler torn down")

// PhaseSampler converts one phase of the current-sense rotation.
type PhaseSampler interface {
	SelectPhase(i int) error
	SamplePhase(ctx context.Context, i int) (uint16, uint16, error)
}

// Thermometer reads the chip temperature in degrees Celsius.
type Thermometer interface {
	GetTemperature() (int32, error)
}

// Panel is the housekeeping side of the operator panel.
type Panel interface {
	Set(ind panel.Indicator, on bool) error
	Service() error
	SetFan(on bool) error
	FanOn() bool
	Lights() map[string]bool
}

// Publisher receives a snapshot on every housekeeping pass. Publish must not
// block the tick.
type Publisher interface {
	Publish(ctx context.Context, s Snapshot) error
}

// Snapshot is a consistent copy of everything the scheduler publishes.
type Snapshot struct {
	Tick         uint64          `yaml:"tick" json:"tick"`
	Readings     power.Readings  `yaml:"readings" json:"readings"`
	Currents     analog.Table    `yaml:"currents" json:"currents"`
	Protection   protect.Status  `yaml:"protection" json:"protection"`
	TemperatureC int32           `yaml:"temperature_c" json:"temperature_c"`
	Fan          bool            `yaml:"fan" json:"fan"`
	Lights       map[string]bool `yaml:"lights,omitempty" json:"lights,omitempty"`
}

type Scheduler struct {
	bus         powerboard.StickyBus
	sensor      power.Sensor
	sampler     PhaseSampler
	supervisor  *protect.Supervisor
	thermometer Thermometer
	panel       Panel
	publisher   Publisher

	battery, regulator power.Rail
	period             time.Duration
	railsEvery         uint64
	housekeepingEvery  uint64
	fanThresholdC      int32

	tick  atomic.Uint64
	phase int

	mx    sync.Mutex
	table analog.Table

	readings     atomic.Pointer[power.Readings]
	temperatureC atomic.Int32
	down         atomic.Bool
	stop         chan struct{}
	stopOnce     sync.Once
}

// Tick runs one period. It is not safe for concurrent use; Run calls it
// from a single goroutine. When a terminal protection path is entered Tick
// only returns once ctx is cancelled.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.down.Load() {
		return ErrStopped
	}
	tick := s.tick.Add(1)

	s.recoverBus(ctx)

	var errs []error
	if tick%s.railsEvery == 0 {
		r := s.measureRails(ctx)
		if err := s.supervisor.EvaluateRails(ctx, r.Battery, r.Regulator); err != nil {
			if errors.Is(err, protect.ErrHalted) {
				return err
			}
			errs = append(errs, err)
		}
	}

	if tick%s.housekeepingEvery == 0 {
		s.housekeeping(ctx)
	}

	s.phase = (s.phase + 1) % analog.Phases
	table := s.sample(ctx)
	if err := s.supervisor.EvaluateChannels(&table); err != nil {
		errs = append(errs, err)
	}
	last := s.Readings()
	if err := s.supervisor.EvaluateAggregate(ctx, &table, last.Regulator, last.Battery); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Run ticks at the configured period until ctx is cancelled, the scheduler
// is torn down or a terminal protection path exits.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.period)
	defer t.Stop()
	slog.Info("scheduler started", "period", s.period, "rails_every", s.railsEvery, "housekeeping_every", s.housekeepingEvery)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return ErrStopped
		case <-t.C:
		}
		err := s.Tick(ctx)
		switch {
		case err == nil:
		case errors.Is(err, protect.ErrHalted), errors.Is(err, ErrStopped):
			return err
		case errors.Is(err, protect.ErrThresholdExceeded):
			// latched by the supervisor, already reported
		default:
			slog.Debug("tick failed", "tick", s.tick.Load(), "error", err)
		}
	}
}

// Teardown stops periodic work. The supervisor calls it when it enters an
// alarm loop.
func (s *Scheduler) Teardown() {
	s.stopOnce.Do(func() {
		s.down.Store(true)
		close(s.stop)
		slog.Warn("periodic work torn down", "tick", s.tick.Load())
	})
}

// Supervisor gives the command layer access to the protection state.
func (s *Scheduler) Supervisor() *protect.Supervisor { return s.supervisor }

// Readings returns the last published rail readings.
func (s *Scheduler) Readings() power.Readings {
	if r := s.readings.Load(); r != nil {
		return *r
	}
	return power.Readings{}
}

// Currents returns a copy of the current table.
func (s *Scheduler) Currents() analog.Table {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.table
}

// TemperatureC returns the last chip temperature reading.
func (s *Scheduler) TemperatureC() int32 { return s.temperatureC.Load() }

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Tick:         s.tick.Load(),
		Readings:     s.Readings(),
		Currents:     s.Currents(),
		Protection:   s.supervisor.Status(),
		TemperatureC: s.TemperatureC(),
	}
	if s.panel != nil {
		snap.Fan = s.panel.FanOn()
		snap.Lights = s.panel.Lights()
	}
	return snap
}

// PollBattery measures the battery rail outside the periodic cadence. The
// over-current alarm loop uses it after the scheduler was torn down.
func (s *Scheduler) PollBattery(ctx context.Context) power.Reading {
	s.recoverBus(ctx)
	r := s.sensor.Measure(ctx, s.battery.Address)
	prev := s.Readings()
	prev.Battery = r
	prev.Taken = time.Now()
	s.readings.Store(&prev)
	return r
}

// recoverBus clears a sticky bus failure and reprograms both monitors.
func (s *Scheduler) recoverBus(ctx context.Context) {
	if !s.bus.Failed() {
		return
	}
	if err := s.bus.Release(ctx); err != nil {
		slog.Warn("could not release bus", "error", err)
		return
	}
	var errs []error
	for _, rail := range []power.Rail{s.battery, s.regulator} {
		if err := s.sensor.Reinit(ctx, rail); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Warn("recovered from bus failure", "tick", s.tick.Load(), "reinit_error", errors.Join(errs...))
}

func (s *Scheduler) measureRails(ctx context.Context) power.Readings {
	r := power.Readings{
		Battery:   s.sensor.Measure(ctx, s.battery.Address),
		Regulator: s.sensor.Measure(ctx, s.regulator.Address),
		Taken:     time.Now(),
	}
	s.readings.Store(&r)
	return r
}

// sample converts the current phase and returns a copy of the updated
// table. A failed conversion marks the phase outputs as having no data.
func (s *Scheduler) sample(ctx context.Context) analog.Table {
	raw1, raw2, err := s.sampler.SamplePhase(ctx, s.phase)
	s.mx.Lock()
	defer s.mx.Unlock()
	if err != nil {
		s.table.Invalidate(s.phase)
	} else {
		s.table.Store(s.phase, raw1, raw2)
	}
	return s.table
}

func (s *Scheduler) housekeeping(ctx context.Context) {
	if s.thermometer != nil {
		if t, err := s.thermometer.GetTemperature(); err != nil {
			slog.Warn("could not read chip temperature", "error", err)
		} else {
			s.temperatureC.Store(t)
			s.controlFan(t)
		}
	}
	if s.panel != nil {
		if err := s.panel.Service(); err != nil {
			slog.Warn("could not service panel", "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, s.Snapshot()); err != nil {
			slog.Debug("could not publish snapshot", "error", err)
		}
	}
}

// controlFan switches the fan on above the threshold and off at or below it.
func (s *Scheduler) controlFan(t int32) {
	if s.panel == nil {
		return
	}
	on := t > s.fanThresholdC
	if on == s.panel.FanOn() {
		return
	}
	if err := s.panel.SetFan(on); err != nil {
		slog.Warn("could not switch fan", "error", err)
		return
	}
	slog.Info("fan switched", "on", on, "temperature_c", t, "threshold_c", s.fanThresholdC)
}

// Ticks returns the number of ticks run so far.
func (s *Scheduler) Ticks() uint64 { return s.tick.Load() }

func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(period=%s, tick=%d)", s.period, s.tick.Load())
}
