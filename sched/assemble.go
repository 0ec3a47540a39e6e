package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gobot.io/x/gobot/v2/drivers/aio"
	"gobot.io/x/gobot/v2/drivers/gpio"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/analog"
	"github.com/mklimuk/powerboard/config"
	"github.com/mklimuk/powerboard/panel"
	"github.com/mklimuk/powerboard/power"
	"github.com/mklimuk/powerboard/protect"
)

// Lines is the GPIO and analog input side of the board.
type Lines interface {
	gpio.DigitalWriter
	aio.AnalogReader
}

// Hardware is what the scheduler is assembled from.
type Hardware struct {
	Bus        powerboard.StickyBus
	ADC1, ADC2 analog.Converter
	Lines      Lines
	// Sensor defaults to a power.Driver on Bus.
	Sensor power.Sensor
}

type Opt func(*options)

type options struct {
	publisher  Publisher
	alarmSleep func(ctx context.Context, d time.Duration) error
	beep       time.Duration
	driverOpts []power.DriverOpt
}

// WithPublisher publishes a snapshot on every housekeeping pass.
func WithPublisher(p Publisher) Opt {
	return func(o *options) { o.publisher = p }
}

// WithAlarmSleep replaces the wait between alarm loop passes.
func WithAlarmSleep(f func(ctx context.Context, d time.Duration) error) Opt {
	return func(o *options) { o.alarmSleep = f }
}

// WithBeep sets the buzzer pulse length.
func WithBeep(d time.Duration) Opt {
	return func(o *options) { o.beep = d }
}

// WithDriverOpts is passed to the default rail monitor driver.
func WithDriverOpts(opts ...power.DriverOpt) Opt {
	return func(o *options) { o.driverOpts = append(o.driverOpts, opts...) }
}

// New wires the sampler, the rail monitors, the panel and the supervisor
// into a scheduler. The returned scheduler is not running; call Init and
// then Run.
func New(cfg config.Config, hw Hardware, opts ...Opt) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hw.Bus == nil || hw.ADC1 == nil || hw.ADC2 == nil || hw.Lines == nil {
		return nil, errors.New("sched: incomplete hardware")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	brain, err := cfg.BrainChannel()
	if err != nil {
		return nil, err
	}

	sensor := hw.Sensor
	if sensor == nil {
		sensor = power.NewDriver(hw.Bus, o.driverOpts...)
	}
	var panelOpts []panel.Opt
	if o.beep > 0 {
		panelOpts = append(panelOpts, panel.WithBeep(o.beep))
	}
	pnl := panel.New(hw.Lines, cfg.Pins.Panel, panelOpts...)

	s := &Scheduler{
		bus:               hw.Bus,
		sensor:            sensor,
		sampler:           analog.NewSampler(hw.ADC1, hw.ADC2, hw.Lines, cfg.Pins.SenseDisable, analog.WithSpinLimit(cfg.ADCSpinLimit)),
		thermometer:       analog.NewTemperatureSensor(hw.Lines, cfg.Pins.Temperature),
		panel:             pnl,
		publisher:         o.publisher,
		battery:           cfg.Battery,
		regulator:         cfg.Regulator,
		period:            cfg.Tick,
		railsEvery:        uint64(cfg.RailsEvery),
		housekeepingEvery: uint64(cfg.HousekeepingEvery),
		fanThresholdC:     cfg.FanThresholdC,
		// the first tick advances to phase 0
		phase: analog.Phases - 1,
		stop:  make(chan struct{}),
	}

	supOpts := []protect.Opt{
		protect.WithDelays(cfg.Delays),
		protect.WithBrain(brain, cfg.KeepBrainOnOvercurrent),
		protect.WithIndicators(pnl),
		protect.WithAlarm(pnl),
		protect.WithWatchdog(pnl),
		protect.WithTeardown(s.Teardown),
		protect.WithBatteryPoll(s.PollBattery),
		protect.WithAlarmInterval(cfg.AlarmInterval),
	}
	if o.alarmSleep != nil {
		supOpts = append(supOpts, protect.WithSleep(o.alarmSleep))
	}
	s.supervisor = protect.NewSupervisor(hw.Lines, cfg.Pins.Outputs, supOpts...)
	return s, nil
}

// Init brings the board to a known state: every output and sense device
// off, both rail monitors programmed and offset-calibrated, the run LED on.
// A monitor that fails to initialize is logged and recovered by the tick.
func (s *Scheduler) Init(ctx context.Context) error {
	s.supervisor.DisableAll(false)
	if err := s.sampler.SelectPhase(-1); err != nil {
		return fmt.Errorf("sched: could not disable sense devices: %w", err)
	}
	var errs []error
	for _, rail := range []power.Rail{s.battery, s.regulator} {
		if err := s.sensor.Init(ctx, rail); err != nil {
			slog.Error("could not initialize rail monitor", "rail", rail.Name, "error", err)
			errs = append(errs, err)
		}
	}
	if s.panel != nil {
		if err := s.panel.Set(panel.Run, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
