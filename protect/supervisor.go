// Package protect latches over-current and under-voltage faults and drives
// the output lines accordingly.
package protect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gobot.io/x/gobot/v2/drivers/gpio"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/analog"
	"github.com/mklimuk/powerboard/power"
)

// Fixed limits.
const (
	HighPowerLimitMA = 20_000
	LowPowerLimitMA  = 10_000
	RegulatorLimitMA = 2_000
	AggregateLimitMA = 30_000
	UnderVoltageMV   = 10_200
	// ReverseLimitMA is the battery current below which the battery is
	// considered to be back-fed.
	ReverseLimitMA = -1_000
)

const defaultAlarmInterval = 2 * time.Second

// ChannelState is the protection state of one output.
type ChannelState struct {
	Enabled   bool  `yaml:"enabled" json:"enabled"`
	Inhibited bool  `yaml:"inhibited" json:"inhibited"`
	Counter   uint8 `yaml:"counter" json:"counter"`
}

// Status is a consistent copy of the supervisor state.
type Status struct {
	Channels  [powerboard.NumChannels]ChannelState `yaml:"channels" json:"channels"`
	Aggregate uint8                                `yaml:"aggregate" json:"aggregate"`
	Reverse   bool                                 `yaml:"reverse" json:"reverse"`
	Halt      Halt                                 `yaml:"halt" json:"halt"`
	Delays    Delays                               `yaml:"delays" json:"delays"`
}

// Indicators receives fault notifications for the operator.
type Indicators interface {
	ChannelFault(ch powerboard.Channel)
	ReverseCurrent()
	// FlatBattery is called on every pass of the flat battery loop.
	FlatBattery()
}

// Alarm is the audible alarm.
type Alarm interface {
	Sound(ctx context.Context)
}

// Watchdog is the external watchdog.
type Watchdog interface {
	Pet()
}

type Opt func(*Supervisor)

func WithDelays(d Delays) Opt {
	return func(s *Supervisor) { s.delays = d }
}

// WithBrain designates the output powering the companion computer. With
// keepOnOvercurrent it stays on when an aggregate over-current trips.
func WithBrain(ch powerboard.Channel, keepOnOvercurrent bool) Opt {
	return func(s *Supervisor) {
		s.brain = ch
		s.keepBrain = keepOnOvercurrent
	}
}

func WithIndicators(i Indicators) Opt {
	return func(s *Supervisor) { s.indicators = i }
}

func WithAlarm(a Alarm) Opt {
	return func(s *Supervisor) { s.alarm = a }
}

func WithWatchdog(w Watchdog) Opt {
	return func(s *Supervisor) { s.watchdog = w }
}

// WithTeardown sets the function that stops periodic work before an alarm
// loop is entered.
func WithTeardown(f func()) Opt {
	return func(s *Supervisor) { s.teardown = f }
}

// WithBatteryPoll sets how the over-current loop re-reads the battery.
func WithBatteryPoll(f func(ctx context.Context) power.Reading) Opt {
	return func(s *Supervisor) { s.poll = f }
}

func WithAlarmInterval(d time.Duration) Opt {
	return func(s *Supervisor) { s.interval = d }
}

// WithSleep replaces the context aware sleep used by the alarm loops.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Opt {
	return func(s *Supervisor) { s.sleep = f }
}

// Supervisor evaluates limits with per-channel debounce counters. A latched
// channel is never cleared by the supervisor itself; Reset must be called.
type Supervisor struct {
	lines gpio.DigitalWriter
	pins  [powerboard.NumChannels]string

	brain      powerboard.Channel
	keepBrain  bool
	indicators Indicators
	alarm      Alarm
	watchdog   Watchdog
	teardown   func()
	poll       func(ctx context.Context) power.Reading
	interval   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	mx        sync.Mutex
	delays    Delays
	states    [powerboard.NumChannels]ChannelState
	aggregate uint8
	uvlo      uint8
	negative  uint8
	reverse   bool
	halt      Halt
	down      sync.Once
}

func NewSupervisor(lines gpio.DigitalWriter, pins [powerboard.NumChannels]string, opts ...Opt) *Supervisor {
	s := &Supervisor{
		lines:      lines,
		pins:       pins,
		brain:      powerboard.L0,
		delays:     DefaultDelays(),
		indicators: nopIndicators{},
		alarm:      nopAlarm{},
		watchdog:   nopWatchdog{},
		teardown:   func() {},
		interval:   defaultAlarmInterval,
		sleep:      sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Delay(k DelayKind) uint8 {
	s.mx.Lock()
	defer s.mx.Unlock()
	if p := s.delays.ref(k); p != nil {
		return *p
	}
	return 0
}

func (s *Supervisor) SetDelay(k DelayKind, v uint8) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	p := s.delays.ref(k)
	if p == nil {
		return fmt.Errorf("protect: unknown delay %d", k)
	}
	*p = v
	return nil
}

func (s *Supervisor) Delays() Delays {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.delays
}

// Status returns a consistent copy of the protection state.
func (s *Supervisor) Status() Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	return Status{
		Channels:  s.states,
		Aggregate: s.aggregate,
		Reverse:   s.reverse,
		Halt:      s.halt,
		Delays:    s.delays,
	}
}

func (s *Supervisor) State(ch powerboard.Channel) ChannelState {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.states[ch]
}

func (s *Supervisor) Halted() Halt {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.halt
}

// Enable switches an output. Switching on fails while the channel is latched
// or the board is halted.
func (s *Supervisor) Enable(ch powerboard.Channel, on bool) error {
	if ch >= powerboard.NumChannels {
		return fmt.Errorf("protect: invalid channel %d", ch)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if on {
		if s.halt != Running {
			return fmt.Errorf("%w: %s", ErrHalted, s.halt)
		}
		if s.states[ch].Inhibited {
			return fmt.Errorf("%w: %s", ErrInhibited, ch)
		}
	}
	return s.drive(ch, on)
}

// Reset clears a latched fault. The output stays off until enabled.
func (s *Supervisor) Reset(ch powerboard.Channel) error {
	if ch >= powerboard.NumChannels {
		return fmt.Errorf("protect: invalid channel %d", ch)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.states[ch].Inhibited = false
	s.states[ch].Counter = 0
	slog.Info("channel fault cleared", "channel", ch.String())
	return nil
}

// DisableAll switches every output off, optionally sparing the brain output.
func (s *Supervisor) DisableAll(keepBrain bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.disableAll(keepBrain)
}

func (s *Supervisor) disableAll(keepBrain bool) {
	for ch := range powerboard.Channel(powerboard.NumChannels) {
		if keepBrain && ch == s.brain {
			continue
		}
		if err := s.drive(ch, false); err != nil {
			slog.Error("could not switch output off", "channel", ch.String(), "error", err)
		}
	}
}

func (s *Supervisor) drive(ch powerboard.Channel, on bool) error {
	var level byte
	if on {
		level = 1
	}
	if err := s.lines.DigitalWrite(s.pins[ch], level); err != nil {
		return fmt.Errorf("protect: could not drive output %s: %w", ch, err)
	}
	s.states[ch].Enabled = on
	return nil
}

// EvaluateChannels runs the over-current check of every sampled output.
// Entries without valid data leave their counters untouched.
func (s *Supervisor) EvaluateChannels(table *analog.Table) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	var errs []error
	for i, e := range table {
		ch := powerboard.Channel(i)
		limit := int32(LowPowerLimitMA)
		if ch.HighPower() {
			limit = HighPowerLimitMA
		}
		if f := s.evaluate(ch, e.Valid, e.CurrentMA, limit, s.delays.CurrentSense); f != nil {
			errs = append(errs, f)
		}
	}
	return errors.Join(errs...)
}

// EvaluateRegulator runs the over-current check of the regulator rail.
func (s *Supervisor) EvaluateRegulator(r power.Reading) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if f := s.evaluate(powerboard.Reg5V, r.Success, r.CurrentMA, RegulatorLimitMA, s.delays.Regulator); f != nil {
		return f
	}
	return nil
}

func (s *Supervisor) evaluate(ch powerboard.Channel, valid bool, current, limit int32, delay uint8) *Fault {
	if !valid {
		return nil
	}
	st := &s.states[ch]
	if current <= limit {
		st.Counter = 0
		return nil
	}
	st.Counter = saturatingInc(st.Counter)
	if st.Counter <= delay || st.Inhibited {
		return nil
	}
	if err := s.drive(ch, false); err != nil {
		slog.Error("could not switch latched output off", "channel", ch.String(), "error", err)
	}
	st.Inhibited = true
	s.indicators.ChannelFault(ch)
	slog.Warn("channel latched off", "channel", ch.String(), "current_ma", current, "limit_ma", limit, "delay", delay)
	return &Fault{Source: ch.String(), Measured: current, Limit: limit, Unit: "mA"}
}

// EvaluateAggregate checks the total output current and the battery current
// against the aggregate limit. The total is made of the valid table entries
// plus the regulator current when that reading succeeded. The counter is
// left alone only when no input is valid. On trip it enters the over-current
// alarm loop and only returns when ctx is cancelled.
func (s *Supervisor) EvaluateAggregate(ctx context.Context, table *analog.Table, regulator, battery power.Reading) error {
	totalValid := regulator.Success || table.AnyValid()
	total := table.Total()
	if regulator.Success {
		total += regulator.CurrentMA
	}
	if !totalValid && !battery.Success {
		return nil
	}
	over := (totalValid && total > AggregateLimitMA) || (battery.Success && battery.CurrentMA > AggregateLimitMA)

	s.mx.Lock()
	if !over {
		s.aggregate = 0
		s.mx.Unlock()
		return nil
	}
	s.aggregate = saturatingInc(s.aggregate)
	tripped := s.aggregate > s.delays.Battery && s.halt == Running
	s.mx.Unlock()
	if !tripped {
		return nil
	}
	slog.Error("aggregate over-current, shutting down", "total_ma", total, "battery_ma", battery.CurrentMA, "limit_ma", AggregateLimitMA)
	return s.overcurrentAlarm(ctx)
}

// EvaluateRails runs the checks fed by the bus-sampled rails: regulator
// over-current, reverse battery current and under-voltage. Under-voltage
// enters the flat battery loop and only returns when ctx is cancelled.
func (s *Supervisor) EvaluateRails(ctx context.Context, battery, regulator power.Reading) error {
	var errs []error
	if err := s.EvaluateRegulator(regulator); err != nil {
		errs = append(errs, err)
	}
	if err := s.CheckNegativeCurrent(battery); err != nil {
		errs = append(errs, err)
	}
	if err := s.CheckUnderVoltage(ctx, battery); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckNegativeCurrent latches the reverse current indicator when the
// battery is back-fed for longer than the negative current delay.
func (s *Supervisor) CheckNegativeCurrent(battery power.Reading) error {
	if !battery.Success {
		return nil
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if battery.CurrentMA >= ReverseLimitMA {
		s.negative = 0
		return nil
	}
	s.negative = saturatingInc(s.negative)
	if s.negative <= s.delays.NegativeCurrent || s.reverse {
		return nil
	}
	s.reverse = true
	s.indicators.ReverseCurrent()
	slog.Warn("reverse battery current", "current_ma", battery.CurrentMA, "limit_ma", ReverseLimitMA)
	return &Fault{Source: "battery", Measured: battery.CurrentMA, Limit: ReverseLimitMA, Unit: "mA"}
}

// CheckUnderVoltage enters the flat battery loop when the battery voltage
// stays below the lockout threshold for longer than the under-voltage delay.
func (s *Supervisor) CheckUnderVoltage(ctx context.Context, battery power.Reading) error {
	if !battery.Success {
		return nil
	}
	s.mx.Lock()
	if battery.VoltageMV >= UnderVoltageMV {
		s.uvlo = 0
		s.mx.Unlock()
		return nil
	}
	s.uvlo = saturatingInc(s.uvlo)
	tripped := s.uvlo > s.delays.UnderVoltage && s.halt != HaltFlatBattery
	s.mx.Unlock()
	if !tripped {
		return nil
	}
	slog.Error("battery under-voltage, shutting down", "voltage_mv", battery.VoltageMV, "limit_mv", UnderVoltageMV)
	return s.flatAlarm(ctx)
}

// overcurrentAlarm switches the outputs off and sounds the alarm until a
// hardware reset. Current is never re-evaluated; the battery voltage is.
func (s *Supervisor) overcurrentAlarm(ctx context.Context) error {
	s.mx.Lock()
	s.disableAll(s.keepBrain)
	s.halt = HaltOvercurrent
	s.mx.Unlock()
	s.down.Do(s.teardown)
	for {
		s.alarm.Sound(ctx)
		s.watchdog.Pet()
		if err := s.sleep(ctx, s.interval); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrHalted, HaltOvercurrent, err)
		}
		if s.poll == nil {
			continue
		}
		if err := s.CheckUnderVoltage(ctx, s.poll(ctx)); err != nil {
			return err
		}
	}
}

// flatAlarm switches every output off, the brain included, and flashes the
// flat battery indicator until a hardware reset.
func (s *Supervisor) flatAlarm(ctx context.Context) error {
	s.mx.Lock()
	s.disableAll(false)
	s.halt = HaltFlatBattery
	s.mx.Unlock()
	s.down.Do(s.teardown)
	for {
		s.indicators.FlatBattery()
		s.watchdog.Pet()
		if err := s.sleep(ctx, s.interval); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrHalted, HaltFlatBattery, err)
		}
	}
}

func saturatingInc(v uint8) uint8 {
	if v < 255 {
		return v + 1
	}
	return v
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopIndicators struct{}

func (nopIndicators) ChannelFault(powerboard.Channel) {}
func (nopIndicators) ReverseCurrent()                 {}
func (nopIndicators) FlatBattery()                    {}

type nopAlarm struct{}

func (nopAlarm) Sound(context.Context) {}

type nopWatchdog struct{}

func (nopWatchdog) Pet() {}
