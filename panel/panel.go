// Package panel drives the operator facing parts of the board: status LEDs,
// the buzzer, the cooling fan and the external watchdog line.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gobot.io/x/gobot/v2/drivers/gpio"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/protect"
)

// Indicator is one LED.
type Indicator uint8

const (
	Run Indicator = iota
	Error
	Flat
	statusBase
)

// Status returns the status LED of an output.
func Status(ch powerboard.Channel) Indicator {
	return statusBase + Indicator(ch)
}

func (i Indicator) String() string {
	switch i {
	case Run:
		return "run"
	case Error:
		return "error"
	case Flat:
		return "flat"
	}
	if i >= statusBase && i < statusBase+powerboard.NumOutputs {
		return "status-" + powerboard.Channel(i-statusBase).String()
	}
	return "unknown"
}

// Pins maps the panel parts to GPIO pin names.
type Pins struct {
	Run      string                        `yaml:"run"`
	Error    string                        `yaml:"error"`
	Flat     string                        `yaml:"flat"`
	Status   [powerboard.NumOutputs]string `yaml:"status"`
	Buzzer   string                        `yaml:"buzzer"`
	Fan      string                        `yaml:"fan"`
	Watchdog string                        `yaml:"watchdog"`
}

var (
	_ protect.Indicators = &Panel{}
	_ protect.Alarm      = &Panel{}
	_ protect.Watchdog   = &Panel{}
)

type Opt func(*Panel)

// WithBeep sets how long the buzzer sounds on every alarm pass.
func WithBeep(d time.Duration) Opt {
	return func(p *Panel) { p.beep = d }
}

type Panel struct {
	lines  gpio.DigitalWriter
	pins   Pins
	beep   time.Duration
	buzzer *gpio.BuzzerDriver

	mx       sync.Mutex
	leds     map[Indicator]*gpio.LedDriver
	flashing map[Indicator]bool
	fan      bool
	wdLevel  byte
}

func New(lines gpio.DigitalWriter, pins Pins, opts ...Opt) *Panel {
	p := &Panel{
		lines:    lines,
		pins:     pins,
		beep:     200 * time.Millisecond,
		buzzer:   gpio.NewBuzzerDriver(lines, pins.Buzzer),
		leds:     make(map[Indicator]*gpio.LedDriver),
		flashing: make(map[Indicator]bool),
	}
	p.leds[Run] = gpio.NewLedDriver(lines, pins.Run)
	p.leds[Error] = gpio.NewLedDriver(lines, pins.Error)
	p.leds[Flat] = gpio.NewLedDriver(lines, pins.Flat)
	for i, pin := range pins.Status {
		p.leds[Status(powerboard.Channel(i))] = gpio.NewLedDriver(lines, pin)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Set switches an LED on or off and stops it flashing.
func (p *Panel) Set(ind Indicator, on bool) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	led, ok := p.leds[ind]
	if !ok {
		return fmt.Errorf("panel: unknown indicator %d", ind)
	}
	delete(p.flashing, ind)
	if on {
		return led.On()
	}
	return led.Off()
}

// Flash makes Service toggle the LED.
func (p *Panel) Flash(ind Indicator) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if _, ok := p.leds[ind]; ok {
		p.flashing[ind] = true
	}
}

func (p *Panel) Flashing(ind Indicator) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.flashing[ind]
}

func (p *Panel) Lit(ind Indicator) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	led, ok := p.leds[ind]
	return ok && led.State()
}

// Service toggles every flashing LED. It runs on the slow cadence.
func (p *Panel) Service() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	for ind := range p.flashing {
		if err := p.leds[ind].Toggle(); err != nil {
			return fmt.Errorf("panel: could not toggle %s: %w", ind, err)
		}
	}
	return nil
}

// Lights returns the state of every LED keyed by name.
func (p *Panel) Lights() map[string]bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	out := make(map[string]bool, len(p.leds))
	for ind, led := range p.leds {
		out[ind.String()] = led.State()
	}
	return out
}

func (p *Panel) ChannelFault(ch powerboard.Channel) {
	if ch < powerboard.NumOutputs {
		p.Flash(Status(ch))
	}
	p.Flash(Error)
}

func (p *Panel) ReverseCurrent() {
	p.Flash(Error)
}

func (p *Panel) FlatBattery() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if err := p.leds[Flat].Toggle(); err != nil {
		slog.Error("could not toggle flat indicator", "error", err)
	}
}

// Sound beeps once.
func (p *Panel) Sound(ctx context.Context) {
	if err := p.buzzer.On(); err != nil {
		slog.Error("could not sound buzzer", "error", err)
		return
	}
	t := time.NewTimer(p.beep)
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	t.Stop()
	if err := p.buzzer.Off(); err != nil {
		slog.Error("could not silence buzzer", "error", err)
	}
}

// Pet toggles the watchdog line.
func (p *Panel) Pet() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.wdLevel ^= 1
	if err := p.lines.DigitalWrite(p.pins.Watchdog, p.wdLevel); err != nil {
		slog.Error("could not pet watchdog", "error", err)
	}
}

func (p *Panel) SetFan(on bool) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	var level byte
	if on {
		level = 1
	}
	if err := p.lines.DigitalWrite(p.pins.Fan, level); err != nil {
		return fmt.Errorf("panel: could not switch fan: %w", err)
	}
	p.fan = on
	return nil
}

func (p *Panel) FanOn() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.fan
}
