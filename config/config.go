// Package config holds the board configuration. Protection limits are fixed
// in the protect package and are not configurable.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/analog"
	"github.com/mklimuk/powerboard/panel"
	"github.com/mklimuk/powerboard/power"
	"github.com/mklimuk/powerboard/protect"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	// Tick is the period of the fast cadence.
	Tick time.Duration `yaml:"tick"`
	// RailsEvery is the number of ticks between rail measurements.
	RailsEvery uint32 `yaml:"rails_every"`
	// HousekeepingEvery is the number of ticks between temperature, fan
	// and LED service passes.
	HousekeepingEvery uint32 `yaml:"housekeeping_every"`

	BusSpinLimit int `yaml:"bus_spin_limit"`
	ADCSpinLimit int `yaml:"adc_spin_limit"`

	Battery   power.Rail `yaml:"battery"`
	Regulator power.Rail `yaml:"regulator"`

	Delays                 protect.Delays `yaml:"delays"`
	Brain                  string         `yaml:"brain"`
	KeepBrainOnOvercurrent bool           `yaml:"keep_brain_on_overcurrent"`
	AlarmInterval          time.Duration  `yaml:"alarm_interval"`
	FanThresholdC          int32          `yaml:"fan_threshold_c"`

	Pins      Pins      `yaml:"pins"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Pins struct {
	Outputs      [powerboard.NumChannels]string `yaml:"outputs"`
	SenseDisable [analog.Phases]string          `yaml:"sense_disable"`
	Temperature  string                         `yaml:"temperature"`
	Panel        panel.Pins                     `yaml:"panel"`
}

type Telemetry struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

func Default() Config {
	return Config{
		Tick:              time.Millisecond,
		RailsEvery:        20,
		HousekeepingEvery: 1000,
		BusSpinLimit:      10_000,
		ADCSpinLimit:      1000,
		Battery:           power.BatteryRail,
		Regulator:         power.RegulatorRail,
		Delays:            protect.DefaultDelays(),
		Brain:             powerboard.L0.String(),
		AlarmInterval:     2 * time.Second,
		FanThresholdC:     40,
		Pins: Pins{
			Outputs:      [powerboard.NumChannels]string{"PB10", "PB11", "PC6", "PC7", "PC8", "PC9", "PB5"},
			SenseDisable: [analog.Phases]string{"PC0", "PC1", "PC2", "PC3"},
			Temperature:  "ADC_IN16",
			Panel: panel.Pins{
				Run:      "PA8",
				Error:    "PA9",
				Flat:     "PD2",
				Status:   [powerboard.NumOutputs]string{"PA10", "PA11", "PA12", "PA13", "PA14", "PA15"},
				Buzzer:   "PB0",
				Fan:      "PB1",
				Watchdog: "PB12",
			},
		},
		Telemetry: Telemetry{
			Topic:    "powerboard/status",
			ClientID: "powerboard",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: could not read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: could not parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	slog.Info("configuration loaded", "path", path)
	return cfg, nil
}

// BrainChannel resolves the configured brain output.
func (c Config) BrainChannel() (powerboard.Channel, error) {
	ch, err := powerboard.ParseChannel(c.Brain)
	if err != nil {
		return 0, fmt.Errorf("%w: brain: %w", ErrInvalid, err)
	}
	if ch >= powerboard.NumOutputs {
		return 0, fmt.Errorf("%w: brain must be a switched output, got %s", ErrInvalid, ch)
	}
	return ch, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Tick <= 0 {
		errs = append(errs, fmt.Errorf("%w: tick must be positive", ErrInvalid))
	}
	if c.RailsEvery == 0 || c.HousekeepingEvery == 0 {
		errs = append(errs, fmt.Errorf("%w: cadences must be at least one tick", ErrInvalid))
	}
	if c.BusSpinLimit <= 0 || c.ADCSpinLimit <= 0 {
		errs = append(errs, fmt.Errorf("%w: spin limits must be positive", ErrInvalid))
	}
	for _, r := range []power.Rail{c.Battery, c.Regulator} {
		if r.Address > 0x7F {
			errs = append(errs, fmt.Errorf("%w: rail %s: address %#x is not 7-bit", ErrInvalid, r.Name, r.Address))
		}
		if r.Calibration() == 0 {
			errs = append(errs, fmt.Errorf("%w: rail %s: shunt and current LSB give no calibration value", ErrInvalid, r.Name))
		}
	}
	if c.Battery.Address == c.Regulator.Address {
		errs = append(errs, fmt.Errorf("%w: battery and regulator share address %#x", ErrInvalid, c.Battery.Address))
	}
	if _, err := c.BrainChannel(); err != nil {
		errs = append(errs, err)
	}
	if c.AlarmInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: alarm interval must be positive", ErrInvalid))
	}
	for i, pin := range c.Pins.Outputs {
		if pin == "" {
			errs = append(errs, fmt.Errorf("%w: output %s has no pin", ErrInvalid, powerboard.Channel(i)))
		}
	}
	for i, pin := range c.Pins.SenseDisable {
		if pin == "" {
			errs = append(errs, fmt.Errorf("%w: sense device %d has no disable pin", ErrInvalid, i))
		}
	}
	return errors.Join(errs...)
}

// Dump renders the configuration as YAML.
func (c Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
