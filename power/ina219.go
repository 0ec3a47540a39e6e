// Package power reads the battery and regulator rails through INA219-class
// current/voltage monitors.
// See: https://www.ti.com/lit/ds/symlink/ina219.pdf
package power

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/powerboard"
)

// Reading is one measurement of a rail. It is immutable once published.
type Reading struct {
	VoltageMV int32 `yaml:"voltage_mv" json:"voltage_mv"`
	CurrentMA int32 `yaml:"current_ma" json:"current_ma"`
	Success   bool  `yaml:"success" json:"success"`
}

// Readings is the snapshot of both rails taken on one slow tick.
type Readings struct {
	Battery   Reading   `yaml:"battery" json:"battery"`
	Regulator Reading   `yaml:"regulator" json:"regulator"`
	Taken     time.Time `yaml:"taken" json:"taken"`
}

// Sensor is what the scheduler needs from the rail monitors.
type Sensor interface {
	Init(ctx context.Context, rail Rail) error
	Reinit(ctx context.Context, rail Rail) error
	Measure(ctx context.Context, addr byte) Reading
}

var _ Sensor = &Driver{}

type DriverOpt func(*Driver)

// WithSleep replaces time.Sleep for the calibration wait.
func WithSleep(sleep func(time.Duration)) DriverOpt {
	return func(d *Driver) {
		d.sleep = sleep
	}
}

// Driver talks to every monitor on one bus. Calibration offsets are kept per
// address for the lifetime of the driver. Init always stores a new one,
// Reinit only when none was stored yet.
type Driver struct {
	bus   powerboard.I2CBus
	sleep func(time.Duration)

	mx      sync.Mutex
	rails   map[byte]Rail
	offsets map[byte]int16
}

func NewDriver(bus powerboard.I2CBus, opts ...DriverOpt) *Driver {
	d := &Driver{
		bus:     bus,
		sleep:   time.Sleep,
		rails:   make(map[byte]Rail),
		offsets: make(map[byte]int16),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init programs the calibration and configuration registers and, if the
// rail asks for it, stores the raw zero-current bias after one conversion.
func (d *Driver) Init(ctx context.Context, rail Rail) error {
	if err := d.program(ctx, rail); err != nil {
		return err
	}
	if !rail.CalibrateOffset {
		return nil
	}
	return d.calibrate(ctx, rail)
}

// Reinit programs the registers again and keeps the stored offset. It is
// used to recover a device after a bus failure. A rail whose offset was
// never stored is calibrated here.
func (d *Driver) Reinit(ctx context.Context, rail Rail) error {
	if err := d.program(ctx, rail); err != nil {
		return err
	}
	if _, ok := d.Offset(rail.Address); ok || !rail.CalibrateOffset {
		return nil
	}
	return d.calibrate(ctx, rail)
}

func (d *Driver) calibrate(ctx context.Context, rail Rail) error {
	d.sleep(rail.ConversionTime())
	raw, err := d.readRegister(ctx, rail.Address, RegCurrent)
	if err != nil {
		return fmt.Errorf("ina219 %#x: could not sample offset: %w", rail.Address, err)
	}
	d.mx.Lock()
	d.offsets[rail.Address] = int16(raw)
	d.mx.Unlock()
	slog.Info("current offset calibrated", "rail", rail.Name, "addr", fmt.Sprintf("%#x", rail.Address), "offset", int16(raw))
	return nil
}

func (d *Driver) program(ctx context.Context, rail Rail) error {
	cal := rail.Calibration()
	err := d.bus.WriteToAddr(ctx, rail.Address, []byte{RegCalibration, byte(cal >> 8), byte(cal)})
	if err != nil {
		return fmt.Errorf("ina219 %#x: could not write calibration: %w", rail.Address, err)
	}
	conf := rail.Config()
	err = d.bus.WriteToAddr(ctx, rail.Address, []byte{RegConfig, byte(conf >> 8), byte(conf)})
	if err != nil {
		return fmt.Errorf("ina219 %#x: could not write config: %w", rail.Address, err)
	}
	d.mx.Lock()
	d.rails[rail.Address] = rail
	d.mx.Unlock()
	return nil
}

// Offset returns the stored bias for addr.
func (d *Driver) Offset(addr byte) (int16, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()
	o, ok := d.offsets[addr]
	return o, ok
}

// Measure reads current and bus voltage. Both reads are always attempted;
// Success is false if either failed or the bus was stalled at any point.
func (d *Driver) Measure(ctx context.Context, addr byte) Reading {
	d.mx.Lock()
	rail, known := d.rails[addr]
	offset := d.offsets[addr]
	d.mx.Unlock()
	if !known {
		rail = Rail{Address: addr, CurrentLSBMicroAmp: 1000}
	}

	var r Reading
	rawI, errI := d.readRegister(ctx, addr, RegCurrent)
	r.CurrentMA = rail.ToMilliamps(int32(int16(rawI)) - int32(offset))

	rawV, errV := d.readRegister(ctx, addr, RegBusVoltage)
	r.VoltageMV = int32((rawV & 0xFFF8) >> 1)

	r.Success = errI == nil && errV == nil && !d.stalled()
	if !r.Success {
		slog.Debug("rail measurement failed", "addr", fmt.Sprintf("%#x", addr), "current_err", errI, "voltage_err", errV)
	}
	return r
}

func (d *Driver) stalled() bool {
	s, ok := d.bus.(powerboard.StickyBus)
	return ok && s.Failed()
}

// readRegister moves the register pointer (START, reg, STOP) and reads the
// 16-bit big-endian value in a fresh message.
func (d *Driver) readRegister(ctx context.Context, addr, reg byte) (uint16, error) {
	if err := d.bus.WriteToAddr(ctx, addr, []byte{reg}); err != nil {
		return 0, fmt.Errorf("ina219 %#x: could not set register pointer %#x: %w", addr, reg, err)
	}
	buf := make([]byte, 2)
	if err := d.bus.ReadFromAddr(ctx, addr, buf); err != nil {
		return 0, fmt.Errorf("ina219 %#x: could not read register %#x: %w", addr, reg, err)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}
