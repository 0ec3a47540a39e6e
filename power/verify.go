package power

import (
	"context"
	"errors"
	"fmt"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/ina219"

	"github.com/mklimuk/powerboard"
)

// ErrConfigMismatch is returned by Verify when a monitor holds other
// register values than its rail programs.
var ErrConfigMismatch = errors.New("ina219: register read-back mismatch")

// txBus adapts a powerboard bus to the TinyGo register helpers. A register
// read is a pointer write followed by a separate read message, which is the
// same protocol the driver uses.
type txBus struct {
	ctx context.Context
	bus powerboard.I2CBus
}

var _ drivers.I2C = &txBus{}

func (b *txBus) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return fmt.Errorf("ina219: invalid 7-bit address %#x", addr)
	}
	if len(w) > 0 {
		if err := b.bus.WriteToAddr(b.ctx, byte(addr), w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		return b.bus.ReadFromAddr(b.ctx, byte(addr), r)
	}
	return nil
}

// Verify reads the configuration and calibration registers back and checks
// them against what rail programs. It is meant to run after Init or Reinit.
func (d *Driver) Verify(ctx context.Context, rail Rail) error {
	dev := ina219.New(&txBus{ctx: ctx, bus: d.bus})
	dev.Address = uint16(rail.Address)
	got, err := dev.ReadConfig()
	if err != nil {
		return fmt.Errorf("ina219 %#x: could not read back registers: %w", rail.Address, err)
	}
	conf, cal := got.RegisterValue(), got.Calibration.RegisterValue()
	if conf != rail.Config() || cal != rail.Calibration() {
		return fmt.Errorf("%w: %s at %#x has config %#04x calibration %d, want %#04x and %d",
			ErrConfigMismatch, rail.Name, rail.Address, conf, cal, rail.Config(), rail.Calibration())
	}
	return nil
}
