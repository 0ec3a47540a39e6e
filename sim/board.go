package sim

import (
	"fmt"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/analog"
	"github.com/mklimuk/powerboard/config"
	"github.com/mklimuk/powerboard/i2c/i2csim"
	"github.com/mklimuk/powerboard/power"
)

// conversion ready flag of the bus voltage register
const busVoltageReady = 0b010

// Board is a simulated power distribution board wired as described by a
// configuration.
type Board struct {
	cfg        config.Config
	Lines      *Lines
	Sense      *SenseBank
	Peripheral *i2csim.Peripheral
	Battery    *i2csim.Registers
	Regulator  *i2csim.Registers
	// zero-current bias of each rail monitor in raw counts
	batteryBias, regulatorBias int16
}

func NewBoard(cfg config.Config) *Board {
	lines := NewLines()
	b := &Board{
		cfg:           cfg,
		Lines:         lines,
		Sense:         NewSenseBank(lines, cfg.Pins.SenseDisable, [powerboard.NumOutputs]string(cfg.Pins.Outputs[:powerboard.NumOutputs])),
		Battery:       i2csim.NewRegisters(cfg.Battery.Address),
		Regulator:     i2csim.NewRegisters(cfg.Regulator.Address),
		batteryBias:   16,
		regulatorBias: -3,
	}
	b.Peripheral = i2csim.NewPeripheral(b.Battery, b.Regulator)
	// sense devices are held disabled by pull-ups until driven
	for _, pin := range cfg.Pins.SenseDisable {
		_ = lines.DigitalWrite(pin, 1)
	}
	lines.ClearHistory()
	b.SetBattery(12_600, 0)
	b.SetRegulator(5_000, 0)
	b.SetTemperature(25)
	return b
}

// SetBattery sets what the battery monitor reports.
func (b *Board) SetBattery(mV, mA int32) {
	setRail(b.Battery, b.cfg.Battery, b.batteryBias, mV, mA)
}

// SetRegulator sets what the regulator monitor reports.
func (b *Board) SetRegulator(mV, mA int32) {
	setRail(b.Regulator, b.cfg.Regulator, b.regulatorBias, mV, mA)
}

func setRail(regs *i2csim.Registers, rail power.Rail, bias int16, mV, mA int32) {
	if mV < 0 {
		mV = 0
	}
	regs.Set(power.RegBusVoltage, uint16(mV/4)<<3|busVoltageReady)
	raw := int32(bias)
	if rail.CurrentLSBMicroAmp > 0 {
		raw += mA * 1000 / int32(rail.CurrentLSBMicroAmp)
	}
	regs.Set(power.RegCurrent, uint16(int16(raw)))
}

// SetOutputCurrent sets the current one sampled output draws while it is
// switched on.
func (b *Board) SetOutputCurrent(ch powerboard.Channel, mA int32) error {
	return b.Sense.SetLoad(ch, mA)
}

// SetTemperature sets the chip temperature input to the reading closest to c.
func (b *Board) SetTemperature(c int32) {
	best, diff := 0, int32(1<<30)
	for raw := 0; raw <= 0x0FFF; raw++ {
		d := analog.ChipTemperature(uint16(raw)) - c
		if d < 0 {
			d = -d
		}
		if d < diff {
			best, diff = raw, d
		}
	}
	b.Lines.SetAnalog(b.cfg.Pins.Temperature, best)
}

// Nack makes the next n battery monitor reads go unacknowledged.
func (b *Board) Nack(n int) {
	b.Battery.NackReads(n)
}

// Output reports whether an output line is driven high.
func (b *Board) Output(ch powerboard.Channel) bool {
	return b.Lines.Level(b.cfg.Pins.Outputs[ch]) == 1
}

// Fan reports whether the fan line is driven high.
func (b *Board) Fan() bool {
	return b.Lines.Level(b.cfg.Pins.Panel.Fan) == 1
}

// Buzzes returns how many times the buzzer was switched on.
func (b *Board) Buzzes() int {
	return b.Lines.Rises(b.cfg.Pins.Panel.Buzzer)
}

// WatchdogPets returns how many times the watchdog line was toggled.
func (b *Board) WatchdogPets() int {
	return b.Lines.Writes(b.cfg.Pins.Panel.Watchdog)
}

func (b *Board) String() string {
	return fmt.Sprintf("sim-board(battery=%#x, regulator=%#x)", b.cfg.Battery.Address, b.cfg.Regulator.Address)
}
