package sim

import (
	"fmt"
	"sync"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/analog"
)

// SenseBank models the four sense devices sharing the inputs of the two
// converters. A device drives the inputs only while its disable line is low;
// with no device or more than one device enabled the converters read zero
// and a violation is recorded. An output draws its load only while its
// output line is high.
type SenseBank struct {
	mx         sync.Mutex
	lines      *Lines
	disable    [analog.Phases]string
	outputs    [powerboard.NumOutputs]string
	load       [powerboard.NumOutputs]int32
	stall      int
	violations []string
}

func NewSenseBank(lines *Lines, disablePins [analog.Phases]string, outputPins [powerboard.NumOutputs]string) *SenseBank {
	return &SenseBank{lines: lines, disable: disablePins, outputs: outputPins}
}

// SetLoad sets the current ch draws while switched on.
func (b *SenseBank) SetLoad(ch powerboard.Channel, mA int32) error {
	if ch >= powerboard.NumOutputs {
		return fmt.Errorf("sim: %s is not a sampled output", ch)
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	b.load[ch] = mA
	return nil
}

// Load returns the current ch draws while switched on.
func (b *SenseBank) Load(ch powerboard.Channel) int32 {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.load[ch]
}

// Stall makes the conversions of the next n phases never finish.
func (b *SenseBank) Stall(n int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.stall = n
}

func (b *SenseBank) Violations() []string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return append([]string(nil), b.violations...)
}

// Converters returns the two converter units.
func (b *SenseBank) Converters() (analog.Converter, analog.Converter) {
	return &converter{bank: b, unit: 0}, &converter{bank: b, unit: 1}
}

func (b *SenseBank) enabled() int {
	phase := -1
	for i, pin := range b.disable {
		if b.lines.Level(pin) != 0 {
			continue
		}
		if phase >= 0 {
			b.violations = append(b.violations, fmt.Sprintf("sense devices %d and %d enabled together", phase, i))
			return -1
		}
		phase = i
	}
	return phase
}

func (b *SenseBank) drawn(ch powerboard.Channel) int32 {
	if b.lines.Level(b.outputs[ch]) == 0 {
		return 0
	}
	return b.load[ch]
}

// raw returns what converter unit reads while device phase is enabled.
func (b *SenseBank) raw(phase, unit int) uint16 {
	switch phase {
	case 0, 1:
		// the pair is summed, each channel carries half
		total := RawForCurrent(b.drawn(powerboard.Channel(phase)))
		hi := total / 2
		if unit == 0 {
			return clamp12(total - hi)
		}
		return clamp12(hi)
	case 2, 3:
		ch := analog.PhaseChannels(phase)[unit]
		return clamp12(RawForCurrent(b.drawn(ch)))
	}
	return 0
}

type converter struct {
	bank    *SenseBank
	unit    int
	pending bool
	stalled bool
	value   uint16
}

func (c *converter) StartConversion() {
	b := c.bank
	b.mx.Lock()
	defer b.mx.Unlock()
	c.pending = true
	c.stalled = false
	// both units trigger together; the stall budget is spent by unit 0
	if b.stall > 0 {
		c.stalled = true
		if c.unit == 0 {
			b.stall--
		}
		return
	}
	c.value = 0
	if phase := b.enabled(); phase >= 0 {
		c.value = b.raw(phase, c.unit)
	}
}

func (c *converter) EndOfConversion() bool {
	return c.pending && !c.stalled
}

func (c *converter) Value() uint16 {
	c.pending = false
	return c.value
}

// RawForCurrent returns the smallest sense reading that converts to at
// least mA.
func RawForCurrent(mA int32) uint32 {
	if mA <= 0 {
		return 0
	}
	raw := uint32(int64(mA) * 28672 / (7*28672 + 9671))
	for analog.RawToCurrent(raw) < mA {
		raw++
	}
	return raw
}

func clamp12(v uint32) uint16 {
	if v > 0x0FFF {
		return 0x0FFF
	}
	return uint16(v)
}
