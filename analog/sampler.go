// Package analog samples the output current-sense amplifiers and the chip
// temperature channel.
package analog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gobot.io/x/gobot/v2/drivers/gpio"

	"github.com/mklimuk/powerboard"
)

// Phases is the number of sense devices sharing the converter inputs.
const Phases = 4

const defaultSpinLimit = 1000

var ErrConversionTimeout = errors.New("analog: end of conversion not observed")

// Converter is one ADC unit used in single-shot mode.
type Converter interface {
	StartConversion()
	EndOfConversion() bool
	Value() uint16
}

type SamplerOpt func(*Sampler)

// WithSpinLimit bounds the end-of-conversion poll.
func WithSpinLimit(n int) SamplerOpt {
	return func(s *Sampler) {
		if n > 0 {
			s.spinLimit = n
		}
	}
}

// Sampler rotates two simultaneously triggered converters across the four
// sense devices. Each device has an active-high disable line; at most one
// device is enabled at a time because they share the converter inputs.
type Sampler struct {
	adc1, adc2 Converter
	lines      gpio.DigitalWriter
	disable    [Phases]string
	spinLimit  int
}

func NewSampler(adc1, adc2 Converter, lines gpio.DigitalWriter, disablePins [Phases]string, opts ...SamplerOpt) *Sampler {
	s := &Sampler{
		adc1:      adc1,
		adc2:      adc2,
		lines:     lines,
		disable:   disablePins,
		spinLimit: defaultSpinLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectPhase disables every sense device and then enables device i. An
// index outside 0..3 leaves all of them disabled.
func (s *Sampler) SelectPhase(i int) error {
	for _, pin := range s.disable {
		if err := s.lines.DigitalWrite(pin, 1); err != nil {
			return fmt.Errorf("analog: could not disable sense line %s: %w", pin, err)
		}
	}
	if i < 0 || i >= Phases {
		return nil
	}
	if err := s.lines.DigitalWrite(s.disable[i], 0); err != nil {
		return fmt.Errorf("analog: could not enable sense line %s: %w", s.disable[i], err)
	}
	return nil
}

// SamplePhase selects device i and converts both of its channels.
func (s *Sampler) SamplePhase(ctx context.Context, i int) (uint16, uint16, error) {
	if err := s.SelectPhase(i); err != nil {
		return 0, 0, err
	}
	s.adc1.StartConversion()
	s.adc2.StartConversion()
	for range s.spinLimit {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		if s.adc1.EndOfConversion() && s.adc2.EndOfConversion() {
			return s.adc1.Value(), s.adc2.Value(), nil
		}
	}
	slog.Error("current sense conversion timed out", "phase", i)
	return 0, 0, fmt.Errorf("analog: phase %d: %w", i, ErrConversionTimeout)
}

// RawToCurrent converts a sense reading to milliamps. The sense ratio is
// 7.3373 mA per count.
func RawToCurrent(raw uint32) int32 {
	return int32(7*raw + raw*9671/28672)
}

// Entry is the latest current of one output.
type Entry struct {
	CurrentMA int32 `yaml:"current_ma" json:"current_ma"`
	Valid     bool  `yaml:"valid" json:"valid"`
}

// Table holds the latest sampled current per output.
type Table [powerboard.NumOutputs]Entry

// Store writes the result of phase into the outputs it measures. The high
// power outputs are each fed by a pair of sense channels that are summed.
func (t *Table) Store(phase int, raw1, raw2 uint16) {
	switch phase {
	case 0:
		t[powerboard.H0] = Entry{CurrentMA: RawToCurrent(uint32(raw1) + uint32(raw2)), Valid: true}
	case 1:
		t[powerboard.H1] = Entry{CurrentMA: RawToCurrent(uint32(raw1) + uint32(raw2)), Valid: true}
	case 2:
		t[powerboard.L0] = Entry{CurrentMA: RawToCurrent(uint32(raw1)), Valid: true}
		t[powerboard.L1] = Entry{CurrentMA: RawToCurrent(uint32(raw2)), Valid: true}
	case 3:
		t[powerboard.L2] = Entry{CurrentMA: RawToCurrent(uint32(raw1)), Valid: true}
		t[powerboard.L3] = Entry{CurrentMA: RawToCurrent(uint32(raw2)), Valid: true}
	}
}

// Invalidate marks the outputs of phase as having no data this cycle.
func (t *Table) Invalidate(phase int) {
	for _, ch := range PhaseChannels(phase) {
		t[ch].Valid = false
	}
}

// PhaseChannels returns the outputs measured by phase.
func PhaseChannels(phase int) []powerboard.Channel {
	switch phase {
	case 0:
		return []powerboard.Channel{powerboard.H0}
	case 1:
		return []powerboard.Channel{powerboard.H1}
	case 2:
		return []powerboard.Channel{powerboard.L0, powerboard.L1}
	case 3:
		return []powerboard.Channel{powerboard.L2, powerboard.L3}
	}
	return nil
}

// Total sums the valid entries.
func (t *Table) Total() int32 {
	var sum int32
	for _, e := range t {
		if e.Valid {
			sum += e.CurrentMA
		}
	}
	return sum
}

// AnyValid reports whether at least one output has data.
func (t *Table) AnyValid() bool {
	for _, e := range t {
		if e.Valid {
			return true
		}
	}
	return false
}
