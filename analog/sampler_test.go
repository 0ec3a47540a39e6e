package analog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/powerboard"
)

type fakeLines struct {
	level  map[string]byte
	writes []string
	err    error
}

func newFakeLines() *fakeLines { return &fakeLines{level: make(map[string]byte)} }

func (f *fakeLines) Name() string    { return "lines" }
func (f *fakeLines) SetName(string)  {}
func (f *fakeLines) Connect() error  { return nil }
func (f *fakeLines) Finalize() error { return nil }
func (f *fakeLines) DigitalWrite(pin string, val byte) error {
	if f.err != nil {
		return f.err
	}
	f.level[pin] = val
	f.writes = append(f.writes, fmt.Sprintf("%s=%d", pin, val))
	return nil
}

type fakeConverter struct {
	value   uint16
	started int
	never   bool
}

func (c *fakeConverter) StartConversion()      { c.started++ }
func (c *fakeConverter) EndOfConversion() bool { return !c.never && c.started > 0 }
func (c *fakeConverter) Value() uint16         { return c.value }

var pins = [Phases]string{"csdis0", "csdis1", "csdis2", "csdis3"}

func TestRawToCurrent(t *testing.T) {
	assert.Equal(t, int32(0), RawToCurrent(0))
	assert.Equal(t, int32(7), RawToCurrent(1))
	assert.Equal(t, int32(7337), RawToCurrent(1000))
	prev := RawToCurrent(0)
	for raw := uint32(1); raw <= 8190; raw++ {
		cur := RawToCurrent(raw)
		require.GreaterOrEqual(t, cur, prev, "raw %d", raw)
		prev = cur
	}
}

func TestSampler_SelectPhase(t *testing.T) {
	lines := newFakeLines()
	s := NewSampler(&fakeConverter{}, &fakeConverter{}, lines, pins)
	for phase := range Phases {
		require.NoError(t, s.SelectPhase(phase))
		enabled := 0
		for i, pin := range pins {
			if lines.level[pin] == 0 {
				enabled++
				assert.Equal(t, phase, i)
			}
		}
		assert.Equal(t, 1, enabled)
	}
	require.NoError(t, s.SelectPhase(Phases))
	for _, pin := range pins {
		assert.Equal(t, byte(1), lines.level[pin])
	}
}

func TestSampler_DisablesBeforeEnabling(t *testing.T) {
	lines := newFakeLines()
	s := NewSampler(&fakeConverter{}, &fakeConverter{}, lines, pins)
	require.NoError(t, s.SelectPhase(2))
	assert.Equal(t, []string{"csdis0=1", "csdis1=1", "csdis2=1", "csdis3=1", "csdis2=0"}, lines.writes)
}

func TestSampler_SamplePhase(t *testing.T) {
	a1, a2 := &fakeConverter{value: 100}, &fakeConverter{value: 200}
	s := NewSampler(a1, a2, newFakeLines(), pins)
	r1, r2, err := s.SamplePhase(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), r1)
	assert.Equal(t, uint16(200), r2)
	assert.Equal(t, 1, a1.started)
	assert.Equal(t, 1, a2.started)
}

func TestSampler_ConversionTimeout(t *testing.T) {
	s := NewSampler(&fakeConverter{}, &fakeConverter{never: true}, newFakeLines(), pins, WithSpinLimit(3))
	_, _, err := s.SamplePhase(context.Background(), 0)
	assert.ErrorIs(t, err, ErrConversionTimeout)
}

func TestSampler_LineFailure(t *testing.T) {
	lines := newFakeLines()
	lines.err = errors.New("gpio")
	s := NewSampler(&fakeConverter{}, &fakeConverter{}, lines, pins)
	_, _, err := s.SamplePhase(context.Background(), 0)
	assert.Error(t, err)
}

func TestTable_Store(t *testing.T) {
	var table Table
	table.Store(0, 1000, 1000)
	table.Store(1, 500, 0)
	table.Store(2, 100, 200)
	table.Store(3, 300, 400)

	assert.Equal(t, Entry{CurrentMA: RawToCurrent(2000), Valid: true}, table[powerboard.H0])
	assert.Equal(t, Entry{CurrentMA: RawToCurrent(500), Valid: true}, table[powerboard.H1])
	assert.Equal(t, RawToCurrent(100), table[powerboard.L0].CurrentMA)
	assert.Equal(t, RawToCurrent(200), table[powerboard.L1].CurrentMA)
	assert.Equal(t, RawToCurrent(300), table[powerboard.L2].CurrentMA)
	assert.Equal(t, RawToCurrent(400), table[powerboard.L3].CurrentMA)

	table.Invalidate(2)
	assert.False(t, table[powerboard.L0].Valid)
	assert.False(t, table[powerboard.L1].Valid)
	assert.True(t, table[powerboard.L2].Valid)
	assert.Equal(t, RawToCurrent(2000)+RawToCurrent(500)+RawToCurrent(300)+RawToCurrent(400), table.Total())
}

type fakeAnalog struct {
	raw int
	err error
}

func (f *fakeAnalog) Name() string                   { return "adc" }
func (f *fakeAnalog) SetName(string)                 {}
func (f *fakeAnalog) Connect() error                 { return nil }
func (f *fakeAnalog) Finalize() error                { return nil }
func (f *fakeAnalog) AnalogRead(string) (int, error) { return f.raw, f.err }

func TestChipTemperature(t *testing.T) {
	tests := []struct {
		raw      uint16
		expected int32
	}{
		{1774, 25},
		{1241, 125},
		{2048, -26},
	}
	for _, test := range tests {
		t.Run(fmt.Sprint(test.raw), func(t *testing.T) {
			assert.Equal(t, test.expected, ChipTemperature(test.raw))
		})
	}
}

func TestTemperatureSensor(t *testing.T) {
	s := NewTemperatureSensor(&fakeAnalog{raw: 1774}, "temp")
	temp, err := s.GetTemperature()
	require.NoError(t, err)
	assert.Equal(t, int32(25), temp)

	s = NewTemperatureSensor(&fakeAnalog{raw: 5000}, "temp")
	_, err = s.GetTemperature()
	assert.Error(t, err)

	s = NewTemperatureSensor(&fakeAnalog{err: errors.New("adc")}, "temp")
	_, err = s.GetTemperature()
	assert.Error(t, err)
}
