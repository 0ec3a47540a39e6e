package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/powerboard"
)

type fakeLines struct {
	mx     sync.Mutex
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
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.err != nil {
		return f.err
	}
	f.level[pin] = val
	f.writes = append(f.writes, fmt.Sprintf("%s=%d", pin, val))
	return nil
}

func (f *fakeLines) Level(pin string) byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.level[pin]
}

var pins = Pins{
	Run:      "run",
	Error:    "err",
	Flat:     "flat",
	Status:   [powerboard.NumOutputs]string{"s0", "s1", "s2", "s3", "s4", "s5"},
	Buzzer:   "buzz",
	Fan:      "fan",
	Watchdog: "wd",
}

func TestIndicator_String(t *testing.T) {
	assert.Equal(t, "run", Run.String())
	assert.Equal(t, "flat", Flat.String())
	assert.Equal(t, "status-L1", Status(powerboard.L1).String())
	assert.Equal(t, "unknown", Indicator(42).String())
}

func TestPanel_SetAndFlash(t *testing.T) {
	lines := newFakeLines()
	p := New(lines, pins)

	require.NoError(t, p.Set(Run, true))
	assert.Equal(t, byte(1), lines.Level("run"))
	assert.True(t, p.Lit(Run))
	assert.Error(t, p.Set(Indicator(42), true))

	p.Flash(Error)
	p.Flash(Indicator(42))
	assert.True(t, p.Flashing(Error))
	assert.False(t, p.Flashing(Indicator(42)))

	require.NoError(t, p.Service())
	assert.Equal(t, byte(1), lines.Level("err"))
	require.NoError(t, p.Service())
	assert.Equal(t, byte(0), lines.Level("err"))
	assert.Equal(t, byte(1), lines.Level("run"), "steady LEDs are not serviced")

	// setting a flashing LED stops the flashing
	require.NoError(t, p.Set(Error, true))
	require.NoError(t, p.Service())
	assert.Equal(t, byte(1), lines.Level("err"))
	assert.False(t, p.Flashing(Error))

	lights := p.Lights()
	assert.Len(t, lights, 3+powerboard.NumOutputs)
	assert.True(t, lights["run"])
	assert.True(t, lights["error"])
	assert.False(t, lights["status-H0"])
}

func TestPanel_Indicators(t *testing.T) {
	lines := newFakeLines()
	p := New(lines, pins)

	p.ChannelFault(powerboard.L2)
	assert.True(t, p.Flashing(Status(powerboard.L2)))
	assert.True(t, p.Flashing(Error))

	p.ChannelFault(powerboard.Reg5V)
	assert.False(t, p.Flashing(Status(powerboard.Reg5V)))

	p.ReverseCurrent()
	assert.True(t, p.Flashing(Error))

	p.FlatBattery()
	assert.Equal(t, byte(1), lines.Level("flat"))
	p.FlatBattery()
	assert.Equal(t, byte(0), lines.Level("flat"))
}

func TestPanel_Sound(t *testing.T) {
	lines := newFakeLines()
	p := New(lines, pins, WithBeep(time.Millisecond))
	p.Sound(context.Background())
	assert.Equal(t, []string{"buzz=1", "buzz=0"}, lines.writes)

	// a cancelled context cuts the beep short but still silences the buzzer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p = New(lines, pins, WithBeep(time.Hour))
	p.Sound(ctx)
	assert.Equal(t, byte(0), lines.Level("buzz"))
}

func TestPanel_WatchdogAndFan(t *testing.T) {
	lines := newFakeLines()
	p := New(lines, pins)
	p.Pet()
	p.Pet()
	p.Pet()
	assert.Equal(t, []string{"wd=1", "wd=0", "wd=1"}, lines.writes)

	require.NoError(t, p.SetFan(true))
	assert.True(t, p.FanOn())
	assert.Equal(t, byte(1), lines.Level("fan"))

	lines.err = errors.New("line stuck")
	assert.Error(t, p.SetFan(false))
	assert.True(t, p.FanOn())
}
