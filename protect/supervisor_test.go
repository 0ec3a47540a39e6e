package protect

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
	"github.com/mklimuk/powerboard/analog"
	"github.com/mklimuk/powerboard/power"
)

var outputPins = [powerboard.NumChannels]string{"h0", "h1", "l0", "l1", "l2", "l3", "5v"}

type fakeLines struct {
	mx    sync.Mutex
	level map[string]byte
}

func newFakeLines() *fakeLines { return &fakeLines{level: make(map[string]byte)} }

func (f *fakeLines) Name() string    { return "lines" }
func (f *fakeLines) SetName(string)  {}
func (f *fakeLines) Connect() error  { return nil }
func (f *fakeLines) Finalize() error { return nil }
func (f *fakeLines) DigitalWrite(pin string, val byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.level[pin] = val
	return nil
}

func (f *fakeLines) Level(ch powerboard.Channel) byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.level[outputPins[ch]]
}

type recorder struct {
	faults  []powerboard.Channel
	reverse int
	flat    int
	sounds  int
	pets    int
}

func (r *recorder) ChannelFault(ch powerboard.Channel) { r.faults = append(r.faults, ch) }
func (r *recorder) ReverseCurrent()                    { r.reverse++ }
func (r *recorder) FlatBattery()                       { r.flat++ }
func (r *recorder) Sound(context.Context)              { r.sounds++ }
func (r *recorder) Pet()                               { r.pets++ }

// cancelAfter returns a sleep that lets n alarm passes through and then
// cancels the loop.
func cancelAfter(n int, cancel context.CancelFunc) func(context.Context, time.Duration) error {
	calls := 0
	return func(ctx context.Context, d time.Duration) error {
		calls++
		if calls >= n {
			cancel()
		}
		return ctx.Err()
	}
}

func newSupervisor(t *testing.T, opts ...Opt) (*Supervisor, *fakeLines, *recorder) {
	t.Helper()
	lines := newFakeLines()
	rec := &recorder{}
	opts = append([]Opt{WithIndicators(rec), WithAlarm(rec), WithWatchdog(rec)}, opts...)
	s := NewSupervisor(lines, outputPins, opts...)
	for ch := range powerboard.Channel(powerboard.NumChannels) {
		require.NoError(t, s.Enable(ch, true))
	}
	return s, lines, rec
}

func ma(a int32) int32 { return a * 1000 }

func TestSupervisor_Debounce(t *testing.T) {
	s, lines, rec := newSupervisor(t)
	var table analog.Table
	table[powerboard.L1] = analog.Entry{CurrentMA: ma(11), Valid: true}

	for range 4 {
		require.NoError(t, s.EvaluateChannels(&table))
	}
	assert.False(t, s.State(powerboard.L1).Inhibited)
	assert.Equal(t, uint8(4), s.State(powerboard.L1).Counter)

	err := s.EvaluateChannels(&table)
	require.ErrorIs(t, err, ErrThresholdExceeded)
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "L1", fault.Source)
	assert.True(t, s.State(powerboard.L1).Inhibited)
	assert.Equal(t, byte(0), lines.Level(powerboard.L1))
	assert.Equal(t, []powerboard.Channel{powerboard.L1}, rec.faults)

	table[powerboard.L1] = analog.Entry{CurrentMA: ma(1), Valid: true}
	require.NoError(t, s.EvaluateChannels(&table))
	assert.True(t, s.State(powerboard.L1).Inhibited)
	assert.Equal(t, uint8(0), s.State(powerboard.L1).Counter)
}

func TestSupervisor_HighPowerSequence(t *testing.T) {
	s, lines, _ := newSupervisor(t)
	var table analog.Table
	steps := []struct {
		amps      int32
		inhibited bool
	}{
		{20, false},
		{19, false},
		{21, false},
		{21, false},
		{21, false},
		{21, false},
		{21, true},
	}
	for i, step := range steps {
		table[powerboard.H0] = analog.Entry{CurrentMA: ma(step.amps), Valid: true}
		_ = s.EvaluateChannels(&table)
		assert.Equal(t, step.inhibited, s.State(powerboard.H0).Inhibited, "step %d", i)
		expected := byte(1)
		if step.inhibited {
			expected = 0
		}
		assert.Equal(t, expected, lines.Level(powerboard.H0), "step %d", i)
	}
}

func TestSupervisor_InvalidReadingKeepsCounter(t *testing.T) {
	s, _, _ := newSupervisor(t)
	var table analog.Table
	table[powerboard.H1] = analog.Entry{CurrentMA: ma(25), Valid: true}
	require.NoError(t, s.EvaluateChannels(&table))
	require.NoError(t, s.EvaluateChannels(&table))
	table[powerboard.H1].Valid = false
	table[powerboard.H1].CurrentMA = 0
	require.NoError(t, s.EvaluateChannels(&table))
	assert.Equal(t, uint8(2), s.State(powerboard.H1).Counter)

	require.NoError(t, s.EvaluateRegulator(power.Reading{CurrentMA: 3000, Success: true}))
	require.NoError(t, s.EvaluateRegulator(power.Reading{Success: false}))
	assert.Equal(t, uint8(1), s.State(powerboard.Reg5V).Counter)
}

func TestSupervisor_EnableAndReset(t *testing.T) {
	s, lines, _ := newSupervisor(t, WithDelays(Delays{CurrentSense: 0}))
	var table analog.Table
	table[powerboard.L3] = analog.Entry{CurrentMA: ma(15), Valid: true}
	require.Error(t, s.EvaluateChannels(&table))

	assert.ErrorIs(t, s.Enable(powerboard.L3, true), ErrInhibited)
	assert.NoError(t, s.Enable(powerboard.L3, false))
	require.NoError(t, s.Reset(powerboard.L3))
	assert.Equal(t, byte(0), lines.Level(powerboard.L3), "reset must not switch the output on")
	require.NoError(t, s.Enable(powerboard.L3, true))
	assert.Equal(t, byte(1), lines.Level(powerboard.L3))
	assert.Error(t, s.Enable(powerboard.Channel(9), true))
}

func TestSupervisor_Regulator(t *testing.T) {
	s, lines, _ := newSupervisor(t)
	r := power.Reading{VoltageMV: 5000, CurrentMA: 2001, Success: true}
	for range 20 {
		require.NoError(t, s.EvaluateRegulator(r))
	}
	assert.Error(t, s.EvaluateRegulator(r))
	assert.True(t, s.State(powerboard.Reg5V).Inhibited)
	assert.Equal(t, byte(0), lines.Level(powerboard.Reg5V))
}

func TestSupervisor_UnderVoltageThreshold(t *testing.T) {
	tests := []struct {
		mv   int32
		trip bool
	}{
		{10200, false},
		{10199, true},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%dmV", test.mv), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			torn := 0
			s, lines, rec := newSupervisor(t,
				WithBrain(powerboard.L0, true),
				WithTeardown(func() { torn++ }),
				WithSleep(cancelAfter(3, cancel)),
			)
			err := s.CheckUnderVoltage(ctx, power.Reading{VoltageMV: test.mv, Success: true})
			if !test.trip {
				assert.NoError(t, err)
				assert.Equal(t, Running, s.Halted())
				return
			}
			require.ErrorIs(t, err, ErrHalted)
			assert.Equal(t, HaltFlatBattery, s.Halted())
			assert.Equal(t, 1, torn)
			assert.Equal(t, 3, rec.flat)
			assert.Equal(t, 3, rec.pets)
			for ch := range powerboard.Channel(powerboard.NumChannels) {
				assert.Equal(t, byte(0), lines.Level(ch), "channel %s", ch)
			}
			assert.ErrorIs(t, s.Enable(powerboard.H0, true), ErrHalted)
		})
	}
}

func TestSupervisor_UnderVoltageIgnoresFailedReading(t *testing.T) {
	s, _, _ := newSupervisor(t)
	assert.NoError(t, s.CheckUnderVoltage(context.Background(), power.Reading{VoltageMV: 0, Success: false}))
	assert.Equal(t, Running, s.Halted())
}

func TestSupervisor_AggregateTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	polls := 0
	s, lines, rec := newSupervisor(t,
		WithDelays(Delays{Battery: 2, UnderVoltage: 0}),
		WithBrain(powerboard.L0, true),
		WithSleep(cancelAfter(4, cancel)),
		WithBatteryPoll(func(context.Context) power.Reading {
			polls++
			return power.Reading{VoltageMV: 12000, CurrentMA: 100, Success: true}
		}),
	)
	var table analog.Table
	table[powerboard.H0] = analog.Entry{CurrentMA: ma(15), Valid: true}
	table[powerboard.H1] = analog.Entry{CurrentMA: ma(15), Valid: true}
	reg := power.Reading{VoltageMV: 5000, CurrentMA: 500, Success: true}
	battery := power.Reading{VoltageMV: 12000, CurrentMA: ma(29), Success: true}

	require.NoError(t, s.EvaluateAggregate(ctx, &table, reg, battery))
	require.NoError(t, s.EvaluateAggregate(ctx, &table, reg, battery))
	assert.Equal(t, uint8(2), s.Status().Aggregate)

	err := s.EvaluateAggregate(ctx, &table, reg, battery)
	require.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, HaltOvercurrent, s.Halted())
	assert.Equal(t, 4, rec.sounds)
	assert.Equal(t, 3, polls)
	assert.Equal(t, byte(1), lines.Level(powerboard.L0), "brain output is kept")
	assert.Equal(t, byte(0), lines.Level(powerboard.H0))
	assert.Equal(t, byte(0), lines.Level(powerboard.Reg5V))
}

func TestSupervisor_AggregateBatteryOnly(t *testing.T) {
	s, _, _ := newSupervisor(t, WithDelays(Delays{Battery: 5}))
	var table analog.Table
	battery := power.Reading{CurrentMA: ma(31), Success: true}
	require.NoError(t, s.EvaluateAggregate(context.Background(), &table, power.Reading{}, battery))
	assert.Equal(t, uint8(1), s.Status().Aggregate)

	// no usable path: counter unchanged
	require.NoError(t, s.EvaluateAggregate(context.Background(), &table, power.Reading{}, power.Reading{}))
	assert.Equal(t, uint8(1), s.Status().Aggregate)

	require.NoError(t, s.EvaluateAggregate(context.Background(), &table, power.Reading{}, power.Reading{CurrentMA: 100, Success: true}))
	assert.Equal(t, uint8(0), s.Status().Aggregate)
}

func TestSupervisor_AggregateSampledOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, lines, _ := newSupervisor(t,
		WithDelays(Delays{Battery: 20}),
		WithBrain(powerboard.L0, true),
		WithSleep(cancelAfter(1, cancel)),
	)
	var table analog.Table
	table[powerboard.H0] = analog.Entry{CurrentMA: ma(19), Valid: true}
	table[powerboard.H1] = analog.Entry{CurrentMA: ma(19), Valid: true}
	// a failed regulator reading does not count towards the total
	failed := power.Reading{CurrentMA: ma(-30)}

	for range 20 {
		require.NoError(t, s.EvaluateAggregate(ctx, &table, failed, power.Reading{}))
	}
	assert.Equal(t, uint8(20), s.Status().Aggregate)
	assert.Equal(t, byte(1), lines.Level(powerboard.H0))

	err := s.EvaluateAggregate(ctx, &table, failed, power.Reading{})
	require.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, HaltOvercurrent, s.Halted())
	assert.Equal(t, byte(0), lines.Level(powerboard.H0))
}

func TestSupervisor_AggregateSampledBelowLimit(t *testing.T) {
	s, _, _ := newSupervisor(t, WithDelays(Delays{Battery: 5}))
	var table analog.Table
	battery := power.Reading{CurrentMA: ma(31), Success: true}
	require.NoError(t, s.EvaluateAggregate(context.Background(), &table, power.Reading{}, battery))
	assert.Equal(t, uint8(1), s.Status().Aggregate)

	table[powerboard.L1] = analog.Entry{CurrentMA: 800, Valid: true}
	require.NoError(t, s.EvaluateAggregate(context.Background(), &table, power.Reading{}, power.Reading{}))
	assert.Equal(t, uint8(0), s.Status().Aggregate)
}

func TestSupervisor_OvercurrentLoopFallsIntoUnderVoltage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, lines, rec := newSupervisor(t,
		WithDelays(Delays{Battery: 0}),
		WithBrain(powerboard.L0, true),
		WithSleep(cancelAfter(5, cancel)),
		WithBatteryPoll(func(context.Context) power.Reading {
			return power.Reading{VoltageMV: 9000, Success: true}
		}),
	)
	var table analog.Table
	err := s.EvaluateAggregate(ctx, &table, power.Reading{}, power.Reading{CurrentMA: ma(40), Success: true})
	require.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, HaltFlatBattery, s.Halted())
	assert.Equal(t, byte(0), lines.Level(powerboard.L0), "flat battery switches the brain off too")
	assert.Equal(t, 1, rec.sounds)
	assert.Equal(t, 4, rec.flat)
}

func TestSupervisor_NegativeCurrent(t *testing.T) {
	s, _, rec := newSupervisor(t, WithDelays(Delays{NegativeCurrent: 1}))
	r := power.Reading{VoltageMV: 12000, CurrentMA: -1500, Success: true}
	require.NoError(t, s.CheckNegativeCurrent(r))
	assert.ErrorIs(t, s.CheckNegativeCurrent(r), ErrThresholdExceeded)
	assert.NoError(t, s.CheckNegativeCurrent(r))
	assert.Equal(t, 1, rec.reverse)
	assert.True(t, s.Status().Reverse)
}

func TestSupervisor_EvaluateRails(t *testing.T) {
	s, _, _ := newSupervisor(t, WithDelays(Delays{Regulator: 0, NegativeCurrent: 0, UnderVoltage: 3}))
	err := s.EvaluateRails(context.Background(),
		power.Reading{VoltageMV: 12000, CurrentMA: -2000, Success: true},
		power.Reading{VoltageMV: 5000, CurrentMA: 2500, Success: true},
	)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.True(t, s.State(powerboard.Reg5V).Inhibited)
	assert.True(t, s.Status().Reverse)
}

func TestSupervisor_Delays(t *testing.T) {
	s := NewSupervisor(newFakeLines(), outputPins)
	assert.Equal(t, DefaultDelays(), s.Delays())
	require.NoError(t, s.SetDelay(DelayUnderVoltage, 7))
	assert.Equal(t, uint8(7), s.Delay(DelayUnderVoltage))
	assert.Error(t, s.SetDelay(DelayKind(42), 1))

	k, err := ParseDelayKind("negative-current")
	require.NoError(t, err)
	assert.Equal(t, DelayNegativeCurrent, k)
	_, err = ParseDelayKind("nope")
	assert.Error(t, err)
}

func TestSupervisor_DisableAll(t *testing.T) {
	s, lines, _ := newSupervisor(t, WithBrain(powerboard.L2, false))
	s.DisableAll(true)
	for ch := range powerboard.Channel(powerboard.NumChannels) {
		expected := byte(0)
		if ch == powerboard.L2 {
			expected = 1
		}
		assert.Equal(t, expected, lines.Level(ch), "channel %s", ch)
	}
	s.DisableAll(false)
	assert.Equal(t, byte(0), lines.Level(powerboard.L2))
	assert.False(t, s.State(powerboard.L2).Enabled)
}
