package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/powerboard"
	"github.com/mklimuk/powerboard/config"
	"github.com/mklimuk/powerboard/protect"
	"github.com/mklimuk/powerboard/sched"
)

func newInterpreter(t *testing.T) *interpreter {
	t.Helper()
	b, err := newBench(config.Default(), nil)
	require.NoError(t, err)
	require.NoError(t, b.start(context.Background(), nil))
	return &interpreter{bench: b}
}

func tick(t *testing.T, in *interpreter, n int) {
	t.Helper()
	for range n {
		err := in.bench.sched.Tick(context.Background())
		if err != nil && !errors.Is(err, protect.ErrThresholdExceeded) {
			require.NoError(t, err)
		}
	}
}

func TestInterpreter_Switching(t *testing.T) {
	in := newInterpreter(t)

	out, err := in.exec("enable H0")
	require.NoError(t, err)
	assert.Equal(t, "H0 on", out)
	assert.True(t, in.bench.board.Output(powerboard.H0))

	_, err = in.exec("load H0 23500")
	require.NoError(t, err)
	tick(t, in, 10)

	out, err = in.exec("status")
	require.NoError(t, err)
	assert.Contains(t, out, "H0  latched")
	assert.False(t, in.bench.board.Output(powerboard.H0))

	_, err = in.exec("enable H0")
	assert.ErrorIs(t, err, protect.ErrInhibited)

	out, err = in.exec("reset H0")
	require.NoError(t, err)
	assert.Equal(t, "H0 cleared", out)
	out, err = in.exec("status")
	require.NoError(t, err)
	assert.Contains(t, out, "H0  off     counter 0")

	_, err = in.exec("disable L3")
	require.NoError(t, err)
}

func TestInterpreter_Delays(t *testing.T) {
	in := newInterpreter(t)

	out, err := in.exec("delay")
	require.NoError(t, err)
	assert.Len(t, strings.Split(out, "\n"), 5)
	assert.Contains(t, out, "current-sense    4")

	out, err = in.exec("delay battery 7")
	require.NoError(t, err)
	assert.Equal(t, "battery 7", out)
	assert.Equal(t, uint8(7), in.bench.sched.Supervisor().Delay(protect.DelayBattery))

	out, err = in.exec("delay battery")
	require.NoError(t, err)
	assert.Equal(t, "battery 7", out)

	_, err = in.exec("delay bogus")
	assert.Error(t, err)
	_, err = in.exec("delay battery 300")
	assert.Error(t, err)
}

func TestInterpreter_Board(t *testing.T) {
	in := newInterpreter(t)

	_, err := in.exec("battery 12000 1500")
	require.NoError(t, err)
	_, err = in.exec("regulator 5000 300")
	require.NoError(t, err)
	tick(t, in, 20)

	out, err := in.exec("readings")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("battery   %6dmV %6dmA ok=true", 12000, 1500))
	assert.Contains(t, out, fmt.Sprintf("regulator %6dmV %6dmA ok=true", 5000, 300))

	_, err = in.exec("nack 1")
	require.NoError(t, err)
	out, err = in.exec("temp 50")
	require.NoError(t, err)
	assert.Equal(t, "chip 50°C", out)

	out, err = in.exec("snapshot")
	require.NoError(t, err)
	assert.Contains(t, out, "halt: running")
}

func TestInterpreter_Errors(t *testing.T) {
	in := newInterpreter(t)
	for _, line := range []string{"frobnicate", "enable", "enable X9", "load H0", "load H0 lots", "battery 12000"} {
		_, err := in.exec(line)
		assert.Error(t, err, line)
	}
	out, err := in.exec("   ")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = in.exec("quit")
	assert.ErrorIs(t, err, errQuit)

	out, err = in.exec("help")
	require.NoError(t, err)
	assert.Contains(t, out, "enable <ch>")
	assert.Contains(t, out, "quit")
}

func TestInterpreter_RunScript(t *testing.T) {
	in := newInterpreter(t)
	var out bytes.Buffer
	err := in.runScript(context.Background(), strings.NewReader("enable L1\n\nstatus\nquit\nenable L2\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "L1 on")
	assert.Contains(t, out.String(), "tick 0, running")
	assert.False(t, in.bench.board.Output(powerboard.L2))

	err = in.runScript(context.Background(), strings.NewReader("enable Q\n"), &out)
	assert.Error(t, err)
}

func TestParseChannels(t *testing.T) {
	chs, err := parseChannels("all")
	require.NoError(t, err)
	assert.Len(t, chs, powerboard.NumOutputs)

	chs, err = parseChannels("none")
	require.NoError(t, err)
	assert.Empty(t, chs)

	chs, err = parseChannels("H1, L2")
	require.NoError(t, err)
	assert.Equal(t, []powerboard.Channel{powerboard.H1, powerboard.L2}, chs)

	_, err = parseChannels("H1,B7")
	assert.Error(t, err)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "stopped", outcome(nil))
	assert.Equal(t, "stopped", outcome(context.DeadlineExceeded))
	assert.Equal(t, "halted", outcome(fmt.Errorf("flat: %w", protect.ErrHalted)))
	assert.Equal(t, "torn down", outcome(sched.ErrStopped))
	assert.Equal(t, "failed", outcome(errors.New("boom")))
}
