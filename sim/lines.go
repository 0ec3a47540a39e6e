// Package sim is a host-side model of the board hardware: GPIO lines, the
// current-sense converters, the chip temperature input and the sense devices
// on the two-wire bus.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"gobot.io/x/gobot/v2"
	"gobot.io/x/gobot/v2/drivers/aio"
	"gobot.io/x/gobot/v2/drivers/gpio"
)

var (
	_ gobot.Adaptor      = &Lines{}
	_ gpio.DigitalWriter = &Lines{}
	_ gpio.DigitalReader = &Lines{}
	_ aio.AnalogReader   = &Lines{}
)

var ErrLineFault = errors.New("sim: line fault")

// historyLimit bounds the write history of a long running simulation.
const historyLimit = 4096

// Lines is a gobot adaptor whose pins are plain in-memory levels. It records
// every write so tests can check ordering.
type Lines struct {
	mx      sync.Mutex
	name    string
	levels  map[string]byte
	analog  map[string]int
	writes  map[string]int
	rises   map[string]int
	history []string
	broken  map[string]bool
}

func NewLines() *Lines {
	return &Lines{
		name:   "sim-lines",
		levels: make(map[string]byte),
		analog: make(map[string]int),
		writes: make(map[string]int),
		rises:  make(map[string]int),
		broken: make(map[string]bool),
	}
}

func (l *Lines) Name() string        { return l.name }
func (l *Lines) SetName(name string) { l.name = name }
func (l *Lines) Connect() error      { return nil }
func (l *Lines) Finalize() error     { return nil }

func (l *Lines) DigitalWrite(pin string, val byte) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.broken[pin] {
		return fmt.Errorf("%w: %s", ErrLineFault, pin)
	}
	if val != 0 && l.levels[pin] == 0 {
		l.rises[pin]++
	}
	l.levels[pin] = val
	l.writes[pin]++
	if len(l.history) == historyLimit {
		l.history = append(l.history[:0], l.history[historyLimit/2:]...)
	}
	l.history = append(l.history, fmt.Sprintf("%s=%d", pin, val))
	return nil
}

func (l *Lines) DigitalRead(pin string) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.broken[pin] {
		return 0, fmt.Errorf("%w: %s", ErrLineFault, pin)
	}
	return int(l.levels[pin]), nil
}

func (l *Lines) AnalogRead(pin string) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.broken[pin] {
		return 0, fmt.Errorf("%w: %s", ErrLineFault, pin)
	}
	v, ok := l.analog[pin]
	if !ok {
		return 0, fmt.Errorf("sim: no analog input on %s", pin)
	}
	return v, nil
}

// SetAnalog sets the value returned by AnalogRead for pin.
func (l *Lines) SetAnalog(pin string, v int) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.analog[pin] = v
}

// Break makes every access to pin fail until Fix is called.
func (l *Lines) Break(pin string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.broken[pin] = true
}

func (l *Lines) Fix(pin string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	delete(l.broken, pin)
}

// Level returns the last level written to pin.
func (l *Lines) Level(pin string) byte {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.levels[pin]
}

// Writes returns how many times pin was written.
func (l *Lines) Writes(pin string) int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.writes[pin]
}

// Rises returns how many times pin went from low to high.
func (l *Lines) Rises(pin string) int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.rises[pin]
}

// History returns the most recent writes as "pin=level" in order.
func (l *Lines) History() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]string(nil), l.history...)
}

func (l *Lines) ClearHistory() {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.history = nil
}
