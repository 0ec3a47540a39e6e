package protect

import (
	"errors"
	"fmt"
)

var (
	ErrThresholdExceeded = errors.New("protect: threshold exceeded")
	// ErrInhibited is returned when enabling a channel with a latched fault.
	ErrInhibited = errors.New("protect: channel inhibited by a latched fault")
	// ErrHalted is returned once the board entered a terminal alarm state.
	ErrHalted = errors.New("protect: board halted")
)

// Fault describes a latched limit violation.
type Fault struct {
	Source   string
	Measured int32
	Limit    int32
	Unit     string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s %d%s beyond limit %d%s", ErrThresholdExceeded, f.Source, f.Measured, f.Unit, f.Limit, f.Unit)
}

func (f *Fault) Unwrap() error { return ErrThresholdExceeded }

// Halt is the terminal state of the board.
type Halt uint8

const (
	Running Halt = iota
	HaltOvercurrent
	HaltFlatBattery
)

func (h Halt) String() string {
	switch h {
	case Running:
		return "running"
	case HaltOvercurrent:
		return "over-current"
	case HaltFlatBattery:
		return "flat-battery"
	}
	return "unknown"
}

func (h Halt) MarshalText() ([]byte, error) { return []byte(h.String()), nil }
