package protect

import "fmt"

// Delays are debounce lengths in evaluation cycles. A counter must exceed its
// delay before the fault latches.
//
// The cycle differs per delay. CurrentSense and Battery count ticks: the
// aggregate check behind Battery runs every tick against the last rail
// readings, which only refresh every RailsEvery ticks, so the default of 20
// latches on the second over-limit battery sample. Regulator, UnderVoltage
// and NegativeCurrent count rail samples, so a Regulator delay of 20 needs
// 21 consecutive over-limit samples.
type Delays struct {
	CurrentSense    uint8 `yaml:"current_sense" json:"current_sense"`
	Battery         uint8 `yaml:"battery" json:"battery"`
	Regulator       uint8 `yaml:"regulator" json:"regulator"`
	UnderVoltage    uint8 `yaml:"under_voltage" json:"under_voltage"`
	NegativeCurrent uint8 `yaml:"negative_current" json:"negative_current"`
}

func DefaultDelays() Delays {
	return Delays{
		CurrentSense:    4,
		Battery:         20,
		Regulator:       20,
		UnderVoltage:    0,
		NegativeCurrent: 20,
	}
}

// DelayKind names one of the debounce delays.
type DelayKind uint8

const (
	DelayCurrentSense DelayKind = iota
	DelayBattery
	DelayRegulator
	DelayUnderVoltage
	DelayNegativeCurrent
)

var delayNames = [...]string{"current-sense", "battery", "regulator", "under-voltage", "negative-current"}

func (k DelayKind) String() string {
	if int(k) < len(delayNames) {
		return delayNames[k]
	}
	return "unknown"
}

// ParseDelayKind accepts the names returned by String.
func ParseDelayKind(name string) (DelayKind, error) {
	for i, n := range delayNames {
		if n == name {
			return DelayKind(i), nil
		}
	}
	return 0, fmt.Errorf("protect: unknown delay %q", name)
}

func (d *Delays) ref(k DelayKind) *uint8 {
	switch k {
	case DelayCurrentSense:
		return &d.CurrentSense
	case DelayBattery:
		return &d.Battery
	case DelayRegulator:
		return &d.Regulator
	case DelayUnderVoltage:
		return &d.UnderVoltage
	case DelayNegativeCurrent:
		return &d.NegativeCurrent
	}
	return nil
}
