package powerboard

import "fmt"

// Channel identifies a switched output. The 5V regulator is the seventh
// logical channel: it has an enable line and a current limit but is measured
// over the bus instead of by the current-sense sampler.
type Channel uint8

const (
	H0 Channel = iota
	H1
	L0
	L1
	L2
	L3
	Reg5V
)

const (
	// NumOutputs is the number of outputs measured by the sampler.
	NumOutputs = 6
	// NumChannels includes the regulator.
	NumChannels = 7
)

var channelNames = [NumChannels]string{"H0", "H1", "L0", "L1", "L2", "L3", "5V"}

func (c Channel) String() string {
	if int(c) < len(channelNames) {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// HighPower reports whether c is one of the two high-current outputs.
func (c Channel) HighPower() bool {
	return c == H0 || c == H1
}

// ParseChannel accepts the names returned by String.
func ParseChannel(name string) (Channel, error) {
	for i, n := range channelNames {
		if n == name {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}
