package sim

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/powerboard"
)

//go:embed scenario.yaml
var defaultScenario []byte

// RailState is what a rail monitor reports.
type RailState struct {
	VoltageMV int32 `yaml:"voltage_mv"`
	CurrentMA int32 `yaml:"current_ma"`
}

// Step changes the board at a given tick. Nil fields are left as they are.
type Step struct {
	At          uint64           `yaml:"at"`
	Note        string           `yaml:"note,omitempty"`
	Battery     *RailState       `yaml:"battery,omitempty"`
	Regulator   *RailState       `yaml:"regulator,omitempty"`
	Outputs     map[string]int32 `yaml:"outputs,omitempty"`
	Temperature *int32           `yaml:"temperature,omitempty"`
	Nack        int              `yaml:"nack,omitempty"`
	Stall       int              `yaml:"stall,omitempty"`
}

// Scenario is a list of board changes ordered by tick.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
	next  int
}

func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("sim: could not parse scenario: %w", err)
	}
	for _, st := range s.Steps {
		for name := range st.Outputs {
			if _, err := powerboard.ParseChannel(name); err != nil {
				return nil, fmt.Errorf("sim: step at %d: %w", st.At, err)
			}
		}
	}
	sort.SliceStable(s.Steps, func(i, j int) bool { return s.Steps[i].At < s.Steps[j].At })
	return &s, nil
}

// LoadScenario reads a scenario file. An empty path returns the built-in
// scenario.
func LoadScenario(path string) (*Scenario, error) {
	if path == "" {
		return ParseScenario(defaultScenario)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sim: could not read scenario %s: %w", path, err)
	}
	return ParseScenario(data)
}

// Due returns the steps scheduled at or before tick that were not returned
// yet.
func (s *Scenario) Due(tick uint64) []Step {
	start := s.next
	for s.next < len(s.Steps) && s.Steps[s.next].At <= tick {
		s.next++
	}
	return s.Steps[start:s.next]
}

// Done reports whether every step was returned.
func (s *Scenario) Done() bool {
	return s.next >= len(s.Steps)
}

// Apply runs every step due at tick against b.
func (s *Scenario) Apply(b *Board, tick uint64) error {
	for _, st := range s.Due(tick) {
		if err := b.Apply(st); err != nil {
			return err
		}
	}
	return nil
}

// Apply changes the board as described by st.
func (b *Board) Apply(st Step) error {
	if st.Note != "" {
		slog.Info("scenario step", "tick", st.At, "note", st.Note)
	}
	if st.Battery != nil {
		b.SetBattery(st.Battery.VoltageMV, st.Battery.CurrentMA)
	}
	if st.Regulator != nil {
		b.SetRegulator(st.Regulator.VoltageMV, st.Regulator.CurrentMA)
	}
	for name, mA := range st.Outputs {
		ch, err := powerboard.ParseChannel(name)
		if err != nil {
			return fmt.Errorf("sim: %w", err)
		}
		if err := b.SetOutputCurrent(ch, mA); err != nil {
			return err
		}
	}
	if st.Temperature != nil {
		b.SetTemperature(*st.Temperature)
	}
	if st.Nack > 0 {
		b.Nack(st.Nack)
	}
	if st.Stall > 0 {
		b.Sense.Stall(st.Stall)
	}
	return nil
}
