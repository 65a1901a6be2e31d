package sim

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wudi/weightedsocket/internal/config"
)

// ErrUnknownConn is returned for steps naming a connection the scenario does
// not declare.
var ErrUnknownConn = errors.New("unknown connection")

// Scenario is a scripted workload over a set of simulated connections.
type Scenario struct {
	Connections []ConnSpec `yaml:"connections"`
	Steps       []Step     `yaml:"steps"`
}

// ConnSpec describes one simulated endpoint.
type ConnSpec struct {
	Name         string          `yaml:"name"`
	Latency      time.Duration   `yaml:"latency"`
	Latencies    []time.Duration `yaml:"latencies"` // cycled per request, overrides latency
	Availability *float64        `yaml:"availability"` // default 1
	FailEvery    int64           `yaml:"fail_every"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	Submit       *SubmitStep       `yaml:"submit"`
	Advance      time.Duration     `yaml:"advance"`
	Report       bool              `yaml:"report"`
	Close        string            `yaml:"close"`
	Availability *AvailabilityStep `yaml:"availability"`
}

// SubmitStep submits Count requests (default 1) on Conn.
type SubmitStep struct {
	Conn  string `yaml:"conn"`
	Count int    `yaml:"count"`
}

// AvailabilityStep changes the availability a connection reports.
type AvailabilityStep struct {
	Conn  string  `yaml:"conn"`
	Value float64 `yaml:"value"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario from YAML, expanding ${ENV} references the
// same way configuration files do.
func ParseScenario(data []byte) (*Scenario, error) {
	expanded := config.NewLoader().ExpandEnv(string(data))

	var sc Scenario
	if err := yaml.Unmarshal([]byte(expanded), &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("scenario validation failed: %w", err)
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if len(sc.Connections) == 0 {
		return fmt.Errorf("at least one connection is required")
	}

	names := make(map[string]bool, len(sc.Connections))
	for i, c := range sc.Connections {
		if c.Name == "" {
			return fmt.Errorf("connection %d: name is required", i)
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate connection name: %s", c.Name)
		}
		names[c.Name] = true

		if c.Latency < 0 {
			return fmt.Errorf("connection %s: latency must not be negative", c.Name)
		}
		for _, l := range c.Latencies {
			if l < 0 {
				return fmt.Errorf("connection %s: latencies must not be negative", c.Name)
			}
		}
		if a := c.Availability; a != nil && (*a < 0 || *a > 1) {
			return fmt.Errorf("connection %s: availability must be in [0,1]", c.Name)
		}
		if c.FailEvery < 0 {
			return fmt.Errorf("connection %s: fail_every must not be negative", c.Name)
		}
	}

	for i, st := range sc.Steps {
		actions := 0
		if st.Submit != nil {
			actions++
			if !names[st.Submit.Conn] {
				return fmt.Errorf("step %d: submit: %w %q", i, ErrUnknownConn, st.Submit.Conn)
			}
			if st.Submit.Count < 0 {
				return fmt.Errorf("step %d: submit count must not be negative", i)
			}
		}
		if st.Advance != 0 {
			actions++
			if st.Advance < 0 {
				return fmt.Errorf("step %d: advance must be positive", i)
			}
		}
		if st.Report {
			actions++
		}
		if st.Close != "" {
			actions++
			if !names[st.Close] {
				return fmt.Errorf("step %d: close: %w %q", i, ErrUnknownConn, st.Close)
			}
		}
		if st.Availability != nil {
			actions++
			if !names[st.Availability.Conn] {
				return fmt.Errorf("step %d: availability: %w %q", i, ErrUnknownConn, st.Availability.Conn)
			}
			if v := st.Availability.Value; v < 0 || v > 1 {
				return fmt.Errorf("step %d: availability must be in [0,1]", i)
			}
		}
		if actions != 1 {
			return fmt.Errorf("step %d: exactly one action is required, got %d", i, actions)
		}
	}
	return nil
}
