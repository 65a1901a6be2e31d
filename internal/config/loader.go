package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/weightedsocket/estimator"
	"github.com/wudi/weightedsocket/weighted"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ExpandEnv replaces ${VAR_NAME} with environment variable values. Unset
// variables are left as written.
func (l *Loader) ExpandEnv(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging: invalid format %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output == "" {
		return fmt.Errorf("logging: output is required")
	}

	tc := cfg.Tracker
	if tc.InactivityPeriod <= 0 {
		return fmt.Errorf("tracker: inactivity_period must be positive, got %v", tc.InactivityPeriod)
	}
	if _, err := weighted.ParseDecayPolicy(tc.DecayPolicy); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}

	switch estimator.Kind(tc.Estimator.Kind) {
	case estimator.KindSlidingMedian:
		if tc.Estimator.Window < 1 {
			return fmt.Errorf("tracker.estimator: window must be at least 1, got %d", tc.Estimator.Window)
		}
	case estimator.KindEWMA:
		if tc.Estimator.Alpha <= 0 || tc.Estimator.Alpha > 1 {
			return fmt.Errorf("tracker.estimator: alpha must be in (0,1], got %v", tc.Estimator.Alpha)
		}
	default:
		return fmt.Errorf("tracker.estimator: unknown kind %q", tc.Estimator.Kind)
	}

	return nil
}
