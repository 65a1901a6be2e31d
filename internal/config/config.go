// Package config loads the YAML configuration shared by the tracker tooling.
package config

import (
	"time"

	"github.com/wudi/weightedsocket/estimator"
	"github.com/wudi/weightedsocket/internal/logging"
	"github.com/wudi/weightedsocket/weighted"
)

// Config is the root configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracker TrackerConfig `yaml:"tracker"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"` // json|console
	Level    string            `yaml:"level"`  // debug|info|warn|error
	Output   string            `yaml:"output"` // stdout|stderr|<file path>
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// TrackerConfig holds the tunables of every weighted tracker.
type TrackerConfig struct {
	InactivityPeriod time.Duration   `yaml:"inactivity_period"` // default 30s
	DecayPolicy      string          `yaml:"decay_policy"`      // every_call|once_per_period
	Estimator        EstimatorConfig `yaml:"estimator"`
}

// EstimatorConfig selects the latency estimator.
type EstimatorConfig struct {
	Kind   string  `yaml:"kind"`   // sliding_median|ewma
	Window int     `yaml:"window"` // sliding_median sample window
	Alpha  float64 `yaml:"alpha"`  // ewma smoothing factor
}

// DefaultConfig returns the configuration used when a field is not set.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stderr",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracker: TrackerConfig{
			InactivityPeriod: weighted.DefaultInactivityPeriod,
			DecayPolicy:      weighted.DecayEveryCall.String(),
			Estimator: EstimatorConfig{
				Kind:   string(estimator.KindSlidingMedian),
				Window: estimator.DefaultWindow,
				Alpha:  estimator.DefaultAlpha,
			},
		},
	}
}

// Options converts the logging section for logging.New.
func (c LoggingConfig) Options() logging.Config {
	return logging.Config{
		Level:  c.Level,
		Format: c.Format,
		Output: c.Output,
		Rotation: logging.Rotation{
			MaxSize:    c.Rotation.MaxSize,
			MaxBackups: c.Rotation.MaxBackups,
			MaxAge:     c.Rotation.MaxAge,
			Compress:   c.Rotation.Compress,
			LocalTime:  c.Rotation.LocalTime,
		},
	}
}

// Options converts the estimator section for estimator.New.
func (c EstimatorConfig) Options() estimator.Config {
	return estimator.Config{
		Kind:   estimator.Kind(c.Kind),
		Window: c.Window,
		Alpha:  c.Alpha,
	}
}

// ForConn builds a weighted.Config for one connection. The caller sets
// the clock and logger. Each call returns a fresh estimator, since trackers
// never share one.
func (c TrackerConfig) ForConn(name string) (weighted.Config, error) {
	policy, err := weighted.ParseDecayPolicy(c.DecayPolicy)
	if err != nil {
		return weighted.Config{}, err
	}
	est, err := estimator.New(c.Estimator.Options())
	if err != nil {
		return weighted.Config{}, err
	}
	return weighted.Config{
		Name:             name,
		Estimator:        est,
		InactivityPeriod: c.InactivityPeriod,
		DecayPolicy:      policy,
	}, nil
}
