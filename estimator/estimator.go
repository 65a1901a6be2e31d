// Package estimator provides streaming latency estimators.
//
// Every estimator accepts synthetic observations exactly like real ones and
// reports 0 until its first observation.
package estimator

import (
	"fmt"
	"time"
)

// Estimator summarises a stream of latency observations.
type Estimator interface {
	Insert(d time.Duration)
	Estimate() time.Duration
}

// Kind names an estimator implementation.
type Kind string

const (
	KindSlidingMedian Kind = "sliding_median"
	KindEWMA          Kind = "ewma"
)

// Config selects and tunes an estimator.
type Config struct {
	Kind   Kind
	Window int     // sliding_median only
	Alpha  float64 // ewma only
}

// New builds the estimator described by cfg. An empty Kind selects the
// sliding median.
func New(cfg Config) (Estimator, error) {
	switch cfg.Kind {
	case "", KindSlidingMedian:
		return NewSlidingMedian(cfg.Window), nil
	case KindEWMA:
		return NewEWMA(cfg.Alpha), nil
	default:
		return nil, fmt.Errorf("unknown estimator kind %q", cfg.Kind)
	}
}
