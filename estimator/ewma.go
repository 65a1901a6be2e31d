package estimator

import "time"

// DefaultAlpha is the smoothing factor used when none is configured.
const DefaultAlpha = 0.5

// EWMA tracks an exponentially weighted moving average of observed latency.
// The first sample is taken verbatim. It is not safe for concurrent use.
type EWMA struct {
	alpha   float64
	value   float64
	samples int
}

// NewEWMA creates an EWMA with the given smoothing factor. Values outside
// (0,1] fall back to DefaultAlpha.
func NewEWMA(alpha float64) *EWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &EWMA{alpha: alpha}
}

func (e *EWMA) Insert(d time.Duration) {
	v := float64(d)
	if e.samples == 0 {
		e.value = v
	} else {
		e.value = e.alpha*v + (1-e.alpha)*e.value
	}
	e.samples++
}

// Estimate returns the current average, or 0 before any Insert.
func (e *EWMA) Estimate() time.Duration {
	if e.samples == 0 {
		return 0
	}
	return time.Duration(e.value)
}

// Samples returns the number of observations inserted so far.
func (e *EWMA) Samples() int { return e.samples }
