package estimator

import (
	"slices"
	"time"
)

// DefaultWindow is the number of recent observations a SlidingMedian keeps.
const DefaultWindow = 32

// SlidingMedian estimates the median of the most recent observations.
//
// It keeps a fixed-size ring of samples in arrival order alongside the same
// samples in sorted order, so Insert and Estimate cost is bounded by the
// window size regardless of how many values have been seen. It is not safe
// for concurrent use.
type SlidingMedian struct {
	window int
	ring   []time.Duration
	next   int // ring slot holding the oldest sample once the ring is full
	sorted []time.Duration
}

// NewSlidingMedian returns a median over the last window observations.
// A window below 1 falls back to DefaultWindow.
func NewSlidingMedian(window int) *SlidingMedian {
	if window < 1 {
		window = DefaultWindow
	}
	return &SlidingMedian{
		window: window,
		ring:   make([]time.Duration, 0, window),
		sorted: make([]time.Duration, 0, window),
	}
}

// Insert records one observation, evicting the oldest once the window is full.
func (m *SlidingMedian) Insert(d time.Duration) {
	if len(m.ring) < m.window {
		m.ring = append(m.ring, d)
	} else {
		old := m.ring[m.next]
		m.ring[m.next] = d
		m.next = (m.next + 1) % m.window
		if i, found := slices.BinarySearch(m.sorted, old); found {
			m.sorted = slices.Delete(m.sorted, i, i+1)
		}
	}
	i, _ := slices.BinarySearch(m.sorted, d)
	m.sorted = slices.Insert(m.sorted, i, d)
}

// Estimate returns the median of the window, or 0 before any Insert.
// With an even sample count it returns the midpoint of the two middle values.
func (m *SlidingMedian) Estimate() time.Duration {
	n := len(m.sorted)
	if n == 0 {
		return 0
	}
	mid := n / 2
	if n%2 == 1 {
		return m.sorted[mid]
	}
	lo, hi := m.sorted[mid-1], m.sorted[mid]
	return lo + (hi-lo)/2
}

// Len returns the number of samples currently in the window.
func (m *SlidingMedian) Len() int { return len(m.sorted) }
