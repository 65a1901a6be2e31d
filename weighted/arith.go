package weighted

import "time"

// mulSat returns d*n, saturating at maxDuration. Non-positive inputs yield 0.
func mulSat(d time.Duration, n int64) time.Duration {
	if d <= 0 || n <= 0 {
		return 0
	}
	if d > maxDuration/time.Duration(n) {
		return maxDuration
	}
	return d * time.Duration(n)
}

// addSat returns a+b, saturating at maxDuration.
func addSat(a, b time.Duration) time.Duration {
	if b > 0 && a > maxDuration-b {
		return maxDuration
	}
	return a + b
}
