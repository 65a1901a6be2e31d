// Package invariant reports violations of internal bookkeeping invariants.
//
// Builds tagged "invariants" panic on the first violation. Other builds log
// the violation at error level and let the caller clamp to a safe value.
package invariant

import "go.uber.org/zap"

// Check reports a violation through l when ok is false and returns ok.
//
//	if !invariant.Check(l, n >= 0, "negative count") {
//		n = 0
//	}
func Check(l *zap.Logger, ok bool, msg string, fields ...zap.Field) bool {
	if !ok {
		violated(l, msg, fields)
	}
	return ok
}

// Panics reports whether violations panic in this build.
func Panics() bool { return panics }
