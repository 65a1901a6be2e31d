//go:build !invariants

package invariant

import "go.uber.org/zap"

const panics = false

func violated(l *zap.Logger, msg string, fields []zap.Field) {
	if l == nil {
		l = zap.L()
	}
	l.Error("invariant violated: "+msg, fields...)
}
