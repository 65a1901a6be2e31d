//go:build invariants

package invariant

import (
	"go.uber.org/zap"
)

const panics = true

func violated(l *zap.Logger, msg string, fields []zap.Field) {
	if l != nil {
		l.DPanic("invariant violated: "+msg, fields...)
	}
	panic("invariant violated: " + msg)
}
