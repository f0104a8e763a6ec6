// Package zapadapter adapts a *zap.Logger to the logging.Logger interface
// used by the job system, so hosts that already standardize on zap can
// plug their existing logger straight into the scheduler.
package zapadapter

import (
	"go.uber.org/zap"

	"github.com/Swind/go-jobsystem/logging"
)

// Adapter implements logging.Logger on top of a *zap.Logger.
type Adapter struct {
	z *zap.Logger
}

// New wraps z. A nil z falls back to zap.NewNop().
func New(z *zap.Logger) *Adapter {
	if z == nil {
		z = zap.NewNop()
	}
	return &Adapter{z: z}
}

func (a *Adapter) Debug(msg string, fields ...logging.Field) { a.z.Debug(msg, toZap(fields)...) }
func (a *Adapter) Info(msg string, fields ...logging.Field)  { a.z.Info(msg, toZap(fields)...) }
func (a *Adapter) Warn(msg string, fields ...logging.Field)  { a.z.Warn(msg, toZap(fields)...) }
func (a *Adapter) Error(msg string, fields ...logging.Field) { a.z.Error(msg, toZap(fields)...) }

func toZap(fields []logging.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
