// Package logging wraps zap the way drand's common/log package does: a
// small constructor surface returning a *zap.SugaredLogger-backed Logger,
// threaded explicitly through constructors rather than kept as a package
// global, per the core's guidance against cyclic singleton state.
package logging

import "go.uber.org/zap"

// Logger is the structured logger passed to every component constructor.
type Logger struct {
	z *zap.SugaredLogger
}

// New builds a production logger (JSON encoding, info level).
func New() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return Logger{}, err
	}
	return Logger{z: z.Sugar()}, nil
}

// NewDevelopment builds a human-readable development logger.
func NewDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return Logger{}, err
	}
	return Logger{z: z.Sugar()}, nil
}

// Nop returns a logger that discards everything, for use in tests that don't
// care about log output.
func Nop() Logger {
	return Logger{z: zap.NewNop().Sugar()}
}

// With returns a child logger carrying the given key/value pairs on every
// subsequent entry, e.g. l.With("node_id", nodeID, "round_id", roundID).
func (l Logger) With(keysAndValues ...any) Logger {
	return Logger{z: l.z.With(keysAndValues...)}
}

func (l Logger) Debugw(msg string, keysAndValues ...any) { l.z.Debugw(msg, keysAndValues...) }
func (l Logger) Infow(msg string, keysAndValues ...any)  { l.z.Infow(msg, keysAndValues...) }
func (l Logger) Warnw(msg string, keysAndValues ...any)  { l.z.Warnw(msg, keysAndValues...) }
func (l Logger) Errorw(msg string, keysAndValues ...any) { l.z.Errorw(msg, keysAndValues...) }

// Sync flushes any buffered log entries. Callers should defer it after
// construction; the error is intentionally ignorable on most platforms
// (stderr/stdout Sync commonly fails with ENOTTY) so it is not propagated.
func (l Logger) Sync() {
	_ = l.z.Sync()
}
