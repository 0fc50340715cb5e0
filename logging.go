package aria

import "go.uber.org/zap"

// Logger wraps zap for the core's structured logging. Every long-lived
// component (memory manager, workers, the RPC server) holds one, set at
// construction.
type Logger struct {
	z *zap.Logger
}

// NewLogger wraps an existing zap.Logger. Pass nil for a no-op logger.
func NewLogger(z *zap.Logger) *Logger {
	if z == nil {
		return newNopLogger()
	}
	return &Logger{z: z}
}

// NewProductionLogger builds a zap production logger (JSON, info level).
func NewProductionLogger() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{z: zap.NewNop()}
}

func newNopLogger() *Logger { return NewNopLogger() }

func (l *Logger) with(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }
