package monitoring

import (
	"io"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseMu sync.RWMutex
	base   = zap.NewNop()
)

// Initialize builds the process-wide zap logger. env "development" selects the
// console encoder with debug level; anything else selects production JSON.
func Initialize(env string) error {
	var config zap.Config
	if env == "development" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	l, err := config.Build()
	if err != nil {
		return err
	}
	SetBase(l)
	return nil
}

// SetBase replaces the process-wide logger. Passing nil installs a no-op logger.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	baseMu.Lock()
	base = l
	baseMu.Unlock()
}

// Base returns the process-wide logger.
func Base() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Sync flushes the process-wide logger.
func Sync() {
	_ = Base().Sync()
}

// StreamLogger splits a component's output into three streams:
//   - ops: actionable warnings, errors, data loss
//   - diag: day-to-day diagnostics
//   - trace: per-frame telemetry
type StreamLogger struct {
	component        string
	ops, diag, trace *zap.SugaredLogger
	fixed            bool
}

// NewStreamLogger returns a StreamLogger that writes through the process-wide
// logger at Warn, Info and Debug levels respectively.
func NewStreamLogger(component string) *StreamLogger {
	return &StreamLogger{component: component}
}

// NewWriterStreamLogger returns a StreamLogger whose streams write plain text
// to the given writers. A nil writer mutes that stream.
func NewWriterStreamLogger(component string, ops, diag, trace io.Writer) *StreamLogger {
	return &StreamLogger{
		component: component,
		ops:       writerLogger(component, ops),
		diag:      writerLogger(component, diag),
		trace:     writerLogger(component, trace),
		fixed:     true,
	}
}

func writerLogger(component string, w io.Writer) *zap.SugaredLogger {
	if w == nil {
		return zap.NewNop().Sugar()
	}
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey: "msg",
		NameKey:    "logger",
		EncodeName: zapcore.FullNameEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core).Named(component).Sugar()
}

// Opsf logs to the ops stream.
func (s *StreamLogger) Opsf(format string, args ...interface{}) {
	if s.fixed {
		s.ops.Infof(format, args...)
		return
	}
	Base().Named(s.component).Sugar().Warnf(format, args...)
}

// Diagf logs to the diag stream.
func (s *StreamLogger) Diagf(format string, args ...interface{}) {
	if s.fixed {
		s.diag.Infof(format, args...)
		return
	}
	Base().Named(s.component).Sugar().Infof(format, args...)
}

// Tracef logs to the trace stream.
func (s *StreamLogger) Tracef(format string, args ...interface{}) {
	if s.fixed {
		s.trace.Infof(format, args...)
		return
	}
	Base().Named(s.component).Sugar().Debugf(format, args...)
}
