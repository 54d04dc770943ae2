package checkout

import (
	"io"

	"github.com/banshee-data/tablepick/internal/monitoring"
)

var logger = monitoring.NewStreamLogger("checkout")

// SetLogWriters redirects the three logging streams for the checkout package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logger = monitoring.NewWriterStreamLogger("checkout", ops, diag, trace)
}

// opsf logs to the ops stream (actionable warnings, errors, data loss).
func opsf(format string, args ...interface{}) { logger.Opsf(format, args...) }

// diagf logs to the diag stream (day-to-day diagnostics, tuning context).
func diagf(format string, args ...interface{}) { logger.Diagf(format, args...) }

// tracef logs to the trace stream (high-frequency frame telemetry).
func tracef(format string, args ...interface{}) { logger.Tracef(format, args...) }
