package monitoring

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWriterStreamLogger(t *testing.T) {
	var ops, diag bytes.Buffer
	l := NewWriterStreamLogger("zone", &ops, &diag, nil)

	l.Opsf("flush failed for %d", 7)
	l.Diagf("entered %s", "Table_A")
	l.Tracef("muted")

	assert.Contains(t, ops.String(), "zone")
	assert.Contains(t, ops.String(), "flush failed for 7")
	assert.Contains(t, diag.String(), "entered Table_A")
	assert.NotContains(t, diag.String(), "flush failed")
}

func TestStreamLoggerUsesBaseLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	orig := Base()
	SetBase(zap.New(core))
	defer SetBase(orig)

	l := NewStreamLogger("checkout")
	l.Opsf("a")
	l.Diagf("b")
	l.Tracef("c")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, zap.DebugLevel, entries[2].Level)
	assert.Equal(t, "checkout", entries[0].LoggerName)
}

func TestSetBaseNil(t *testing.T) {
	orig := Base()
	defer SetBase(orig)

	SetBase(nil)
	require.NotNil(t, Base())
	NewStreamLogger("x").Opsf("does not panic")
}

func TestNewMetricsPrivateRegistry(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)

	a.Invoices.WithLabelValues("ok").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Invoices.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Invoices.WithLabelValues("ok")))
}
