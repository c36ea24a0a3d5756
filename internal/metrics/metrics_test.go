package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_New_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.TraceReceived(2 * time.Second)
	m.TraceSkipped("empty")
	m.PointsEnqueued(100)
	m.PointsDropped(3)
	m.PointRendered()
	m.RenderError("hub")
	m.BufferDepth(42)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tracesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tracesSkipped.WithLabelValues("empty")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.pointsEnqueued))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pointsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pointsRendered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.renderErrors.WithLabelValues("hub")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.bufferDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "quakeview_trace_latency_seconds")
	assert.Contains(t, names, "quakeview_traces_skipped_total")
}

func Test_New_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err, "registering twice on one registry must fail")
}

func Test_NilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TraceReceived(time.Second)
		m.TraceSkipped("x")
		m.PointsEnqueued(1)
		m.PointsDropped(1)
		m.PointRendered()
		m.RenderError("x")
		m.BufferDepth(1)
	})
}

func Test_RegisterRuntime(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterRuntime(reg))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
