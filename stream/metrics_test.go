package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thawkins/gcodekit5-sub006/metric"
)

// newEngineWithRegistry wires an engine to a full metrics registry the way
// the CLI does, so gauge registration runs against the real core metric set.
func newEngineWithRegistry(t *testing.T) (*Engine, *metric.MetricsRegistry) {
	t.Helper()
	registry := metric.NewMetricsRegistry()
	e, err := NewEngine(EngineDeps{
		Machine:  "mill1",
		Writer:   &captureWriter{},
		Capacity: 128,
		Metrics:  registry.CoreMetrics(),
	})
	require.NoError(t, err)
	return e, registry
}

func TestRegisterMetricsAgainstCoreRegistry(t *testing.T) {
	e, registry := newEngineWithRegistry(t)

	// Must coexist with every core collector, including the budget gauges
	// the core Metrics set already carries.
	require.NoError(t, RegisterMetrics(registry, e))

	require.NoError(t, e.Enqueue("G0 X1", "G0 X2"))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found["gcodekit_stream_queue_depth"])
	assert.True(t, found["gcodekit_stream_inflight_commands"])
	assert.True(t, found["gcodekit_stream_buffer_utilization_ratio"])
	assert.True(t, found["gcodekit_stream_pending_bytes"])
}

func TestRegisterMetricsTwiceRejected(t *testing.T) {
	e, registry := newEngineWithRegistry(t)

	require.NoError(t, RegisterMetrics(registry, e))
	assert.Error(t, RegisterMetrics(registry, e))
}

func TestUnregisterMetricsAllowsReRegister(t *testing.T) {
	e, registry := newEngineWithRegistry(t)

	require.NoError(t, RegisterMetrics(registry, e))
	UnregisterMetrics(registry, e)
	assert.NoError(t, RegisterMetrics(registry, e))
}

func TestRegisterMetricsNilRegistry(t *testing.T) {
	e, _ := newEngineWithRegistry(t)

	assert.NoError(t, RegisterMetrics(nil, e))
	UnregisterMetrics(nil, e)
}
