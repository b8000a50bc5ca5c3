package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thawkins/gcodekit5-sub006/metric"
)

// RegisterMetrics exposes an engine's live budget state as gauges on the
// metrics registry. A nil registry disables registration, which tests and
// library embedders use. Call UnregisterMetrics when the engine is retired
// so a reconnect can register a fresh one under the same machine name.
//
// Pending bytes and buffer utilization are already covered by the core
// gauges (Metrics.RecordPendingBytes), so only the queue-shape gauges are
// added here.
func RegisterMetrics(registry *metric.MetricsRegistry, e *Engine) error {
	if registry == nil {
		return nil
	}

	component := "stream_" + e.machine
	gauges := []struct {
		name string
		help string
		fn   func(Progress) float64
	}{
		{
			name: "queue_depth",
			help: "Commands admitted but not yet sent to the controller.",
			fn:   func(p Progress) float64 { return float64(p.Queued) },
		},
		{
			name: "inflight_commands",
			help: "Commands on the wire awaiting acknowledgement.",
			fn:   func(p Progress) float64 { return float64(p.Inflight) },
		},
	}

	for _, g := range gauges {
		fn := g.fn
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "gcodekit",
			Subsystem:   "stream",
			Name:        g.name,
			Help:        g.help,
			ConstLabels: prometheus.Labels{"machine": e.machine},
		}, func() float64 { return fn(e.Snapshot()) })

		if err := registry.RegisterCollector(component, g.name, collector); err != nil {
			return err
		}
	}
	return nil
}

// UnregisterMetrics removes the gauges RegisterMetrics installed.
func UnregisterMetrics(registry *metric.MetricsRegistry, e *Engine) {
	if registry == nil {
		return
	}
	component := "stream_" + e.machine
	for _, name := range []string{"queue_depth", "inflight_commands"} {
		registry.Unregister(component, name)
	}
}
