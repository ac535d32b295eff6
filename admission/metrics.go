package admission

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	CyclesTotal      *prometheus.CounterVec // result=ok|error
	CycleLatencyMS   prometheus.Histogram
	TransitionsTotal *prometheus.CounterVec // status=<target status>
	ConflictsTotal   *prometheus.CounterVec // phase=<phase>
	QueueDepth       prometheus.Gauge
}

// NewMetrics creates the admission metrics and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_cycles_total",
				Help: "Total admission cycles by result",
			},
			[]string{"result"},
		),
		CycleLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_cycle_latency_ms",
			Help:    "Duration of one admission cycle (ms)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
		}),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_transitions_total",
				Help: "Request transitions applied by the engine, by target status",
			},
			[]string{"status"},
		),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_conflicts_total",
				Help: "Conditional updates lost to a concurrent writer, by phase",
			},
			[]string{"phase"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_queue_depth",
			Help: "Requests still queuing after the last assignment phase",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CyclesTotal,
			m.CycleLatencyMS,
			m.TransitionsTotal,
			m.ConflictsTotal,
			m.QueueDepth,
		)
	}
	return m
}
