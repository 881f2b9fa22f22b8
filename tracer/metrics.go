package tracer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the tracer's Prometheus collectors.
type Metrics struct {
	HookCalls        *prometheus.CounterVec
	Violations       *prometheus.CounterVec
	SinkErrors       *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	ActiveExecutions prometheus.Gauge
	Unmatched        prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		HookCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmtrace_hook_calls_total",
				Help: "Hook invocations by hook.",
			},
			[]string{"hook"},
		),
		Violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmtrace_protocol_violations_total",
				Help: "Hook protocol violations by reason.",
			},
			[]string{"reason"},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmtrace_sink_errors_total",
				Help: "Failed sink appends by error policy.",
			},
			[]string{"policy"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wasmtrace_call_duration_seconds",
				Help:    "Duration of traced calls by function name.",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
			},
			[]string{"function"},
		),
		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wasmtrace_active_executions",
				Help: "Executions created and not yet closed.",
			},
		),
		Unmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmtrace_unmatched_calls_total",
				Help: "Calls still on a stack when its execution closed.",
			},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HookCalls,
		m.Violations,
		m.SinkErrors,
		m.CallDuration,
		m.ActiveExecutions,
		m.Unmatched,
	}
}
