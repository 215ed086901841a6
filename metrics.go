package bindrelease

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one pipeline run.
//
// Collectors live on a private registry; CI nodes pick them up through the
// node exporter textfile collector (see WriteTextfile).
type Metrics struct {
	registry *prometheus.Registry

	StageDuration *prometheus.HistogramVec
	TargetBuilds  *prometheus.CounterVec
	Strips        *prometheus.CounterVec
	LastSuccess   prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bindrelease_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
			},
			[]string{"stage", "status"},
		),
		TargetBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bindrelease_target_builds_total",
				Help: "Cross-target builds by ABI and outcome",
			},
			[]string{"abi", "status"},
		),
		Strips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bindrelease_strip_total",
				Help: "Symbol stripping attempts by tool (none when skipped)",
			},
			[]string{"tool"},
		),
		LastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bindrelease_last_success_timestamp_seconds",
				Help: "Unix time of the last successful pipeline run",
			},
		),
	}
}

// ObserveStage records the duration of a finished stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, statusLabel(err)).Observe(d.Seconds())
}

// ObserveTarget records the outcome of one cross-target build.
func (m *Metrics) ObserveTarget(result *TargetResult) {
	if m == nil || result == nil {
		return
	}
	m.TargetBuilds.WithLabelValues(result.Target.ABI, statusLabel(result.Err)).Inc()
	if result.Err == nil {
		tool := result.StripTool
		if tool == "" {
			tool = "none"
		}
		m.Strips.WithLabelValues(tool).Inc()
	}
}

// Gatherer exposes the private registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the metrics in the text exposition format to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Gatherer())
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
