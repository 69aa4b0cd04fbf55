package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type commandMetrics struct {
	runs    *prometheus.CounterVec
	errors  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	commandMetricsOnce sync.Once
	commandRegistry    *commandMetrics
)

// Commands returns the lazily-initialised registry recording CLI command
// executions.
func Commands() *commandMetrics {
	commandMetricsOnce.Do(func() {
		commandRegistry = &commandMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tipledger",
				Subsystem: "command",
				Name:      "runs_total",
				Help:      "Total command executions segmented by command and outcome.",
			}, []string{"command", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tipledger",
				Subsystem: "command",
				Name:      "errors_total",
				Help:      "Total command failures segmented by command and error class.",
			}, []string{"command", "class"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tipledger",
				Subsystem: "command",
				Name:      "duration_seconds",
				Help:      "Latency distribution for command executions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"command"}),
		}
		prometheus.MustRegister(
			commandRegistry.runs,
			commandRegistry.errors,
			commandRegistry.latency,
		)
	})
	return commandRegistry
}

// Observe records the outcome of a command. class is the error taxonomy class
// and must be empty on success.
func (m *commandMetrics) Observe(command, class string, duration time.Duration) {
	if m == nil {
		return
	}
	command = strings.TrimSpace(command)
	if command == "" {
		command = "unknown"
	}
	outcome := "success"
	if class != "" {
		outcome = "error"
		m.errors.WithLabelValues(command, class).Inc()
	}
	m.runs.WithLabelValues(command, outcome).Inc()
	m.latency.WithLabelValues(command).Observe(duration.Seconds())
}
