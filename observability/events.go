package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tipledger/core/events"
)

type eventMetrics struct {
	committed *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			committed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tipledger",
				Subsystem: "events",
				Name:      "committed_total",
				Help:      "Count of committed ledger events segmented by module and type.",
			}, []string{"module", "type"}),
		}
		prometheus.MustRegister(eventRegistry.committed)
	})
	return eventRegistry
}

// Record counts a single committed event. The module label is the event type
// prefix before the first dot.
func (m *eventMetrics) Record(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		eventType = "unknown"
	}
	module, _, _ := strings.Cut(eventType, ".")
	m.committed.WithLabelValues(module, eventType).Inc()
}

// Counting wraps next so every delivered event is also recorded.
func (m *eventMetrics) Counting(next events.Emitter) events.Emitter {
	return events.FuncEmitter(func(evt events.Event) {
		m.Record(evt)
		if next != nil {
			next.Emit(evt)
		}
	})
}
