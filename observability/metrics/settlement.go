package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SettlementMetrics struct {
	accrualCommits   prometheus.Counter
	globalIndex      prometheus.Gauge
	rewardMinted     prometheus.Counter
	intentsSubmitted *prometheus.CounterVec
	intentsSettled   *prometheus.CounterVec
	intentsSkipped   *prometheus.CounterVec
	conversions      prometheus.Counter
	stableConverted  prometheus.Counter
	epochs           prometheus.Counter
	epochDuration    prometheus.Histogram
	errors           *prometheus.CounterVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			accrualCommits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tipledger_accrual_commits_total",
				Help: "Count of committed accrual index updates.",
			}),
			globalIndex: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tipledger_accrual_global_index",
				Help: "Latest committed global accrual index scaled down by 1e18.",
			}),
			rewardMinted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tipledger_reward_minted_total",
				Help: "Reward token units minted by account credits.",
			}),
			intentsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tipledger_intents_submitted_total",
				Help: "Count of submitted intents by kind.",
			}, []string{"kind"}),
			intentsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tipledger_intents_settled_total",
				Help: "Count of settled intents by kind.",
			}, []string{"kind"}),
			intentsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tipledger_intents_skipped_total",
				Help: "Count of intents skipped during settlement by reason.",
			}, []string{"reason"}),
			conversions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tipledger_creator_conversions_total",
				Help: "Count of creator reward to stable conversions.",
			}),
			stableConverted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tipledger_stable_converted_total",
				Help: "Stable token units minted by creator conversions.",
			}),
			epochs: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tipledger_epochs_settled_total",
				Help: "Count of completed settlement epochs.",
			}),
			epochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "tipledger_epoch_duration_seconds",
				Help:    "Wall time spent processing a settlement epoch.",
				Buckets: prometheus.DefBuckets,
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tipledger_engine_errors_total",
				Help: "Count of rejected engine calls by operation and error class.",
			}, []string{"operation", "class"}),
		}
		prometheus.MustRegister(
			settlementRegistry.accrualCommits,
			settlementRegistry.globalIndex,
			settlementRegistry.rewardMinted,
			settlementRegistry.intentsSubmitted,
			settlementRegistry.intentsSettled,
			settlementRegistry.intentsSkipped,
			settlementRegistry.conversions,
			settlementRegistry.stableConverted,
			settlementRegistry.epochs,
			settlementRegistry.epochDuration,
			settlementRegistry.errors,
		)
	})
	return settlementRegistry
}

func (m *SettlementMetrics) ObserveAccrual(index float64) {
	if m == nil {
		return
	}
	m.accrualCommits.Inc()
	m.globalIndex.Set(index)
}

func (m *SettlementMetrics) ObserveRewardMinted(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.rewardMinted.Add(amount)
}

func (m *SettlementMetrics) ObserveIntentSubmitted(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.intentsSubmitted.WithLabelValues(kind).Inc()
}

func (m *SettlementMetrics) ObserveIntentSettled(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.intentsSettled.WithLabelValues(kind).Inc()
}

func (m *SettlementMetrics) ObserveIntentSkipped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.intentsSkipped.WithLabelValues(reason).Inc()
}

func (m *SettlementMetrics) ObserveConversion(stableMinted float64) {
	if m == nil {
		return
	}
	m.conversions.Inc()
	if stableMinted > 0 {
		m.stableConverted.Add(stableMinted)
	}
}

func (m *SettlementMetrics) ObserveEpoch(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.epochs.Inc()
	m.epochDuration.Observe(elapsed.Seconds())
}

func (m *SettlementMetrics) ObserveError(operation, class string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if class == "" {
		class = "internal"
	}
	m.errors.WithLabelValues(operation, class).Inc()
}
