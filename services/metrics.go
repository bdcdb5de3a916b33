package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はエンジンの動作を記録する
type Metrics interface {
	// RecordSweep は 1 回のスイープにかかった秒数を記録する
	RecordSweep(seconds float64)

	// RecordExpiry は期限切れ処理の結果 ("expired", "stale", "failed") を記録する
	RecordExpiry(outcome string)

	// RecordQueueOutcome はキューエントリの処理結果を記録する
	RecordQueueOutcome(outcome string)

	// RecordCommand はコマンドの処理結果を記録する
	RecordCommand(command, result string)
}

// NopMetrics は何も記録しない
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) RecordSweep(float64)          {}
func (NopMetrics) RecordExpiry(string)          {}
func (NopMetrics) RecordQueueOutcome(string)    {}
func (NopMetrics) RecordCommand(string, string) {}

// PrometheusMetrics は Prometheus に記録する Metrics
type PrometheusMetrics struct {
	sweeps        prometheus.Counter
	sweepDuration prometheus.Histogram
	expiries      *prometheus.CounterVec
	queueOutcomes *prometheus.CounterVec
	commands      *prometheus.CounterVec
}

var _ Metrics = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics はメトリクスを reg に登録する
// reg が nil なら prometheus.DefaultRegisterer、namespace が空なら "assignbot" を使う
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "assignbot"
	}

	m := &PrometheusMetrics{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total reconciliation sweeps.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		expiries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Overdue assignments handled by outcome (expired, stale, failed).",
		}, []string{"outcome"}),
		queueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_outcomes_total",
			Help:      "Queue entries processed by outcome (admitted, requeued, purged, deferred, failed).",
		}, []string{"outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Comment commands handled by command and result.",
		}, []string{"command", "result"}),
	}

	reg.MustRegister(m.sweeps, m.sweepDuration, m.expiries, m.queueOutcomes, m.commands)
	return m
}

func (m *PrometheusMetrics) RecordSweep(seconds float64) {
	m.sweeps.Inc()
	m.sweepDuration.Observe(seconds)
}

func (m *PrometheusMetrics) RecordExpiry(outcome string) {
	m.expiries.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) RecordQueueOutcome(outcome string) {
	m.queueOutcomes.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) RecordCommand(command, result string) {
	m.commands.WithLabelValues(command, result).Inc()
}
