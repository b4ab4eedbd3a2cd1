// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachetune_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cachetune_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)

	// SamplesIngested принятые сэмплы
	SamplesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachetune_samples_ingested_total",
			Help: "Total number of metric samples recorded into windows",
		},
	)

	// SamplesDropped отброшенные сэмплы (старше окна или переполнение очереди)
	SamplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachetune_samples_dropped_total",
			Help: "Total number of metric samples dropped",
		},
		[]string{"reason"},
	)

	// CyclesTotal завершенные циклы
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachetune_cycles_total",
			Help: "Total number of completed decision cycles",
		},
		[]string{"role"},
	)

	// CycleDuration длительность цикла
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cachetune_cycle_duration_seconds",
			Help:    "Decision cycle duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		},
	)

	// CycleOverruns циклы, не уложившиеся в интервал
	CycleOverruns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cachetune_cycle_overruns_total",
			Help: "Total number of cycles that ran past their interval",
		},
	)

	// Verdicts число партиций в каждом состоянии здоровья
	Verdicts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cachetune_verdicts",
			Help: "Current number of evaluated partitions per health state",
		},
		[]string{"state"},
	)

	// ActionsEmitted выпущенные действия
	ActionsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachetune_actions_emitted_total",
			Help: "Total number of tuning actions emitted",
		},
		[]string{"type"},
	)

	// Decisions исходы решений по причинам
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachetune_decisions_total",
			Help: "Total number of decider outcomes by reason",
		},
		[]string{"reason"},
	)

	// PublishFailures неудачные доставки
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachetune_publish_failures_total",
			Help: "Total number of failed deliveries by target",
		},
		[]string{"target"},
	)

	// PendingDeliveries действия, ожидающие подтверждения
	PendingDeliveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachetune_pending_deliveries",
			Help: "Number of action deliveries awaiting acknowledgement",
		},
	)

	// ActionsApplied действия, принятые исполнителем узла
	ActionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachetune_actions_applied_total",
			Help: "Total number of actions received by this node by outcome",
		},
		[]string{"outcome"},
	)

	// ErrorsTotal ошибки по видам
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cachetune_errors_total",
			Help: "Total number of errors by kind",
		},
		[]string{"kind"},
	)
)

// UpdateVerdictMetrics обновляет распределение состояний здоровья
func UpdateVerdictMetrics(counts map[string]int) {
	Verdicts.Reset()
	for state, n := range counts {
		Verdicts.WithLabelValues(state).Set(float64(n))
	}
}
