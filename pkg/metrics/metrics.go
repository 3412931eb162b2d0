package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Orchestrator metrics
	MessagesSent        prometheus.Counter
	MessagesRescheduled *prometheus.CounterVec
	MessagesSuperseded  prometheus.Counter
	MessagesFailed      prometheus.Counter
	RelevanceFailOpen   prometheus.Counter
	TickDuration        prometheus.Histogram

	// Dispatcher metrics
	TasksProcessed *prometheus.CounterVec
	TasksRetried   *prometheus.CounterVec
	TasksDead      prometheus.Counter
	TaskDuration   *prometheus.HistogramVec
}

// New creates and registers all application metrics under a namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages handed to the transport boundary",
		}),
		MessagesRescheduled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rescheduled_total",
			Help:      "Total number of messages put back in the queue, by reason",
		}, []string{"reason"}),
		MessagesSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_superseded_total",
			Help:      "Total number of messages marked obsolete before sending",
		}),
		MessagesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total number of messages that failed permanently",
		}),
		RelevanceFailOpen: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relevance_fail_open_total",
			Help:      "Relevance checks that fell back to still_relevant on provider failure",
		}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one polling tick",
			Buckets:   prometheus.DefBuckets,
		}),

		TasksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Total number of tasks processed, by type and outcome",
		}, []string{"task_type", "outcome"}),
		TasksRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Total number of task retry reschedules, by type",
		}, []string{"task_type"}),
		TasksDead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dead_lettered_total",
			Help:      "Total number of tasks moved to the dead-letter table",
		}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task handler execution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_type"}),
	}
}
