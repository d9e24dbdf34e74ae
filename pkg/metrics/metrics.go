package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total number of lifecycle events consumed",
		},
		[]string{"service", "event_type", "status"}, // status: ok, skipped, failed
	)

	InstancesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurring_instances_generated_total",
			Help: "Total number of task instances generated from recurring templates",
		},
		[]string{"pattern"},
	)

	RemindersFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reminders_fired_total",
			Help: "Total number of reminder_due events published",
		},
	)

	RemindersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reminders_pending",
			Help: "Number of reminders currently pending in the scheduler queue",
		},
	)

	NotificationsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_pushed_total",
			Help: "Total number of notification frames pushed to clients",
		},
		[]string{"result"}, // result: ok, coalesced, write_failed
	)

	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connections",
			Help: "Number of open notification stream connections",
		},
	)

	AuditBatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_batch_flushes_total",
			Help: "Total number of audit batch flush attempts",
		},
		[]string{"status"}, // status: ok, retried, sunk
	)

	AuditFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_flush_duration_seconds",
			Help:    "Audit batch flush duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation", "table"},
	)
)

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}
