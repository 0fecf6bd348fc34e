package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_scheduled_total",
			Help: "Total number of AI tasks scheduled",
		},
		[]string{"type", "priority"},
	)
	TasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_active",
			Help: "Number of AI tasks currently tracked in memory",
		},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of AI tasks reaching a terminal state",
		},
		[]string{"type", "outcome"},
	)
	TaskProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_processing_duration_seconds",
			Help:    "Engine-reported processing time of completed tasks",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publishes_total",
			Help: "Total number of publishes by exchange and confirm mode",
		},
		[]string{"exchange", "mode", "status"},
	)
	ConfirmLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_confirm_latency_seconds",
			Help:    "Latency from publish to broker acknowledgement",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
	ConsumerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_consumer_errors_total",
			Help: "Total number of handler failures by queue",
		},
		[]string{"queue"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Total number of successful connection recoveries",
		},
	)
	MessagesReturnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_messages_returned_total",
			Help: "Total number of mandatory messages returned unroutable",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_queue_depth",
			Help: "Messages ready per queue, sampled periodically",
		},
		[]string{"queue"},
	)
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of domain events published by category",
		},
		[]string{"category"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(TasksScheduledTotal)
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TaskProcessingDuration)
	prometheus.MustRegister(PublishesTotal)
	prometheus.MustRegister(ConfirmLatency)
	prometheus.MustRegister(ConsumerErrorsTotal)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(MessagesReturnedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(EventsPublishedTotal)
}

func ScheduleTask(taskType, priority string) {
	TasksScheduledTotal.WithLabelValues(taskType, priority).Inc()
	TasksActive.Inc()
}

func FinishTask(taskType, outcome string) {
	TasksActive.Dec()
	TasksCompletedTotal.WithLabelValues(taskType, outcome).Inc()
}

func RecordPublish(exchange, mode string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	PublishesTotal.WithLabelValues(exchange, mode, status).Inc()
}
