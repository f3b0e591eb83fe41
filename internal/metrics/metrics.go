// Package metrics — метрики Prometheus сервиса сообщений, отдаются на /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamchat_messages_created_total",
		Help: "Messages persisted",
	})

	// FanoutPublishes: result = ok | error | breaker_open.
	FanoutPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamchat_fanout_publishes_total",
		Help: "Bus publishes by event type and result",
	}, []string{"event", "result"})

	PushNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamchat_push_notifications_total",
		Help: "Push notifications handed to the push service",
	}, []string{"result"})

	TasksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamchat_tasks_dropped_total",
		Help: "Background tasks rejected because the queue was full or stopped",
	}, []string{"queue"})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamchat_task_failures_total",
		Help: "Background tasks that returned an error, timed out or panicked",
	}, []string{"queue", "task"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teamchat_task_duration_seconds",
		Help:    "Background task run time",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"queue", "task"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teamchat_queue_depth",
		Help: "Tasks waiting in a background queue",
	}, []string{"queue"})

	// BreakerState: 0=closed, 1=half-open, 2=open (значения gobreaker.State).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teamchat_circuit_breaker_state",
		Help: "Circuit breaker state",
	}, []string{"name"})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teamchat_attachment_uploads_total",
		Help: "Attachment uploads by result",
	}, []string{"result"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teamchat_ws_connections",
		Help: "Open websocket connections",
	})

	WSEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamchat_ws_slow_client_evictions_total",
		Help: "Websocket clients closed because their send buffer was full",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teamchat_http_rate_limited_total",
		Help: "HTTP requests rejected by the rate limiter",
	})
)
