package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_ws_active_connections",
			Help: "Number of active websocket view connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"kind", "event"},
	)
	optimisticSendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_optimistic_sends_total",
			Help: "Total number of optimistic message sends.",
		},
	)
	sendRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_send_rollbacks_total",
			Help: "Total number of optimistic entries rolled back after a failed persist.",
		},
	)
	reconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_reconciles_total",
			Help: "Insert-event reconciliation outcomes.",
		},
		[]string{"outcome"},
	)
	droppedUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_dropped_view_updates_total",
			Help: "View updates dropped because the consumer was full.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		optimisticSendsTotal,
		sendRollbacksTotal,
		reconcilesTotal,
		droppedUpdatesTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncOptimisticSend() {
	optimisticSendsTotal.Inc()
}

func IncSendRollback() {
	sendRollbacksTotal.Inc()
}

// IncReconcile records an insert-event reconciliation outcome:
// duplicate, token_match, heuristic_match or appended.
func IncReconcile(outcome string) {
	reconcilesTotal.WithLabelValues(outcome).Inc()
}

func IncDroppedUpdate() {
	droppedUpdatesTotal.Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
