package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket sessions",
	})
	WsMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages persisted and fanned out",
	}, []string{"type"})
	FanoutDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_deliveries_total",
		Help: "Frames queued onto session outbound queues",
	})
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_dropped_total",
		Help: "Sessions dropped because their outbound queue was full",
	})
	TypingEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_typing_events_total",
		Help: "Typing state events relayed",
	})
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_notifications_total",
		Help: "Ticket notifications pushed",
	}, []string{"kind"})
	WsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_rejected_total",
		Help: "Inbound websocket requests rejected, by error code",
	}, []string{"code"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsMessagesTotal, FanoutDeliveries, FanoutDropped, TypingEvents,
		NotificationsTotal, WsRejected, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
