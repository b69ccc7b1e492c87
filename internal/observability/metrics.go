package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the dispatch service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	dispatchPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_dispatch_publish_total",
			Help: "Dispatch publishes by event kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	dispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_dispatch_queue_depth",
			Help: "Jobs waiting in the dispatch publish queue.",
		},
	)
	consumerDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_consumer_deliveries_total",
			Help: "Consumed deliveries by queue kind and outcome.",
		},
		[]string{"queue", "outcome"},
	)
	consumerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_consumer_retries_total",
			Help: "Handler retries by queue kind.",
		},
		[]string{"queue"},
	)
	deadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_dead_letters_total",
			Help: "Messages drained from the dead-letter queue by reason.",
		},
		[]string{"reason"},
	)
	activeRoomConsumers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_room_consumers",
			Help: "Room consumers currently running.",
		},
	)
	consumerWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_consumer_workers",
			Help: "Live consumer worker goroutines.",
		},
	)
	busEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_bus_events_total",
			Help: "Bus events by outcome (delivered, dropped, relayed).",
		},
		[]string{"outcome"},
	)
	consumerLossesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_consumer_losses_total",
			Help: "Consumers whose delivery stream closed without being stopped, by kind and recovery (released, restarted).",
		},
		[]string{"kind", "recovery"},
	)
	brokerReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broker_reconnects_total",
			Help: "Broker connection recovery attempts by outcome.",
		},
		[]string{"outcome"},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_cache_lookups_total",
			Help: "Cache lookups by cache and result.",
		},
		[]string{"cache", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		dispatchPublishTotal,
		dispatchQueueDepth,
		consumerDeliveriesTotal,
		consumerRetriesTotal,
		deadLettersTotal,
		activeRoomConsumers,
		consumerWorkers,
		busEventsTotal,
		consumerLossesTotal,
		brokerReconnectsTotal,
		cacheLookupsTotal,
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

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
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

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// IncDispatchPublish counts a pipeline outcome: ok, retry, dropped, rejected,
// nack or returned.
func IncDispatchPublish(kind, outcome string) {
	dispatchPublishTotal.WithLabelValues(kind, outcome).Inc()
}

func SetDispatchQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

// IncConsumerDelivery counts a consumed delivery: acked, dead_lettered or
// abandoned.
func IncConsumerDelivery(queue, outcome string) {
	consumerDeliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

func IncConsumerRetry(queue string) {
	consumerRetriesTotal.WithLabelValues(queue).Inc()
}

func IncDeadLetter(reason string) {
	deadLettersTotal.WithLabelValues(reason).Inc()
}

func SetActiveRoomConsumers(n int) {
	activeRoomConsumers.Set(float64(n))
}

func AddConsumerWorkers(delta int) {
	consumerWorkers.Add(float64(delta))
}

func IncConsumerLoss(kind, recovery string) {
	consumerLossesTotal.WithLabelValues(kind, recovery).Inc()
}

func IncBrokerReconnect(outcome string) {
	brokerReconnectsTotal.WithLabelValues(outcome).Inc()
}

func IncBusEvent(outcome string) {
	busEventsTotal.WithLabelValues(outcome).Inc()
}

func IncCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}
