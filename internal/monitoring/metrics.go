package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the telemetry bridge.
// Scraped from the transport's /metrics endpoint.
var (
	// MQTT layer
	mqttReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_messages_received_total",
		Help: "MQTT payloads received from the broker",
	})

	mqttParsed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_messages_parsed_total",
		Help: "MQTT payloads parsed successfully",
	})

	mqttErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_errors_total",
		Help: "MQTT payloads or records dropped for parse or queue errors",
	})

	MQTTConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_connection_status",
		Help: "MQTT connection status (1=connected, 0=disconnected)",
	})

	// Dispatch layer
	deviceQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_messages_queued_total",
		Help: "Records enqueued into per-device broadcast queues",
	})

	deviceProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "device_messages_processed_total",
		Help: "Records drained by per-device broadcast workers",
	})

	messageLoss = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "message_loss_total",
		Help: "Records dropped, by stage",
	}, []string{"stage"})

	IngressQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingress_queue_length",
		Help: "Raw ingress queue depth",
	})

	// Broadcast layer
	broadcastSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_messages_sent_total",
		Help: "Records delivered to at least one WebSocket connection",
	})

	broadcastErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_errors_total",
		Help: "Per-connection WebSocket send failures",
	})

	WSConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_connections",
		Help: "Active WebSocket connections per client identity",
	}, []string{"client_id"})

	WSBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Frame bytes written to WebSocket connections",
	})

	CompressionRatio = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_compression_ratio",
		Help:    "Compressed/raw size ratio of outbound broadcast frames",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// Persistence layer
	dbSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "db_messages_saved_total",
		Help: "Records written to the store",
	})

	dbErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "db_errors_total",
		Help: "Records lost to store write or timestamp parse failures",
	})

	// System
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_cpu_usage_percent",
		Help: "Process host CPU usage percentage",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		mqttReceived,
		mqttParsed,
		mqttErrors,
		MQTTConnectionStatus,
		deviceQueued,
		deviceProcessed,
		messageLoss,
		IngressQueueLength,
		broadcastSent,
		broadcastErrors,
		WSConnections,
		WSBytesSent,
		CompressionRatio,
		dbSaved,
		dbErrors,
		CPUUsagePercent,
		MemoryUsageBytes,
		GoroutinesActive,
	)
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
