package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stompd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stompd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stompd",
			Subsystem: "broker",
			Name:      "sessions_active",
			Help:      "Currently connected broker sessions.",
		},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stompd",
			Subsystem: "stomp",
			Name:      "frames_total",
			Help:      "STOMP frames read or written, by direction and command.",
		},
		[]string{"direction", "command"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stompd",
			Subsystem: "stomp",
			Name:      "decode_errors_total",
			Help:      "Inbound frame parse and validation failures.",
		},
		[]string{"kind"},
	)
	publishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stompd",
			Subsystem: "broker",
			Name:      "messages_published_total",
			Help:      "SEND frames routed to at least one subscriber.",
		},
	)
	deliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stompd",
			Subsystem: "broker",
			Name:      "messages_delivered_total",
			Help:      "MESSAGE frames queued to subscribers.",
		},
	)
	publishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stompd",
			Subsystem: "broker",
			Name:      "publish_errors_total",
			Help:      "SEND frames that could not be routed.",
		},
		[]string{"reason"},
	)
	slowConsumers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stompd",
			Subsystem: "broker",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Sessions closed because their outbound queue overflowed.",
		},
	)
	clientReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stompd",
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Client reconnect attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			activeSessions,
			framesTotal,
			decodeErrors,
			publishedTotal,
			deliveredTotal,
			publishErrors,
			slowConsumers,
			clientReconnects,
		)
	})
}

func RecordHTTPRequest(component, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, path, statusLabel).Observe(duration.Seconds())
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	activeSessions.Dec()
}

// RecordFrame counts one frame; direction is "in" or "out".
func RecordFrame(direction, command string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, command).Inc()
}

func RecordDecodeError(kind string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(kind).Inc()
}

func RecordPublish(delivered int) {
	RegisterMetrics()
	publishedTotal.Inc()
	deliveredTotal.Add(float64(delivered))
}

func RecordPublishError(reason string) {
	RegisterMetrics()
	publishErrors.WithLabelValues(reason).Inc()
}

func RecordSlowConsumer() {
	RegisterMetrics()
	slowConsumers.Inc()
}

func RecordReconnect(success bool) {
	RegisterMetrics()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	clientReconnects.WithLabelValues(outcome).Inc()
}
