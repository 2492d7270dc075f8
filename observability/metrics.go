package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	socketsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teleport",
			Subsystem: "transport",
			Name:      "sockets_active",
			Help:      "Currently open sockets.",
		},
	)
	socketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "transport",
			Name:      "sockets_total",
			Help:      "Sockets accepted since start.",
		},
	)
	socketMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Frames moved through the socket layer.",
		},
		[]string{"direction"},
	)
	malformedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "transport",
			Name:      "malformed_total",
			Help:      "Inbound frames that were not valid JSON.",
		},
	)
	droppedSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "transport",
			Name:      "dropped_total",
			Help:      "Outbound messages that could not be delivered.",
		},
		[]string{"reason"},
	)
	peersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "teleport",
			Subsystem: "peers",
			Name:      "active",
			Help:      "Known peers by state.",
		},
		[]string{"state"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "peers",
			Name:      "handshakes_total",
			Help:      "Connect and reconnect attempts by outcome.",
		},
		[]string{"kind", "outcome"},
	)
	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "peers",
			Name:      "evicted_total",
			Help:      "Peers evicted after their grace period.",
		},
	)
	queuedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "peers",
			Name:      "queued_total",
			Help:      "Messages queued for disconnected peers.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Commands handled by outcome.",
		},
		[]string{"object", "method", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teleport",
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Time from command receipt to reply.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"object", "method"},
	)
	objectEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Object events broadcast to peers.",
		},
		[]string{"object", "event"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teleport",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teleport",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			socketsActive, socketsTotal, socketMessages, malformedFrames, droppedSends,
			peersActive, handshakes, evictions, queuedMessages,
			commands, commandDuration, objectEvents,
			httpRequests, httpDuration,
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordSocketOpened() {
	RegisterMetrics()
	socketsTotal.Inc()
	socketsActive.Inc()
}

func RecordSocketClosed() {
	RegisterMetrics()
	socketsActive.Dec()
}

// RecordMessage counts one frame, direction is "in" or "out".
func RecordMessage(direction string) {
	RegisterMetrics()
	socketMessages.WithLabelValues(direction).Inc()
}

func RecordMalformed() {
	RegisterMetrics()
	malformedFrames.Inc()
}

func RecordDropped(reason string) {
	RegisterMetrics()
	droppedSends.WithLabelValues(reason).Inc()
}

func SetPeers(connected, disconnected int) {
	RegisterMetrics()
	peersActive.WithLabelValues("connected").Set(float64(connected))
	peersActive.WithLabelValues("disconnected").Set(float64(disconnected))
}

func RecordHandshake(kind, outcome string) {
	RegisterMetrics()
	handshakes.WithLabelValues(kind, outcome).Inc()
}

func RecordEviction() {
	RegisterMetrics()
	evictions.Inc()
}

func RecordQueued() {
	RegisterMetrics()
	queuedMessages.Inc()
}

func RecordCommand(object, method, outcome string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(object, method, outcome).Inc()
	commandDuration.WithLabelValues(object, method).Observe(duration.Seconds())
}

func RecordEvent(object, event string) {
	RegisterMetrics()
	objectEvents.WithLabelValues(object, event).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
