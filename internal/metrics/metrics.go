package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_events_total",
			Help: "Total number of events accepted onto the bus.",
		},
		[]string{"event_type", "source"},
	)

	ReactorExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_reactor_executions_total",
			Help: "Total number of reactor executions by outcome.",
		},
		[]string{"reactor", "status"}, // success, error, skipped
	)

	HTTPCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_http_calls_total",
			Help: "Total number of outbound HTTP calls.",
		},
		[]string{"target", "method", "status_code"},
	)

	RetryQueueAdditionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_retry_queue_additions_total",
			Help: "Total number of tasks added to the retry queue.",
		},
		[]string{"type", "reason"}, // reason: http_5xx, timeout, network, ...
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_retry_attempts_total",
			Help: "Total number of retry executions by outcome.",
		},
		[]string{"type", "outcome"}, // success, rescheduled, dead_lettered
	)

	DeadLetterAdditionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_dead_letter_queue_additions_total",
			Help: "Total number of tasks moved to the dead letter queue.",
		},
		[]string{"type"},
	)

	RelayPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_relay_published_total",
			Help: "Total number of messages mirrored to the broker.",
		},
		[]string{"topic", "status"},
	)

	ReactorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_reactor_duration_seconds",
			Help:    "Reactor execution time.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"reactor"},
	)

	HTTPCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_http_call_duration_seconds",
			Help:    "Outbound HTTP call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"target"},
	)

	EventPersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_event_persist_duration_seconds",
			Help:    "Time to append an event to the audit log.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	RetryQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_retry_queue_size",
			Help: "Number of pending retry tasks.",
		},
	)

	DeadLetterQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_dead_letter_queue_size",
			Help: "Number of dead letters.",
		},
	)

	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_websocket_connections",
			Help: "Number of open gateway connections.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsTotal,
		ReactorExecutionsTotal,
		HTTPCallsTotal,
		RetryQueueAdditionsTotal,
		RetryAttemptsTotal,
		DeadLetterAdditionsTotal,
		RelayPublishedTotal,
		ReactorDuration,
		HTTPCallDuration,
		EventPersistDuration,
		RetryQueueSize,
		DeadLetterQueueSize,
		WebsocketConnections,
	)
}

// RecordEvent counts an event accepted onto the bus.
func RecordEvent(eventType, source string) {
	EventsTotal.WithLabelValues(eventType, source).Inc()
}

// RecordReactor counts a reactor run and observes its duration.
func RecordReactor(reactor, status string, d time.Duration) {
	ReactorExecutionsTotal.WithLabelValues(reactor, status).Inc()
	ReactorDuration.WithLabelValues(reactor).Observe(d.Seconds())
}

// RecordHTTPCall counts an outbound call. status 0 means no response.
func RecordHTTPCall(target, method string, status int, d time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	HTTPCallsTotal.WithLabelValues(target, method, code).Inc()
	HTTPCallDuration.WithLabelValues(target).Observe(d.Seconds())
}

func RecordRetryQueued(taskType, reason string) {
	RetryQueueAdditionsTotal.WithLabelValues(taskType, reason).Inc()
}

func RecordRetryAttempt(taskType, outcome string) {
	RetryAttemptsTotal.WithLabelValues(taskType, outcome).Inc()
}

func RecordDeadLetter(taskType string) {
	DeadLetterAdditionsTotal.WithLabelValues(taskType).Inc()
}

func RecordRelay(topic string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RelayPublishedTotal.WithLabelValues(topic, status).Inc()
}

// RecordRelayDropped counts a message discarded because the relay queue was full.
func RecordRelayDropped(topic string) {
	RelayPublishedTotal.WithLabelValues(topic, "dropped").Inc()
}

func ObservePersist(d time.Duration) {
	EventPersistDuration.Observe(d.Seconds())
}

// UpdateQueueSizes sets the retry and dead letter gauges.
func UpdateQueueSizes(pending, deadLetters int) {
	RetryQueueSize.Set(float64(pending))
	DeadLetterQueueSize.Set(float64(deadLetters))
}

func ConnectionOpened() { WebsocketConnections.Inc() }
func ConnectionClosed() { WebsocketConnections.Dec() }
