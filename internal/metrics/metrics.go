package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_messages_consumed_total",
			Help: "Total number of envelopes consumed from the subscription",
		},
		[]string{"processor_type"},
	)

	notificationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_created_total",
			Help: "Total number of notifications persisted",
		},
		[]string{"processor_type"},
	)

	duplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_duplicates_total",
			Help: "Total number of notifications suppressed by the dedupe window",
		},
	)

	validationErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_validation_errors_total",
			Help: "Total number of envelopes rejected by the validator",
		},
	)

	unknownProcessorErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_unknown_processor_errors_total",
			Help: "Total number of envelopes with an unregistered processor type",
		},
	)

	dlqMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_dlq_messages_total",
			Help: "Total number of messages routed to the dead-letter topic",
		},
		[]string{"reason"},
	)

	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_retry_attempts_total",
			Help: "Total number of in-task retry attempts",
		},
		[]string{"operation"},
	)

	publishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_publish_failures_total",
			Help: "Total number of side-channel publish failures",
		},
		[]string{"channel"},
	)

	processingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_processing_duration_seconds",
			Help:    "Envelope processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"processor_type"},
	)

	workerSlotsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_worker_slots_active",
			Help: "Number of envelopes currently being processed",
		},
	)
)

func RecordMessageConsumed(processorType string) {
	messagesConsumedTotal.WithLabelValues(processorType).Inc()
}

func RecordNotificationsCreated(processorType string, n int) {
	if n > 0 {
		notificationsCreatedTotal.WithLabelValues(processorType).Add(float64(n))
	}
}

func RecordDuplicates(n int) {
	if n > 0 {
		duplicatesTotal.Add(float64(n))
	}
}

func RecordValidationError() {
	validationErrorsTotal.Inc()
}

func RecordUnknownProcessor() {
	unknownProcessorErrorsTotal.Inc()
}

func RecordDLQMessage(reason string) {
	dlqMessagesTotal.WithLabelValues(reason).Inc()
}

func RecordRetryAttempt(operation string) {
	retryAttemptsTotal.WithLabelValues(operation).Inc()
}

func RecordPublishFailure(channel string) {
	publishFailuresTotal.WithLabelValues(channel).Inc()
}

func RecordProcessing(processorType string, d time.Duration) {
	processingDuration.WithLabelValues(processorType).Observe(d.Seconds())
}

func IncWorkerSlots() { workerSlotsActive.Inc() }
func DecWorkerSlots() { workerSlotsActive.Dec() }

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
