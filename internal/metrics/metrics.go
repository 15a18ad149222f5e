package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Workflow metrics
	TransitionsTotal      *prometheus.CounterVec
	VersionsAppendedTotal prometheus.Counter
	AppendRetriesTotal    prometheus.Counter
	ReviewsSubmittedTotal *prometheus.CounterVec
	ReviewsValidatedTotal *prometheus.CounterVec
	AssignmentsTotal      prometheus.Counter
	ManuscriptsSubmitted  prometheus.Counter

	// Outbox metrics
	OutboxDeliveriesTotal *prometheus.CounterVec
	OutboxParkedTotal     prometheus.Counter

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Schema validation metrics
	SchemaValidationTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics instance, creating and
// registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editorial_transitions_total",
			Help: "Committed manuscript status transitions",
		}, []string{"from", "to"}),

		VersionsAppendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editorial_versions_appended_total",
			Help: "Manuscript versions appended after the initial submission",
		}),

		AppendRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editorial_version_append_retries_total",
			Help: "Version appends retried after losing a concurrent race",
		}),

		ReviewsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editorial_reviews_submitted_total",
			Help: "Finalized reviews by recommendation",
		}, []string{"recommendation", "late"}),
		ReviewsValidatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editorial_reviews_validated_total",
			Help: "Editorial verdicts on review reports by outcome",
		}, []string{"status"}),

		AssignmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editorial_assignments_total",
			Help: "Reviewer assignments created",
		}),

		ManuscriptsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "editorial_manuscripts_submitted_total",
			Help: "Manuscripts submitted",
		}),

		OutboxDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Outbox effect delivery attempts",
		}, []string{"effect", "status"}),

		OutboxParkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_parked_total",
			Help: "Outbox events parked after exhausting delivery attempts",
		}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_validation_total",
			Help: "Total number of command payload validations",
		}, []string{"command", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

func registerMetrics(m *Metrics) {
	for _, c := range []prometheus.Collector{
		m.HTTPRequestTotal,
		m.HTTPRequestDuration,
		m.StorageOperationTotal,
		m.StorageOperationDuration,
		m.TransitionsTotal,
		m.VersionsAppendedTotal,
		m.AppendRetriesTotal,
		m.ReviewsSubmittedTotal,
		m.ReviewsValidatedTotal,
		m.AssignmentsTotal,
		m.ManuscriptsSubmitted,
		m.OutboxDeliveriesTotal,
		m.OutboxParkedTotal,
		m.EventPublishTotal,
		m.EventPublishDuration,
		m.SchemaValidationTotal,
	} {
		registerOrGet(c)
	}
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Status returns the label value used for operation outcomes.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
