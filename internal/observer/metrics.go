package observer

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// InitMetrics turns metric collection on or off. Collectors are registered by promauto either way.
func InitMetrics(enabled bool) {
	metricsEnabled.Store(enabled)
}

func enabled() bool { return metricsEnabled.Load() }

// sanitizeTenant keeps the company_id label non-empty.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// --- event consumption ---

var (
	eventProcessingLabels = []string{"event_type", "company_id", "consumer_type"}
	eventActionLabels     = []string{"event_type", "company_id", "consumer_type", "action", "error_type"}

	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_events_received_total",
			Help: "Events received from NATS.",
		},
		eventProcessingLabels,
	)
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_events_processed_total",
			Help: "Events processed and acknowledged.",
		},
		eventProcessingLabels,
	)
	EventsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_events_failed_total",
			Help: "Events whose processing failed (nak, term or dlq).",
		},
		eventProcessingLabels,
	)
	EventProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_automation_event_processing_duration_seconds",
			Help:    "Event processing durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		eventProcessingLabels,
	)
	EventProcessingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_event_processing_actions_total",
			Help: "Ack/nak/dlq decisions taken after event processing.",
		},
		eventActionLabels,
	)
)

func IncEventsReceived(eventType, tenant, consumerType string) {
	if !enabled() {
		return
	}
	EventsReceivedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

func IncEventsProcessed(eventType, tenant, consumerType string) {
	if !enabled() {
		return
	}
	EventsProcessedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

func IncEventsFailed(eventType, tenant, consumerType string) {
	if !enabled() {
		return
	}
	EventsFailedTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Inc()
}

func ObserveEventProcessingDuration(eventType, tenant, consumerType string, duration time.Duration) {
	if !enabled() {
		return
	}
	EventProcessingDurationSeconds.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType).Observe(duration.Seconds())
}

func IncEventProcessingAction(eventType, tenant, consumerType, action, errorType string) {
	if !enabled() {
		return
	}
	EventProcessingActionsTotal.WithLabelValues(eventType, sanitizeTenant(tenant), consumerType, action, SanitizeErrorType(errorType)).Inc()
}

// --- database ---

var DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "crm_automation_db_operation_duration_seconds",
		Help:    "Database operation durations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	},
	[]string{"operation", "entity", "company_id", "status"},
)

// ObserveDbOperationDuration records one repository call, labelled success or error.
func ObserveDbOperationDuration(operation, entity, companyID string, duration time.Duration, err error) {
	if !enabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(companyID), status).Observe(duration.Seconds())
}

// --- automation engine ---

var (
	automationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_run_transitions_total",
			Help: "Run status transitions won by this instance, by resulting status.",
		},
		[]string{"company_id", "status"},
	)
	automationRaceLossesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_run_race_losses_total",
			Help: "Compare-and-set transitions lost to another actor.",
		},
		[]string{"company_id", "operation"},
	)
	automationSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_stage_entry_skips_total",
			Help: "Stage entries that did not create a run, by reason.",
		},
		[]string{"company_id", "reason"},
	)
	flowRunnerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_flow_runner_calls_total",
			Help: "Flow runner calls by operation and outcome.",
		},
		[]string{"company_id", "operation", "outcome"},
	)
	flowRunnerCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_automation_flow_runner_call_duration_seconds",
			Help:    "Flow runner call durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	sweepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_automation_sweep_duration_seconds",
			Help:    "Duration of one timeout sweep.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"company_id"},
	)
	sweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_sweep_runs_total",
			Help: "Runs handled by the sweep, by outcome (moved, no_target, move_error, skipped, flow_retried, armed).",
		},
		[]string{"company_id", "outcome"},
	)
	automationPoolRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crm_automation_pool_running",
		Help: "Workers currently busy in the automation pool.",
	})
)

func IncRunTransition(companyID, status string) {
	if !enabled() {
		return
	}
	automationTransitionsTotal.WithLabelValues(sanitizeTenant(companyID), status).Inc()
}

func IncRaceLoss(companyID, operation string) {
	if !enabled() {
		return
	}
	automationRaceLossesTotal.WithLabelValues(sanitizeTenant(companyID), operation).Inc()
}

func IncStageEntrySkip(companyID, reason string) {
	if !enabled() {
		return
	}
	automationSkipsTotal.WithLabelValues(sanitizeTenant(companyID), reason).Inc()
}

// ObserveFlowRunnerCall records a flow runner call and whether it failed.
func ObserveFlowRunnerCall(companyID, operation string, duration time.Duration, err error) {
	if !enabled() {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = SanitizeErrorType(err.Error())
	}
	flowRunnerCallsTotal.WithLabelValues(sanitizeTenant(companyID), operation, outcome).Inc()
	flowRunnerCallDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

func ObserveSweepDuration(companyID string, duration time.Duration) {
	if !enabled() {
		return
	}
	sweepDurationSeconds.WithLabelValues(sanitizeTenant(companyID)).Observe(duration.Seconds())
}

func IncSweepOutcome(companyID, outcome string) {
	if !enabled() {
		return
	}
	sweepRunsTotal.WithLabelValues(sanitizeTenant(companyID), outcome).Inc()
}

func SetAutomationPoolRunning(n int) {
	if !enabled() {
		return
	}
	automationPoolRunning.Set(float64(n))
}

// --- REST API ---

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_api_requests_total",
			Help: "REST requests by route and status code.",
		},
		[]string{"method", "route", "code"},
	)
	apiRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_automation_api_request_duration_seconds",
			Help:    "REST request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func ObserveAPIRequest(method, route, code string, duration time.Duration) {
	if !enabled() {
		return
	}
	apiRequestsTotal.WithLabelValues(method, route, code).Inc()
	apiRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// --- DLQ worker ---

var (
	dlqTenantLabels = []string{"company_id"}

	dlqFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_automation_dlq_fetch_errors_total",
		Help: "Errors fetching from the DLQ stream.",
	})
	dlqQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crm_automation_dlq_queue_length",
		Help: "Messages buffered in the DLQ worker channel.",
	})
	dlqTasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_dlq_tasks_submitted_total",
			Help: "DLQ messages submitted to the worker pool.",
		},
		dlqTenantLabels,
	)
	dlqProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_automation_dlq_processing_duration_seconds",
			Help:    "DLQ message processing durations.",
			Buckets: prometheus.DefBuckets,
		},
		dlqTenantLabels,
	)
	dlqTaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_dlq_task_retries_total",
			Help: "DLQ messages nak'd for a delayed retry.",
		},
		dlqTenantLabels,
	)
	dlqAcksSuccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_dlq_acks_success_total",
			Help: "DLQ messages reprocessed successfully.",
		},
		dlqTenantLabels,
	)
	dlqTasksExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_dlq_tasks_exhausted_total",
			Help: "DLQ messages parked as exhausted after the retry limit.",
		},
		dlqTenantLabels,
	)
)

func IncDlqFetchError() {
	if enabled() {
		dlqFetchErrorsTotal.Inc()
	}
}

func SetDlqQueueLength(length int) {
	if enabled() {
		dlqQueueLength.Set(float64(length))
	}
}

func IncDlqTasksSubmitted(companyID string) {
	if enabled() {
		dlqTasksSubmittedTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

func ObserveDlqProcessingDuration(companyID string, duration time.Duration) {
	if enabled() {
		dlqProcessingDurationSeconds.WithLabelValues(sanitizeTenant(companyID)).Observe(duration.Seconds())
	}
}

func IncDlqTaskRetry(companyID string) {
	if enabled() {
		dlqTaskRetriesTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

func IncDlqAckSuccess(companyID string) {
	if enabled() {
		dlqAcksSuccessTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

func IncDlqTasksExhausted(companyID string) {
	if enabled() {
		dlqTasksExhaustedTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

// --- load generator ---

var (
	loadgenLabels = []string{"subject", "company_id"}

	loadgenMessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_loadgen_messages_published_total",
			Help: "Events published by the load generator.",
		},
		loadgenLabels,
	)
	loadgenPublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_automation_loadgen_publish_errors_total",
			Help: "Load generator publish failures.",
		},
		loadgenLabels,
	)
)

func IncLoadgenMessagesPublished(subject, companyID string) {
	if enabled() {
		loadgenMessagesPublishedTotal.WithLabelValues(subject, sanitizeTenant(companyID)).Inc()
	}
}

func IncLoadgenPublishErrors(subject, companyID string) {
	if enabled() {
		loadgenPublishErrorsTotal.WithLabelValues(subject, sanitizeTenant(companyID)).Inc()
	}
}

// SanitizeErrorType buckets an error string into a low-cardinality label.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}
	switch {
	case strings.Contains(errStr, "flow runner"):
		return "flow_runner"
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"), strings.Contains(errStr, "connection"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
