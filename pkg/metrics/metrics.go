// Package metrics provides Prometheus metrics for the Dispatch signal pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransportMessagesReceived tracks envelopes received per queue
	TransportMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Total number of envelopes received from signal queues",
		},
		[]string{"queue"},
	)

	// TransportMessagesDeleted tracks envelopes removed from the queue after handling
	TransportMessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "transport",
			Name:      "messages_deleted_total",
			Help:      "Total number of envelopes deleted from signal queues",
		},
		[]string{"queue"},
	)

	// TransportDecodeFailures tracks envelopes left on the queue because they could not be decoded
	TransportDecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "transport",
			Name:      "decode_failures_total",
			Help:      "Total number of envelopes that failed to decode",
		},
		[]string{"queue"},
	)

	// IngestTotal tracks ingestion outcomes
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "ingest",
			Name:      "instances_total",
			Help:      "Total number of signal instances ingested by result",
		},
		[]string{"organization", "result"},
	)

	// EntityExtractFailuresTotal tracks entity types skipped during extraction
	EntityExtractFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "extractor",
			Name:      "failures_total",
			Help:      "Total number of entity types skipped because they failed to evaluate",
		},
	)

	// FilterCompileErrorsTotal tracks filters skipped because their expression did not compile
	FilterCompileErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "filter",
			Name:      "compile_errors_total",
			Help:      "Total number of filters skipped because their expression failed to compile",
		},
	)

	// PipelineInstancesTotal tracks processed instances by filter action
	PipelineInstancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "pipeline",
			Name:      "instances_total",
			Help:      "Total number of signal instances processed by filter action",
		},
		[]string{"organization", "action"},
	)

	// PipelineDuration tracks per-instance pipeline latency
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Duration of the signal instance pipeline in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"organization"},
	)

	// PipelineFailuresTotal tracks instances rolled back and left for the next pass
	PipelineFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Total number of signal instances whose pipeline was rolled back",
		},
		[]string{"organization"},
	)

	// CasesCreatedTotal tracks cases created from signals
	CasesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "attacher",
			Name:      "cases_created_total",
			Help:      "Total number of cases created from signal instances",
		},
		[]string{"organization"},
	)

	// EngagementsTotal tracks engagement prompts and responses by status
	EngagementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "engagement",
			Name:      "total",
			Help:      "Total number of engagement instances by status",
		},
		[]string{"status"},
	)

	// DedupNotificationsTotal tracks conversation updates for deduplicated instances
	DedupNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "conversation",
			Name:      "dedup_notifications_total",
			Help:      "Total number of dedup conversation updates by result",
		},
		[]string{"result"},
	)

	// SchedulerPassDuration tracks the duration of a full pass over all organizations
	SchedulerPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "scheduler",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a scheduler pass over all organizations in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// SchedulerPendingInstances tracks unprocessed instances found per organization
	SchedulerPendingInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatch",
			Subsystem: "scheduler",
			Name:      "pending_instances",
			Help:      "Number of unprocessed signal instances found in the last pass",
		},
		[]string{"organization"},
	)

	// SchedulerInstanceFailuresTotal counts instances the scheduler left in the backlog after a failed run
	SchedulerInstanceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "scheduler",
			Name:      "instance_failures_total",
			Help:      "Total number of signal instances whose scheduled run failed",
		},
		[]string{"organization"},
	)
)
