package telemetry

import "github.com/prometheus/client_golang/prometheus"

// OperationalInfoEnqueued tracks operational info payloads currently
// sitting on the ingestion list, by client platform: incremented on
// enqueue, decremented when the drainer persists the record.
var OperationalInfoEnqueued = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "analytics",
		Subsystem: "operational_info",
		Name:      "enqueued",
		Help:      "Operational info payloads enqueued and not yet persisted, by platform.",
	},
	[]string{"platform"},
)

// OperationalInfoAndroidReusedSaltTotal counts Android submissions whose
// salt had already been consumed by a prior submission.
var OperationalInfoAndroidReusedSaltTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "analytics",
		Subsystem: "operational_info",
		Name:      "android_reused_salt_total",
		Help:      "Total number of Android operational info submissions rejected for salt reuse.",
	},
)

// StoredExposurePayloadTotal counts exposure payloads persisted by the
// drainer.
var StoredExposurePayloadTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "analytics",
		Subsystem: "exposure_payload",
		Name:      "stored_total",
		Help:      "Total number of exposure payloads stored to the durable store.",
	},
)

// StoredOperationalInfoTotal counts operational info documents persisted
// by the drainer.
var StoredOperationalInfoTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "analytics",
		Subsystem: "operational_info",
		Name:      "stored_total",
		Help:      "Total number of operational info documents stored to the durable store.",
	},
)

// WrongExposurePayloadTotal counts exposure payload elements discarded by
// the drainer for failing format validation.
var WrongExposurePayloadTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "analytics",
		Subsystem: "exposure_payload",
		Name:      "wrong_format_total",
		Help:      "Total number of exposure payload elements discarded for invalid format.",
	},
)

// IOSAuthStepTotal counts entries into each step of the iOS authorization
// state machine.
var IOSAuthStepTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "analytics",
		Subsystem: "iosauth",
		Name:      "step_total",
		Help:      "Total number of entries into each iOS authorization step.",
	},
	[]string{"step"},
)

// IOSAuthOutcomeTotal counts terminal outcomes of the iOS authorization
// state machine.
var IOSAuthOutcomeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "analytics",
		Subsystem: "iosauth",
		Name:      "outcome_total",
		Help:      "Total number of terminal outcomes of the iOS authorization state machine, by outcome.",
	},
	[]string{"outcome"},
)

// IngestionQueueLength samples the length of an ingestion list immediately
// after a drainer run.
var IngestionQueueLength = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "analytics",
		Subsystem: "ingestion",
		Name:      "queue_length",
		Help:      "Length of an ingestion queue sampled after the last drain.",
	},
	[]string{"queue"},
)

// DeviceCheckRequestDuration tracks latency of calls to Apple's DeviceCheck
// API, by outcome.
var DeviceCheckRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "analytics",
		Subsystem: "devicecheck",
		Name:      "request_duration_seconds",
		Help:      "Apple DeviceCheck request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

// HTTPRequestDuration tracks request latency of the public HTTP surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "analytics",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"route", "method", "status"},
)

// SafetyNetVerificationTotal counts SafetyNet attestation verification
// outcomes.
var SafetyNetVerificationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "analytics",
		Subsystem: "safetynet",
		Name:      "verification_total",
		Help:      "Total number of SafetyNet attestation verifications, by outcome.",
	},
	[]string{"outcome"},
)

// All returns every metric collector defined for this service, for
// registration against a Prometheus registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		OperationalInfoEnqueued,
		OperationalInfoAndroidReusedSaltTotal,
		StoredExposurePayloadTotal,
		StoredOperationalInfoTotal,
		WrongExposurePayloadTotal,
		IOSAuthStepTotal,
		IOSAuthOutcomeTotal,
		IngestionQueueLength,
		DeviceCheckRequestDuration,
		HTTPRequestDuration,
		SafetyNetVerificationTotal,
	}
}
