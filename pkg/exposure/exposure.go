// Package exposure defines the exposure payload submitted once a device
// detects a risky exposure, and the validation/serialization semantics the
// store drainer applies before persisting it.
package exposure

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when a queued element fails the
// structural checks applied before persistence.
var ErrMalformedPayload = errors.New("exposure: malformed payload")

// Info describes a single detected exposure within a detection summary.
type Info struct {
	Date                  string `json:"date"`
	Duration              int    `json:"duration"`
	AttenuationValue      int    `json:"attenuation_value"`
	AttenuationDurations  []int  `json:"attenuation_durations"`
	TransmissionRiskLevel int    `json:"transmission_risk_level"`
	TotalRiskScore        int    `json:"total_risk_score"`
}

// DetectionSummary groups the exposures found during one detection run.
type DetectionSummary struct {
	Date                  string `json:"date"`
	MatchedKeyCount       int    `json:"matched_key_count"`
	DaysSinceLastExposure int    `json:"days_since_last_exposure"`
	AttenuationDurations  []int  `json:"attenuation_durations"`
	MaximumRiskScore      int    `json:"maximum_risk_score"`
	ExposureInfo          []Info `json:"exposure_info"`
}

// Payload is the exposure payload a client submits after being granted an
// upload authorization. SymptomsStartedOn is optional: payloads forwarded
// by the first version of the exposure-ingestion service never set it.
type Payload struct {
	Province                   string             `json:"province"`
	SymptomsStartedOn          string             `json:"symptoms_started_on,omitempty"`
	ExposureDetectionSummaries []DetectionSummary `json:"exposure_detection_summaries"`
}

// queueElement is the envelope the upstream exposure-ingestion service
// wraps each queued payload in.
type queueElement struct {
	Version *int            `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// FromQueueElement parses a raw element drained off the exposure payload
// queue. The element must be a {version, payload} envelope with version 1
// and a non-null payload; the payload itself is then validated with
// FromJSON.
func FromQueueElement(raw []byte) (Payload, error) {
	var element queueElement
	if err := json.Unmarshal(raw, &element); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if element.Version == nil || *element.Version != 1 {
		return Payload{}, fmt.Errorf("%w: unsupported version", ErrMalformedPayload)
	}
	if len(element.Payload) == 0 || string(element.Payload) == "null" {
		return Payload{}, fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}
	return FromJSON(element.Payload)
}

// FromJSON parses and validates a queued exposure payload element. A
// payload is malformed if province is empty or the
// exposure_detection_summaries key is absent altogether; an empty list is
// valid.
func FromJSON(raw []byte) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if payload.Province == "" {
		return Payload{}, fmt.Errorf("%w: missing province", ErrMalformedPayload)
	}
	if _, present := fields["exposure_detection_summaries"]; !present {
		return Payload{}, fmt.Errorf("%w: missing exposure_detection_summaries", ErrMalformedPayload)
	}
	if payload.ExposureDetectionSummaries == nil {
		payload.ExposureDetectionSummaries = []DetectionSummary{}
	}

	return payload, nil
}
