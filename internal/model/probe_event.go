package model

import (
	"time"

	"github.com/google/uuid"
)

// ProbeOutcome classifies one health check observation.
type ProbeOutcome string

const (
	ProbeOutcomeSuccess ProbeOutcome = "SUCCESS"
	ProbeOutcomeFailure ProbeOutcome = "FAILURE"
)

// ProbeEventPayload is one health check observation shipped (batched) to
// the control plane as probe telemetry.
type ProbeEventPayload struct {
	EventID             string         `json:"eventId"`
	CheckedAt           time.Time      `json:"checkedAt"`
	Source              SourceMetadata `json:"source"`
	EndpointID          string         `json:"endpointId"`
	Generation          int64          `json:"generation"`
	Outcome             ProbeOutcome   `json:"outcome"`
	LatencyMillis       int64          `json:"latencyMillis"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	Detail              string         `json:"detail,omitempty"`
}

// NewProbeEventPayload creates a probe telemetry event.
func NewProbeEventPayload(
	endpointID string,
	generation int64,
	outcome ProbeOutcome,
	latency time.Duration,
	consecutiveFailures int,
	detail string,
	clusterID, controllerVersion string,
) ProbeEventPayload {
	return ProbeEventPayload{
		EventID:   uuid.New().String(),
		CheckedAt: time.Now().UTC(),
		Source: SourceMetadata{
			ClusterID:         clusterID,
			ControllerVersion: controllerVersion,
		},
		EndpointID:          endpointID,
		Generation:          generation,
		Outcome:             outcome,
		LatencyMillis:       latency.Milliseconds(),
		ConsecutiveFailures: consecutiveFailures,
		Detail:              detail,
	}
}
