package model

import (
	"time"

	"github.com/google/uuid"
)

// StatusUpdate is the internal notification emitted by the reconciler on
// every confirmed status transition. Publishers translate it into their
// wire payloads.
type StatusUpdate struct {
	EndpointID     string
	Environment    Environment
	Route          string
	ModelReference string
	BackendKind    BackendKind
	Previous       EndpointStatus
	Current        EndpointStatus
	Reason         string
	Generation     int64
}

// TransitionOutcome classifies a transition for downstream consumers.
type TransitionOutcome string

const (
	TransitionOutcomeSucceeded TransitionOutcome = "SUCCEEDED"
	TransitionOutcomeFailed    TransitionOutcome = "FAILED"
)

// SourceMetadata identifies the controller instance that produced an event.
type SourceMetadata struct {
	ClusterID         string `json:"clusterId"`
	ControllerVersion string `json:"controllerVersion"`
}

// EndpointRef identifies an endpoint in external event payloads.
type EndpointRef struct {
	EndpointID     string      `json:"endpointId"`
	Environment    Environment `json:"environment"`
	Route          string      `json:"route"`
	ModelReference string      `json:"modelReference"`
	BackendKind    BackendKind `json:"backendKind"`
}

// ErrorDetail carries the classified failure reason on failed transitions.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EndpointEventPayload is the event sent to the control plane and Pub/Sub
// on every endpoint status transition.
type EndpointEventPayload struct {
	EventID    string             `json:"eventId"`
	OccurredAt time.Time          `json:"occurredAt"`
	Source     SourceMetadata     `json:"source"`
	Endpoint   EndpointRef        `json:"endpoint"`
	Previous   EndpointStatus     `json:"previousStatus,omitempty"`
	Current    EndpointStatus     `json:"currentStatus"`
	Generation int64              `json:"generation"`
	Outcome    *TransitionOutcome `json:"outcome,omitempty"`
	Error      *ErrorDetail       `json:"error,omitempty"`
}

// NewEndpointEventPayload builds the external payload for a status transition.
func NewEndpointEventPayload(update StatusUpdate, clusterID, controllerVersion string) EndpointEventPayload {
	var errorDetail *ErrorDetail
	if update.Reason != "" && (update.Current == StatusFailed || update.Current == StatusDegraded || update.Current == StatusRollingBack) {
		errorDetail = &ErrorDetail{Message: update.Reason}
	}

	return EndpointEventPayload{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Source: SourceMetadata{
			ClusterID:         clusterID,
			ControllerVersion: controllerVersion,
		},
		Endpoint: EndpointRef{
			EndpointID:     update.EndpointID,
			Environment:    update.Environment,
			Route:          update.Route,
			ModelReference: update.ModelReference,
			BackendKind:    update.BackendKind,
		},
		Previous:   update.Previous,
		Current:    update.Current,
		Generation: update.Generation,
		Outcome:    mapTransitionOutcome(update.Current),
		Error:      errorDetail,
	}
}

func mapTransitionOutcome(status EndpointStatus) *TransitionOutcome {
	switch status {
	case StatusHealthy:
		value := TransitionOutcomeSucceeded
		return &value
	case StatusFailed:
		value := TransitionOutcomeFailed
		return &value
	default:
		return nil
	}
}
