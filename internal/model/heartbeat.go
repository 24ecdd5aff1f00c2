package model

import (
	"time"

	"github.com/google/uuid"
)

// ControllerHeartbeatPayload is sent periodically to the control plane to
// indicate the controller is alive and report the endpoints it supervises.
type ControllerHeartbeatPayload struct {
	EventID     string            `json:"eventId"`
	OccurredAt  time.Time         `json:"occurredAt"`
	Source      SourceMetadata    `json:"source"`
	MessageType string            `json:"messageType"`
	Inventory   EndpointInventory `json:"inventory"`
}

// EndpointInventory groups endpoint IDs by their current status.
type EndpointInventory struct {
	Endpoints map[EndpointStatus][]string `json:"endpoints,omitempty"`
	Total     int                         `json:"total"`
}

// NewControllerHeartbeatPayload creates a new heartbeat payload.
func NewControllerHeartbeatPayload(
	clusterID, controllerVersion string,
	byStatus map[EndpointStatus][]string,
) ControllerHeartbeatPayload {
	total := 0
	for _, ids := range byStatus {
		total += len(ids)
	}
	return ControllerHeartbeatPayload{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Source: SourceMetadata{
			ClusterID:         clusterID,
			ControllerVersion: controllerVersion,
		},
		MessageType: "HEARTBEAT",
		Inventory: EndpointInventory{
			Endpoints: byStatus,
			Total:     total,
		},
	}
}
