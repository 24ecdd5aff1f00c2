package hooks

import (
	"context"

	"github.com/modelserve-sh/controller/internal/model"
)

// EventPublisher delivers endpoint status transitions to an external sink.
type EventPublisher interface {
	Publish(ctx context.Context, update model.StatusUpdate) error
}

// ProbeEventPublisher delivers batched probe telemetry.
type ProbeEventPublisher interface {
	PublishBatch(ctx context.Context, events []model.ProbeEventPayload) error
}

// HeartbeatPublisher delivers controller liveness heartbeats.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, payload model.ControllerHeartbeatPayload) error
}
