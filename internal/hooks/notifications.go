package hooks

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/model"
)

type EventPublisherQueue struct {
	UpdateChan <-chan model.StatusUpdate
	publishers []EventPublisher
}

func NewEventPublisherQueue(updateChan <-chan model.StatusUpdate, publishers []EventPublisher) *EventPublisherQueue {
	return &EventPublisherQueue{
		UpdateChan: updateChan,
		publishers: publishers,
	}
}

func (eq *EventPublisherQueue) Loop() {
	ctx := context.Background()
	logger := log.FromContext(ctx)

	logger.Info("Event publisher queue started", "publishers", len(eq.publishers))

	for update := range eq.UpdateChan {
		logger.Info("Received endpoint status update",
			"endpointID", update.EndpointID,
			"environment", update.Environment,
			"route", update.Route,
			"previousStatus", update.Previous,
			"currentStatus", update.Current,
		)

		// Publish to all registered publishers
		for _, publisher := range eq.publishers {
			err := publisher.Publish(ctx, update)
			if err != nil {
				logger.Error(err, "failed to publish event",
					"endpointID", update.EndpointID,
					"currentStatus", update.Current,
				)
			}
		}
	}
}
