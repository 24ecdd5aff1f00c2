package controlplane

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/model"
)

// HTTPPublisher sends endpoint lifecycle events, probe telemetry and
// heartbeats to the ModelServe Control Plane via HTTP
type HTTPPublisher struct {
	client            *resty.Client
	baseURL           string
	clusterID         string
	controllerVersion string
}

// NewHTTPPublisher creates a new HTTP publisher for the control plane
func NewHTTPPublisher(baseURL, clusterID, controllerVersion string) *HTTPPublisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &HTTPPublisher{
		client:            client,
		baseURL:           baseURL,
		clusterID:         clusterID,
		controllerVersion: controllerVersion,
	}
}

// Publish sends an endpoint status transition to the control plane
func (p *HTTPPublisher) Publish(ctx context.Context, update model.StatusUpdate) error {
	logger := log.FromContext(ctx)

	event := model.NewEndpointEventPayload(update, p.clusterID, p.controllerVersion)
	url := p.baseURL + "/v1/endpoint-events"

	logger.Info("Publishing endpoint event to control plane",
		"url", url,
		"eventID", event.EventID,
		"endpointID", update.EndpointID,
		"currentStatus", update.Current,
		"previousStatus", update.Previous,
	)

	if err := p.post(ctx, url, event); err != nil {
		return err
	}

	logger.Info("Endpoint event successfully published to control plane",
		"url", url,
		"eventID", event.EventID,
		"endpointID", update.EndpointID,
	)
	return nil
}

// PublishBatch sends a batch of probe telemetry events to the control plane
func (p *HTTPPublisher) PublishBatch(ctx context.Context, events []model.ProbeEventPayload) error {
	if len(events) == 0 {
		return nil
	}
	logger := log.FromContext(ctx)

	url := p.baseURL + "/v1/probe-events/batch"
	logger.Info("Publishing probe event batch to control plane",
		"url", url,
		"eventCount", len(events),
	)
	return p.post(ctx, url, events)
}

// PublishHeartbeat sends a controller heartbeat to the control plane
func (p *HTTPPublisher) PublishHeartbeat(ctx context.Context, payload model.ControllerHeartbeatPayload) error {
	logger := log.FromContext(ctx)

	url := p.baseURL + "/v1/heartbeats"
	logger.Info("Publishing heartbeat to control plane",
		"url", url,
		"eventID", payload.EventID,
		"endpointTotal", payload.Inventory.Total,
	)
	return p.post(ctx, url, payload)
}

func (p *HTTPPublisher) post(ctx context.Context, url string, body any) error {
	logger := log.FromContext(ctx)

	// Send request with Resty
	var errorResponse map[string]interface{}
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetError(&errorResponse).
		Post(url)

	if err != nil {
		logger.Error(err, "Failed to send request to control plane", "url", url)
		return fmt.Errorf("failed to send request to control plane: %w", err)
	}

	// Check response
	if !resp.IsSuccess() {
		logger.Error(nil, "Control plane returned error",
			"statusCode", resp.StatusCode(),
			"status", resp.Status(),
			"error", errorResponse,
			"body", resp.String(),
			"url", url,
		)
		return fmt.Errorf("control plane returned error status %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}
