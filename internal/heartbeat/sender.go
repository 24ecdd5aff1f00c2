package heartbeat

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/hooks"
	"github.com/modelserve-sh/controller/internal/model"
	"github.com/modelserve-sh/controller/internal/registry"
)

// Config holds configuration for the heartbeat sender
type Config struct {
	Interval          time.Duration
	ClusterID         string
	ControllerVersion string
}

// DefaultConfig returns the default heartbeat configuration
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
	}
}

// Sender periodically sends heartbeats to the control plane
type Sender struct {
	config     Config
	registry   registry.Registry
	publishers []hooks.HeartbeatPublisher
	stopCh     chan struct{}
}

// NewSender creates a new heartbeat sender
func NewSender(
	config Config,
	reg registry.Registry,
	publishers []hooks.HeartbeatPublisher,
) *Sender {
	return &Sender{
		config:     config,
		registry:   reg,
		publishers: publishers,
		stopCh:     make(chan struct{}),
	}
}

// Start starts the heartbeat sender loop
func (s *Sender) Start(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("heartbeat-sender")

	logger.Info("Starting heartbeat sender",
		"interval", s.config.Interval,
		"clusterID", s.config.ClusterID,
		"publishers", len(s.publishers),
	)

	// Send initial heartbeat immediately
	s.sendHeartbeat(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sendHeartbeat(ctx)
		case <-s.stopCh:
			logger.Info("Heartbeat sender stopped")
			return
		case <-ctx.Done():
			logger.Info("Heartbeat sender context cancelled")
			return
		}
	}
}

// Stop stops the heartbeat sender
func (s *Sender) Stop() {
	close(s.stopCh)
}

func (s *Sender) sendHeartbeat(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("heartbeat-sender")

	inventory, err := s.collectInventory(ctx)
	if err != nil {
		logger.Error(err, "Failed to collect endpoint inventory")
	}

	payload := model.NewControllerHeartbeatPayload(
		s.config.ClusterID,
		s.config.ControllerVersion,
		inventory,
	)

	logger.Info("Sending heartbeat",
		"eventID", payload.EventID,
		"endpointTotal", payload.Inventory.Total,
	)

	// Publish to all registered publishers
	for _, publisher := range s.publishers {
		if err := publisher.PublishHeartbeat(ctx, payload); err != nil {
			logger.Error(err, "Failed to publish heartbeat")
		}
	}
}

// collectInventory groups supervised endpoint IDs by status. Deleted
// endpoints are left out; the control plane already saw their terminal
// transition event.
func (s *Sender) collectInventory(ctx context.Context) (map[model.EndpointStatus][]string, error) {
	records, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	inventory := make(map[model.EndpointStatus][]string)
	for _, record := range records {
		if record.Status == model.StatusDeleted {
			continue
		}
		inventory[record.Status] = append(inventory[record.Status], record.ID)
	}
	return inventory, nil
}
