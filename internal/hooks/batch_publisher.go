package hooks

import (
	"context"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/model"
)

// BatchConfig holds configuration for probe telemetry batching
type BatchConfig struct {
	FlushWindow  time.Duration // Time window for batching events
	MaxBatchSize int           // Maximum events per batch
}

// DefaultBatchConfig returns the default batching configuration
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		FlushWindow:  2 * time.Second,
		MaxBatchSize: 100,
	}
}

// ProbeEventPublisherQueue handles batching and publishing of probe telemetry.
// Probe checks fire every few seconds across many endpoints, so individual
// observations are buffered and flushed as batches.
type ProbeEventPublisherQueue struct {
	eventChan  <-chan model.ProbeEventPayload
	publishers []ProbeEventPublisher
	config     BatchConfig

	mu      sync.Mutex
	buffer  []model.ProbeEventPayload
	timer   *time.Timer
	stopCh  chan struct{}
	stopped bool
}

// NewProbeEventPublisherQueue creates a new batching probe event publisher queue
func NewProbeEventPublisherQueue(
	eventChan <-chan model.ProbeEventPayload,
	publishers []ProbeEventPublisher,
	config BatchConfig,
) *ProbeEventPublisherQueue {
	return &ProbeEventPublisherQueue{
		eventChan:  eventChan,
		publishers: publishers,
		config:     config,
		buffer:     make([]model.ProbeEventPayload, 0, config.MaxBatchSize),
		stopCh:     make(chan struct{}),
	}
}

// Loop starts the event processing loop
func (q *ProbeEventPublisherQueue) Loop() {
	ctx := context.Background()
	logger := log.FromContext(ctx)

	logger.Info("Probe event publisher queue started",
		"publishers", len(q.publishers),
		"flushWindow", q.config.FlushWindow,
		"maxBatchSize", q.config.MaxBatchSize,
	)

	for {
		select {
		case event, ok := <-q.eventChan:
			if !ok {
				// Channel closed, flush remaining events
				q.flush(ctx)
				return
			}
			q.addEvent(ctx, event)

		case <-q.stopCh:
			q.flush(ctx)
			return
		}
	}
}

// Stop stops the publisher queue
func (q *ProbeEventPublisherQueue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.stopCh)
	}
	q.mu.Unlock()
}

func (q *ProbeEventPublisherQueue) addEvent(ctx context.Context, event model.ProbeEventPayload) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buffer = append(q.buffer, event)

	// Start timer on first event
	if len(q.buffer) == 1 {
		q.timer = time.AfterFunc(q.config.FlushWindow, func() {
			q.flush(ctx)
		})
	}

	// Flush immediately if batch is full
	if len(q.buffer) >= q.config.MaxBatchSize {
		q.flushLocked(ctx)
	}
}

func (q *ProbeEventPublisherQueue) flush(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)
}

func (q *ProbeEventPublisherQueue) flushLocked(ctx context.Context) {
	if len(q.buffer) == 0 {
		return
	}

	// Stop timer if running
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	logger := log.FromContext(ctx)

	// Copy buffer for publishing
	events := make([]model.ProbeEventPayload, len(q.buffer))
	copy(events, q.buffer)

	// Clear buffer
	q.buffer = q.buffer[:0]

	// Publish to all registered publishers
	logger.Info("Flushing probe event batch",
		"eventCount", len(events),
		"publishers", len(q.publishers),
	)

	for _, publisher := range q.publishers {
		if err := publisher.PublishBatch(ctx, events); err != nil {
			logger.Error(err, "Failed to publish probe event batch")
		}
	}
}
