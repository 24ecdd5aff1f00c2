// Package controller drives serving endpoints from a declarative request to
// a running, health-verified state and supervises them afterwards.
//
// Scheduling model: one queue key per endpoint ID on a rate-limiting
// workqueue. The workqueue hands a key to at most one worker at a time, so
// there is never more than one in-flight reconciliation per endpoint; new
// events for a busy endpoint coalesce onto the queue. Across distinct
// endpoints the workers run fully in parallel, bounded by Config.Workers.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/backend"
	"github.com/modelserve-sh/controller/internal/model"
	"github.com/modelserve-sh/controller/internal/prober"
	"github.com/modelserve-sh/controller/internal/registry"
	"github.com/modelserve-sh/controller/internal/rollback"
)

// Config holds the controller's tunables. The persistent-failure threshold
// and probe cadence are deliberately plain configuration, not per-environment
// behavior baked into the state machine.
type Config struct {
	// Workers is the reconciliation worker-pool size, capping concurrent
	// platform calls across endpoints.
	Workers int
	// PersistentFailureThreshold is the number of consecutive failed
	// health checks that triggers rollback or terminal failure.
	PersistentFailureThreshold int
	// ApplyRetryLimit bounds retryable apply attempts per deploy cycle.
	ApplyRetryLimit int
	// BackoffBase and BackoffMax shape the exponential retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RollbackHealthBudget is the number of failed checks a restored
	// deployment may accumulate before rollback counts as failed.
	RollbackHealthBudget int
	// ProvisioningRequeue is the wait between observations while the
	// backend reports provisioning.
	ProvisioningRequeue time.Duration
	// DeleteGracePeriod is how long an in-flight adapter call may keep
	// running after a delete request before it is cancelled.
	DeleteGracePeriod time.Duration
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Workers:                    4,
		PersistentFailureThreshold: 3,
		ApplyRetryLimit:            5,
		BackoffBase:                2 * time.Second,
		BackoffMax:                 2 * time.Minute,
		RollbackHealthBudget:       5,
		ProvisioningRequeue:        5 * time.Second,
		DeleteGracePeriod:          10 * time.Second,
	}
}

// Controller exposes the endpoint lifecycle operations and runs the
// reconciliation workers. All operations are asynchronous acceptances;
// callers observe progress by polling GetStatus.
type Controller struct {
	config   Config
	registry registry.Registry
	adapters backend.Resolver
	rollback *rollback.Manager

	queue   workqueue.TypedRateLimitingInterface[string]
	states  *stateTracker
	results <-chan prober.Result
	updates chan<- model.StatusUpdate

	startOnce sync.Once
}

// New creates a controller. results is fed by the Health Prober; updates,
// when non-nil, receives a notification for every confirmed status
// transition.
func New(
	cfg Config,
	reg registry.Registry,
	adapters backend.Resolver,
	results <-chan prober.Result,
	updates chan<- model.StatusUpdate,
) *Controller {
	registerMetrics()

	limiter := workqueue.NewTypedItemExponentialFailureRateLimiter[string](cfg.BackoffBase, cfg.BackoffMax)
	return &Controller{
		config:   cfg,
		registry: reg,
		adapters: adapters,
		rollback: rollback.NewManager(adapters),
		queue:    workqueue.NewTypedRateLimitingQueue(limiter),
		states:   newStateTracker(),
		results:  results,
		updates:  updates,
	}
}

// Start runs the worker pool and the probe-result pump until the context is
// cancelled. It implements manager.Runnable.
func (c *Controller) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("endpoint-controller")
	logger.Info("Starting endpoint controller",
		"workers", c.config.Workers,
		"persistentFailureThreshold", c.config.PersistentFailureThreshold,
		"applyRetryLimit", c.config.ApplyRetryLimit,
	)

	c.startOnce.Do(func() {
		go c.pumpProbeResults(ctx)

		go func() {
			<-ctx.Done()
			c.queue.ShutDown()
		}()
	})

	// Re-enqueue whatever the registry already holds so a restarted
	// controller resumes supervision of existing endpoints.
	if records, err := c.registry.List(ctx); err == nil {
		for _, record := range records {
			if !record.Status.Terminal() {
				c.queue.Add(record.ID)
			}
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runWorker(ctx)
		}()
	}
	wg.Wait()

	logger.Info("Endpoint controller stopped")
	return nil
}

// pumpProbeResults moves prober results into per-endpoint state and wakes
// the owning worker. The prober emits results for one endpoint in order, so
// keeping only the latest result preserves per-endpoint ordering.
func (c *Controller) pumpProbeResults(ctx context.Context) {
	for {
		select {
		case result, ok := <-c.results:
			if !ok {
				return
			}
			c.states.get(result.EndpointID).noteProbe(result)
			c.queue.Add(result.EndpointID)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) runWorker(ctx context.Context) {
	for c.processNextItem(ctx) {
	}
}

func (c *Controller) processNextItem(ctx context.Context) bool {
	id, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(id)

	outcome := c.reconcile(ctx, id)
	switch {
	case outcome.backoff:
		c.queue.AddRateLimited(id)
	case outcome.requeueAfter > 0:
		c.queue.Forget(id)
		c.queue.AddAfter(id, outcome.requeueAfter)
	default:
		c.queue.Forget(id)
	}
	return true
}

// Deploy validates and accepts a new endpoint. The record starts in
// deploying; reconciliation happens asynchronously.
func (c *Controller) Deploy(ctx context.Context, spec model.EndpointSpec, kind model.BackendKind) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if _, err := c.adapters.For(kind); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidSpec, err)
	}

	now := time.Now().UTC()
	record := &model.EndpointRecord{
		ID:          uuid.New().String(),
		Environment: spec.Environment,
		Route:       spec.Route,
		Desired:     spec.Clone(),
		Generation:  1,
		BackendKind: kind,
		Status:      model.StatusDeploying,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// (environment, route) uniqueness is the registry's invariant; a
	// conflicting deploy is rejected here, before reconciliation starts.
	if err := c.registry.Create(ctx, record); err != nil {
		return "", err
	}

	endpointStatusGauge.WithLabelValues(record.ID, string(record.Environment), string(record.Status)).Set(1)
	c.queue.Add(record.ID)
	return record.ID, nil
}

// Update replaces the desired spec of an existing endpoint and starts a new
// deploying cycle on the same record. The rollback descriptor is left
// untouched until the new spec is confirmed healthy, so a failed update can
// still roll back to the previous spec.
//
// The record mutation itself happens under the endpoint's queue key: the
// accepted spec is staged here and applied by the worker, so an update
// never races a reconciliation already holding a snapshot of the record.
func (c *Controller) Update(ctx context.Context, endpointID string, spec model.EndpointSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	record, err := c.registry.Get(ctx, endpointID)
	if err != nil {
		return err
	}
	if record.Status == model.StatusDeleted {
		return fmt.Errorf("endpoint %s is deleted", endpointID)
	}
	// Route and environment are the endpoint's identity; changing them
	// would detach the rollback descriptor from the record.
	if spec.Environment != record.Environment || spec.Route != record.Route {
		return fmt.Errorf("%w: environment and route are immutable, deploy a new endpoint instead", model.ErrInvalidSpec)
	}

	c.states.get(endpointID).stageSpec(spec.Clone())
	c.queue.Add(endpointID)
	return nil
}

// GetStatus returns a snapshot view of the endpoint for the API layer.
func (c *Controller) GetStatus(ctx context.Context, endpointID string) (model.EndpointStatusView, error) {
	record, err := c.registry.Get(ctx, endpointID)
	if err != nil {
		return model.EndpointStatusView{}, err
	}
	return model.EndpointStatusView{
		EndpointID:        record.ID,
		Status:            record.Status,
		StatusReason:      record.StatusReason,
		LastHealthCheckAt: record.LastHealthCheckAt,
		RollbackAvailable: record.RollbackAvailable(),
	}, nil
}

// RequestRollback accepts a manual rollback to the last known good state.
// It is rejected when no descriptor exists or the endpoint is deleted.
func (c *Controller) RequestRollback(ctx context.Context, endpointID string) error {
	record, err := c.registry.Get(ctx, endpointID)
	if err != nil {
		return err
	}
	if record.Status == model.StatusDeleted {
		return fmt.Errorf("endpoint %s is deleted", endpointID)
	}
	if !record.RollbackAvailable() {
		return rollback.ErrUnavailable
	}

	c.states.get(endpointID).requestRollback()
	c.queue.Add(endpointID)
	return nil
}

// RequestDelete accepts endpoint deletion. Deletion is idempotent: deleting
// an unknown or already-deleted endpoint is not an error. An in-flight
// adapter call for the endpoint is cancelled after the configured grace
// period.
func (c *Controller) RequestDelete(ctx context.Context, endpointID string) error {
	_, err := c.registry.Get(ctx, endpointID)
	if err != nil {
		if registry.IsNotFound(err) {
			return nil
		}
		return err
	}

	if cancel := c.states.get(endpointID).requestDelete(); cancel != nil {
		time.AfterFunc(c.config.DeleteGracePeriod, cancel)
	}

	c.queue.Add(endpointID)
	return nil
}
