package controller

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/backend"
	"github.com/modelserve-sh/controller/internal/model"
	"github.com/modelserve-sh/controller/internal/registry"
)

// reconcileOutcome tells the worker how to requeue the endpoint key. The
// zero value means done until the next external event (probe result, API
// call).
type reconcileOutcome struct {
	backoff      bool
	requeueAfter time.Duration
}

var (
	done         = reconcileOutcome{}
	retryBackoff = reconcileOutcome{backoff: true}
)

func after(d time.Duration) reconcileOutcome {
	return reconcileOutcome{requeueAfter: d}
}

// reconcile advances one endpoint a single step towards its desired state.
// The workqueue guarantees this runs at most once concurrently per endpoint
// ID, so reads and writes of the record and the worker-only state fields
// need no further synchronization.
func (c *Controller) reconcile(ctx context.Context, id string) reconcileOutcome {
	logger := log.FromContext(ctx).WithName("endpoint-controller").WithValues("endpointID", id)
	ctx = log.IntoContext(ctx, logger)

	record, err := c.registry.Get(ctx, id)
	if err != nil {
		if registry.IsNotFound(err) {
			c.states.drop(id)
			return done
		}
		logger.Error(err, "Failed to read endpoint record")
		reconcileErrorsTotal.WithLabelValues("registry").Inc()
		return retryBackoff
	}

	state := c.states.get(id)

	if state.deletePending() {
		return c.reconcileDelete(ctx, record, state)
	}
	if spec := state.takePendingSpec(); spec != nil && record.Status != model.StatusDeleted {
		if outcome := c.applyUpdate(ctx, record, state, *spec); outcome != done {
			return outcome
		}
	}
	if state.takeRollbackRequest() && record.RollbackAvailable() && record.Status != model.StatusDeleted {
		// A manual rollback opens a fresh episode even after an automatic
		// one already ran, which is how a failed endpoint gets unstuck.
		state.rollbackAttempted = false
		state.applyAttempts = 0
		return c.beginRollback(ctx, record, state, "rollback requested")
	}

	switch record.Status {
	case model.StatusDeploying:
		return c.reconcileDeploying(ctx, record, state)
	case model.StatusHealthy, model.StatusDegraded:
		return c.reconcileSupervised(ctx, record, state)
	case model.StatusRollingBack:
		return c.reconcileRollingBack(ctx, record, state)
	case model.StatusFailed, model.StatusDeleted:
		// Terminal states wait for an explicit delete or rollback request.
		return done
	default:
		logger.Info("Ignoring record in unknown status", "status", record.Status)
		return done
	}
}

// applyUpdate starts a new deploying cycle for a staged spec update. It
// runs only under the endpoint's queue key, so the record it mutates is
// the freshest snapshot and no concurrent writer exists. The rollback
// descriptor is left untouched until the new generation confirms healthy.
func (c *Controller) applyUpdate(ctx context.Context, record *model.EndpointRecord, state *endpointState, spec model.EndpointSpec) reconcileOutcome {
	state.applyAttempts = 0
	state.rollbackAttempted = false
	record.Desired = spec
	record.Generation++
	outcome := c.transition(ctx, record, model.StatusDeploying, "spec updated")
	if outcome != done {
		// The registry write failed; restage the spec so the retry
		// picks the update up again.
		state.stageSpec(spec)
	}
	return outcome
}

// reconcileDeploying drives a record through apply, readiness observation
// and first-probe confirmation.
func (c *Controller) reconcileDeploying(ctx context.Context, record *model.EndpointRecord, state *endpointState) reconcileOutcome {
	logger := log.FromContext(ctx)

	adapter, err := c.adapters.For(record.BackendKind)
	if err != nil {
		return c.fail(ctx, record, state, err.Error())
	}

	if state.appliedGeneration != record.Generation {
		callCtx, cancel := context.WithCancel(ctx)
		state.setCancel(cancel)
		objects, err := adapter.Apply(callCtx, record.ID, record.Desired)
		state.clearCancel()
		cancel()

		if err != nil {
			reconcileErrorsTotal.WithLabelValues(string(backend.KindOf(err))).Inc()
			if !backend.IsRetryable(err) {
				return c.failOrRollback(ctx, record, state, err.Error())
			}
			state.applyAttempts++
			if state.applyAttempts >= c.config.ApplyRetryLimit {
				logger.Info("Apply retry limit reached", "attempts", state.applyAttempts)
				return c.failOrRollback(ctx, record, state, "apply retries exhausted: "+err.Error())
			}
			logger.Info("Apply failed, will retry", "attempt", state.applyAttempts, "error", err.Error())
			return retryBackoff
		}

		state.appliedGeneration = record.Generation
		state.applyAttempts = 0
		record.Objects = objects
		if err := c.registry.Update(ctx, record); err != nil {
			logger.Error(err, "Failed to persist applied objects")
			return retryBackoff
		}
		logger.Info("Applied endpoint spec", "generation", record.Generation, "backend", record.BackendKind)
	}

	observation, err := adapter.Observe(ctx, record.Objects)
	if err != nil {
		reconcileErrorsTotal.WithLabelValues(string(backend.KindOf(err))).Inc()
		state.applyAttempts++
		if state.applyAttempts >= c.config.ApplyRetryLimit {
			return c.failOrRollback(ctx, record, state, "observe retries exhausted: "+err.Error())
		}
		return retryBackoff
	}

	switch observation.Condition {
	case backend.ConditionAbsent:
		// Someone removed the child objects out from under us; reapply.
		state.appliedGeneration = 0
		return retryBackoff
	case backend.ConditionError:
		return c.failOrRollback(ctx, record, state, observation.Message)
	case backend.ConditionProvisioning:
		return after(c.config.ProvisioningRequeue)
	}

	// Ready. Record the serving address once the platform reports it, then
	// hold in deploying until the first health probe confirms the state.
	if observation.URL != "" && observation.URL != record.Objects.URL {
		record.Objects.URL = observation.URL
		if err := c.registry.Update(ctx, record); err != nil {
			return retryBackoff
		}
	}
	if record.Objects.URL == "" {
		return after(c.config.ProvisioningRequeue)
	}

	probe := state.latestProbe()
	if probe == nil || probe.Generation != record.Generation {
		// The prober wakes us through the result pump once it has probed
		// this generation.
		return done
	}
	if probe.Healthy {
		return c.confirmHealthy(ctx, record, state)
	}
	if probe.ConsecutiveFailures >= c.config.PersistentFailureThreshold {
		return c.failOrRollback(ctx, record, state, "health checks never passed: "+probe.Detail)
	}
	return done
}

// reconcileSupervised handles probe results for endpoints that already
// reached healthy at least once in the current generation.
func (c *Controller) reconcileSupervised(ctx context.Context, record *model.EndpointRecord, state *endpointState) reconcileOutcome {
	probe := state.latestProbe()
	if probe == nil || probe.Generation != record.Generation {
		return done
	}

	if probe.Healthy {
		if record.Status == model.StatusDegraded {
			return c.confirmHealthy(ctx, record, state)
		}
		return done
	}

	if probe.ConsecutiveFailures >= c.config.PersistentFailureThreshold {
		return c.failOrRollback(ctx, record, state, "persistent health check failures: "+probe.Detail)
	}
	if record.Status == model.StatusHealthy {
		return c.transition(ctx, record, model.StatusDegraded, "health check failed: "+probe.Detail)
	}
	return done
}

// reconcileRollingBack retries the restore until it is accepted, then waits
// for probes against the restored generation to settle the outcome.
func (c *Controller) reconcileRollingBack(ctx context.Context, record *model.EndpointRecord, state *endpointState) reconcileOutcome {
	logger := log.FromContext(ctx)

	if state.appliedGeneration != record.Generation {
		callCtx, cancel := context.WithCancel(ctx)
		state.setCancel(cancel)
		objects, err := c.rollback.Restore(callCtx, record)
		state.clearCancel()
		cancel()

		if err != nil {
			reconcileErrorsTotal.WithLabelValues(string(backend.KindOf(err))).Inc()
			state.applyAttempts++
			if !backend.IsRetryable(err) || state.applyAttempts >= c.config.ApplyRetryLimit {
				rollbacksTotal.WithLabelValues("failed").Inc()
				return c.fail(ctx, record, state, "rollback restore failed: "+err.Error())
			}
			return retryBackoff
		}

		state.appliedGeneration = record.Generation
		state.applyAttempts = 0
		record.Objects = objects
		if err := c.registry.Update(ctx, record); err != nil {
			logger.Error(err, "Failed to persist restored objects")
			return retryBackoff
		}
		logger.Info("Restored last known good state", "generation", record.Generation)
	}

	probe := state.latestProbe()
	if probe == nil || probe.Generation != record.Generation {
		return done
	}
	if probe.Healthy {
		rollbacksTotal.WithLabelValues("restored").Inc()
		return c.confirmHealthy(ctx, record, state)
	}
	if probe.ConsecutiveFailures >= c.config.RollbackHealthBudget {
		rollbacksTotal.WithLabelValues("failed").Inc()
		return c.fail(ctx, record, state, "restored deployment failed health verification: "+probe.Detail)
	}
	return done
}

// reconcileDelete tears down the backend objects and marks the record
// deleted. Repeated delete requests converge here idempotently.
func (c *Controller) reconcileDelete(ctx context.Context, record *model.EndpointRecord, state *endpointState) reconcileOutcome {
	logger := log.FromContext(ctx)

	if record.Status == model.StatusDeleted {
		c.states.drop(record.ID)
		return done
	}

	adapter, err := c.adapters.For(record.BackendKind)
	if err == nil {
		err = adapter.Delete(ctx, record.Objects)
	}
	if err != nil {
		if backend.KindOf(err) == backend.KindTeardownPending {
			return after(c.config.ProvisioningRequeue)
		}
		reconcileErrorsTotal.WithLabelValues(string(backend.KindOf(err))).Inc()
		logger.Error(err, "Teardown failed, will retry")
		return retryBackoff
	}

	outcome := c.transition(ctx, record, model.StatusDeleted, "")
	endpointStatusGauge.DeletePartialMatch(map[string]string{"endpoint_id": record.ID})
	c.states.drop(record.ID)
	return outcome
}

// confirmHealthy is the single place a record becomes healthy: the rollback
// descriptor is captured here and nowhere else, and the failure episode
// ends.
func (c *Controller) confirmHealthy(ctx context.Context, record *model.EndpointRecord, state *endpointState) reconcileOutcome {
	c.rollback.Capture(record)
	state.rollbackAttempted = false
	state.applyAttempts = 0
	return c.transition(ctx, record, model.StatusHealthy, "")
}

// failOrRollback is the persistent-failure branch point: restore the last
// known good state when a descriptor exists and this episode has not rolled
// back yet, otherwise fail terminally.
func (c *Controller) failOrRollback(ctx context.Context, record *model.EndpointRecord, state *endpointState, reason string) reconcileOutcome {
	if record.RollbackAvailable() && !state.rollbackAttempted {
		return c.beginRollback(ctx, record, state, reason)
	}
	return c.fail(ctx, record, state, reason)
}

// beginRollback opens the rollback episode: the generation is bumped so
// probe results against the broken spec can no longer influence the record,
// and the desired spec becomes the descriptor's spec so the restore is an
// ordinary redeploy.
func (c *Controller) beginRollback(ctx context.Context, record *model.EndpointRecord, state *endpointState, reason string) reconcileOutcome {
	state.rollbackAttempted = true
	state.applyAttempts = 0

	record.Generation++
	record.Desired = record.Rollback.Spec.Clone()
	outcome := c.transition(ctx, record, model.StatusRollingBack, reason)
	if outcome.backoff {
		return outcome
	}
	return c.reconcileRollingBack(ctx, record, state)
}

func (c *Controller) fail(ctx context.Context, record *model.EndpointRecord, state *endpointState, reason string) reconcileOutcome {
	state.applyAttempts = 0
	return c.transition(ctx, record, model.StatusFailed, reason)
}

// transition persists a status change, updates metrics and notifies
// publishers. It is the only writer of Status and StatusReason.
func (c *Controller) transition(ctx context.Context, record *model.EndpointRecord, to model.EndpointStatus, reason string) reconcileOutcome {
	logger := log.FromContext(ctx)

	from := record.Status
	record.Status = to
	record.StatusReason = reason
	if err := c.registry.Update(ctx, record); err != nil {
		record.Status = from
		logger.Error(err, "Failed to persist status transition", "from", from, "to", to)
		reconcileErrorsTotal.WithLabelValues("registry").Inc()
		return retryBackoff
	}

	logger.Info("Endpoint status changed", "from", from, "to", to, "reason", reason, "generation", record.Generation)
	c.emitTransition(record, from, to, reason)
	return done
}

// emitTransition updates the status metrics and pushes the update to the
// publisher queue without blocking the worker.
func (c *Controller) emitTransition(record *model.EndpointRecord, from, to model.EndpointStatus, reason string) {
	endpointStatusGauge.DeletePartialMatch(map[string]string{"endpoint_id": record.ID})
	if to != model.StatusDeleted {
		endpointStatusGauge.WithLabelValues(record.ID, string(record.Environment), string(to)).Set(1)
	}
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()

	if c.updates == nil {
		return
	}
	update := model.StatusUpdate{
		EndpointID:     record.ID,
		Environment:    record.Environment,
		Route:          record.Route,
		ModelReference: record.Desired.ModelReference,
		BackendKind:    record.BackendKind,
		Previous:       from,
		Current:        to,
		Reason:         reason,
		Generation:     record.Generation,
	}
	select {
	case c.updates <- update:
	default:
		// Publishing is best effort; supervision never blocks on it.
	}
}
