package controller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/modelserve-sh/controller/internal/backend"
	"github.com/modelserve-sh/controller/internal/model"
	"github.com/modelserve-sh/controller/internal/prober"
	"github.com/modelserve-sh/controller/internal/registry"
)

// fakeAdapter is a scriptable backend adapter. Observation and errors are
// set by tests between reconcile steps.
type fakeAdapter struct {
	kind model.BackendKind

	mu           sync.Mutex
	applied      []model.EndpointSpec
	applyErr     error
	observation  backend.Observation
	observeErr   error
	deletes      int
	deleteErr    error
	applyStarted chan struct{}
	applyRelease chan struct{}
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		kind:        model.BackendManaged,
		observation: backend.Observation{Condition: backend.ConditionProvisioning},
	}
}

func (f *fakeAdapter) Kind() model.BackendKind { return f.kind }

func (f *fakeAdapter) Apply(_ context.Context, endpointID string, spec model.EndpointSpec) (model.BackendObjects, error) {
	f.mu.Lock()
	started, release := f.applyStarted, f.applyRelease
	f.applyStarted, f.applyRelease = nil, nil
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return model.BackendObjects{}, f.applyErr
	}
	f.applied = append(f.applied, spec)
	return model.BackendObjects{
		Refs: []model.ObjectRef{{Kind: "InferenceService", Namespace: "serving-staging", Name: "endpoint-" + endpointID}},
	}, nil
}

func (f *fakeAdapter) Observe(context.Context, model.BackendObjects) (backend.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observation, f.observeErr
}

func (f *fakeAdapter) Delete(context.Context, model.BackendObjects) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakeAdapter) setObservation(obs backend.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observation = obs
}

func (f *fakeAdapter) setApplyErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyErr = err
}

// gateNextApply parks the next Apply call: started closes when the call
// begins, and the call returns only after release is closed.
func (f *fakeAdapter) gateNextApply(started, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyStarted = started
	f.applyRelease = release
}

func (f *fakeAdapter) lastApplied() (model.EndpointSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return model.EndpointSpec{}, false
	}
	return f.applied[len(f.applied)-1], true
}

func validSpec() model.EndpointSpec {
	return model.EndpointSpec{
		ModelReference: "models/llama-3-8b",
		Environment:    model.EnvironmentStaging,
		Route:          "/llama",
		Replicas:       model.ReplicaBounds{Min: 1, Max: 3},
		RuntimeImage:   "modelserve/runtime:v1",
	}
}

type harness struct {
	controller *Controller
	adapter    *fakeAdapter
	registry   *registry.Memory
	updates    chan model.StatusUpdate
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	adapter := newFakeAdapter()
	reg := registry.NewMemory()
	updates := make(chan model.StatusUpdate, 32)
	results := make(chan prober.Result)

	cfg := DefaultConfig()
	cfg.ApplyRetryLimit = 3
	ctrl := New(cfg, reg, backend.NewResolver(adapter), results, updates)
	return &harness{controller: ctrl, adapter: adapter, registry: reg, updates: updates}
}

func (h *harness) reconcile(t *testing.T, id string) reconcileOutcome {
	t.Helper()
	return h.controller.reconcile(context.Background(), id)
}

func (h *harness) record(t *testing.T, id string) *model.EndpointRecord {
	t.Helper()
	record, err := h.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Expected record for %s, got: %v", id, err)
	}
	return record
}

func (h *harness) probe(id string, generation int64, healthy bool, failures int) {
	h.controller.states.get(id).noteProbe(prober.Result{
		EndpointID:          id,
		Generation:          generation,
		Healthy:             healthy,
		ConsecutiveFailures: failures,
		Detail:              "probe detail",
	})
}

// driveToHealthy walks a fresh deploy through apply, readiness and first
// probe confirmation.
func (h *harness) driveToHealthy(t *testing.T, id string) {
	t.Helper()
	h.adapter.setObservation(backend.Observation{
		Condition: backend.ConditionReady,
		URL:       "http://staging.serving.example.com/llama",
	})
	h.reconcile(t, id)

	record := h.record(t, id)
	h.probe(id, record.Generation, true, 0)
	h.reconcile(t, id)

	record = h.record(t, id)
	if record.Status != model.StatusHealthy {
		t.Fatalf("Expected healthy after confirmed probe, got %s", record.Status)
	}
}

func TestDeploy_RejectsInvalidSpec(t *testing.T) {
	h := newHarness(t)

	spec := validSpec()
	spec.Replicas = model.ReplicaBounds{Min: 5, Max: 2}

	_, err := h.controller.Deploy(context.Background(), spec, model.BackendManaged)
	if !errors.Is(err, model.ErrInvalidSpec) {
		t.Fatalf("Expected ErrInvalidSpec, got: %v", err)
	}

	records, _ := h.registry.List(context.Background())
	if len(records) != 0 {
		t.Errorf("Expected no record for a rejected deploy, got %d", len(records))
	}
}

func TestDeploy_RejectsUnknownBackend(t *testing.T) {
	h := newHarness(t)

	_, err := h.controller.Deploy(context.Background(), validSpec(), model.BackendRaw)
	if !errors.Is(err, model.ErrInvalidSpec) {
		t.Fatalf("Expected ErrInvalidSpec for unregistered backend, got: %v", err)
	}
}

func TestDeploy_RejectsRouteConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.controller.Deploy(ctx, validSpec(), model.BackendManaged); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	_, err := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	if !errors.Is(err, registry.ErrRouteConflict) {
		t.Fatalf("Expected ErrRouteConflict, got: %v", err)
	}
}

func TestReconcile_DeployToHealthy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// First pass applies and observes provisioning.
	outcome := h.reconcile(t, id)
	if outcome.requeueAfter == 0 {
		t.Error("Expected a requeue while provisioning")
	}
	if _, ok := h.adapter.lastApplied(); !ok {
		t.Fatal("Expected the spec to be applied")
	}
	if h.record(t, id).Status != model.StatusDeploying {
		t.Errorf("Expected deploying, got %s", h.record(t, id).Status)
	}

	// Backend turns ready with a URL; status holds until the first probe.
	h.adapter.setObservation(backend.Observation{
		Condition: backend.ConditionReady,
		URL:       "http://staging.serving.example.com/llama",
	})
	h.reconcile(t, id)
	record := h.record(t, id)
	if record.Status != model.StatusDeploying {
		t.Errorf("Expected deploying until first probe, got %s", record.Status)
	}
	if record.Objects.URL == "" {
		t.Error("Expected the serving URL to be persisted")
	}

	// First healthy probe confirms the deploy.
	h.probe(id, record.Generation, true, 0)
	h.reconcile(t, id)

	record = h.record(t, id)
	if record.Status != model.StatusHealthy {
		t.Fatalf("Expected healthy, got %s (%s)", record.Status, record.StatusReason)
	}
	if record.Rollback == nil {
		t.Fatal("Expected a rollback descriptor after the healthy confirmation")
	}
	if record.Rollback.Generation != record.Generation {
		t.Errorf("Descriptor generation %d does not match record generation %d",
			record.Rollback.Generation, record.Generation)
	}

	// The transition reached the publisher channel.
	var sawHealthy bool
	for len(h.updates) > 0 {
		update := <-h.updates
		if update.Current == model.StatusHealthy {
			sawHealthy = true
		}
	}
	if !sawHealthy {
		t.Error("Expected a healthy transition update")
	}
}

func TestReconcile_FirstDeployFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Retryable failures exhaust the attempt budget; with no descriptor
	// the endpoint fails terminally instead of rolling back.
	h.adapter.setApplyErr(backend.NewError(backend.KindUnavailable, "apply", errors.New("api down")))
	for i := 0; i < 3; i++ {
		h.reconcile(t, id)
	}

	record := h.record(t, id)
	if record.Status != model.StatusFailed {
		t.Fatalf("Expected failed after retry budget, got %s", record.Status)
	}
	if record.StatusReason == "" {
		t.Error("Expected a terminal failure reason")
	}
}

func TestReconcile_InvalidSpecApplyFailsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	h.adapter.setApplyErr(backend.NewError(backend.KindInvalidSpec, "apply", errors.New("rejected by platform")))
	h.reconcile(t, id)

	if got := h.record(t, id).Status; got != model.StatusFailed {
		t.Fatalf("Expected immediate failure for a non-retryable error, got %s", got)
	}
}

func TestReconcile_DegradedAndRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)

	// One failed probe: degraded, not rolled back.
	record := h.record(t, id)
	h.probe(id, record.Generation, false, 1)
	h.reconcile(t, id)
	if got := h.record(t, id).Status; got != model.StatusDegraded {
		t.Fatalf("Expected degraded after a failed probe, got %s", got)
	}

	// Recovery before the threshold returns to healthy.
	h.probe(id, record.Generation, true, 0)
	h.reconcile(t, id)
	if got := h.record(t, id).Status; got != model.StatusHealthy {
		t.Fatalf("Expected healthy after recovery, got %s", got)
	}
}

func TestReconcile_PersistentFailureTriggersRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)
	healthyGeneration := h.record(t, id).Generation

	// A bad update goes out.
	broken := validSpec()
	broken.RuntimeImage = "modelserve/runtime:v2-broken"
	if err := h.controller.Update(ctx, id, broken); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	h.reconcile(t, id)

	// The new version reaches ready but health checks keep failing.
	record := h.record(t, id)
	h.probe(id, record.Generation, false, 3)
	h.reconcile(t, id)

	record = h.record(t, id)
	if record.Status != model.StatusRollingBack && record.Status != model.StatusHealthy {
		t.Fatalf("Expected rollback to start, got %s", record.Status)
	}

	// The restore re-applied the captured spec.
	applied, ok := h.adapter.lastApplied()
	if !ok || applied.RuntimeImage != "modelserve/runtime:v1" {
		t.Fatalf("Expected the last-known-good image to be re-applied, got %+v", applied)
	}
	if record.Generation <= healthyGeneration+1 {
		t.Errorf("Expected the restore to run under a new generation, got %d", record.Generation)
	}

	// Probes against the restored generation confirm recovery.
	h.probe(id, record.Generation, true, 0)
	h.reconcile(t, id)
	if got := h.record(t, id).Status; got != model.StatusHealthy {
		t.Fatalf("Expected healthy after restore verification, got %s", got)
	}
}

func TestReconcile_RollbackFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)

	broken := validSpec()
	broken.RuntimeImage = "modelserve/runtime:v2-broken"
	if err := h.controller.Update(ctx, id, broken); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	h.reconcile(t, id)

	record := h.record(t, id)
	h.probe(id, record.Generation, false, 3)
	h.reconcile(t, id)

	// The restored deployment never recovers either.
	record = h.record(t, id)
	h.probe(id, record.Generation, false, h.controller.config.RollbackHealthBudget)
	h.reconcile(t, id)

	record = h.record(t, id)
	if record.Status != model.StatusFailed {
		t.Fatalf("Expected failed after the rollback health budget, got %s", record.Status)
	}
}

func TestReconcile_NoSecondAutomaticRollback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)

	broken := validSpec()
	broken.RuntimeImage = "modelserve/runtime:v2-broken"
	if err := h.controller.Update(ctx, id, broken); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	h.reconcile(t, id)

	record := h.record(t, id)
	h.probe(id, record.Generation, false, 3)
	h.reconcile(t, id)

	// Restored version fails persistently: the same episode must not roll
	// back again, it fails.
	record = h.record(t, id)
	if record.Status != model.StatusRollingBack {
		t.Fatalf("Expected rolling_back, got %s", record.Status)
	}
	h.probe(id, record.Generation, false, h.controller.config.RollbackHealthBudget)
	h.reconcile(t, id)

	if got := h.record(t, id).Status; got != model.StatusFailed {
		t.Fatalf("Expected failed with no second rollback, got %s", got)
	}
}

func TestManualRollback_FromFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)

	// Force a terminal failure while a descriptor exists.
	record := h.record(t, id)
	h.probe(id, record.Generation, false, 3)
	h.reconcile(t, id) // automatic rollback starts
	record = h.record(t, id)
	h.probe(id, record.Generation, false, h.controller.config.RollbackHealthBudget)
	h.reconcile(t, id)
	if got := h.record(t, id).Status; got != model.StatusFailed {
		t.Fatalf("Expected failed, got %s", got)
	}

	// An operator may still request a rollback to unstick it.
	if err := h.controller.RequestRollback(ctx, id); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	h.reconcile(t, id)

	record = h.record(t, id)
	if record.Status != model.StatusRollingBack {
		t.Fatalf("Expected rolling_back after manual request, got %s", record.Status)
	}

	h.probe(id, record.Generation, true, 0)
	h.reconcile(t, id)
	if got := h.record(t, id).Status; got != model.StatusHealthy {
		t.Fatalf("Expected healthy after manual rollback, got %s", got)
	}
}

func TestManualRollback_RejectedWithoutDescriptor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)

	err := h.controller.RequestRollback(ctx, id)
	if err == nil {
		t.Fatal("Expected rollback to be rejected before the endpoint was ever healthy")
	}
}

func TestUpdate_ImmutableIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)

	moved := validSpec()
	moved.Route = "/renamed"
	err := h.controller.Update(ctx, id, moved)
	if !errors.Is(err, model.ErrInvalidSpec) {
		t.Fatalf("Expected route change to be rejected, got: %v", err)
	}

	relocated := validSpec()
	relocated.Environment = model.EnvironmentProduction
	err = h.controller.Update(ctx, id, relocated)
	if !errors.Is(err, model.ErrInvalidSpec) {
		t.Fatalf("Expected environment change to be rejected, got: %v", err)
	}
}

func TestUpdate_DuringInflightReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)

	// Park the first reconciliation inside the adapter apply.
	started := make(chan struct{})
	release := make(chan struct{})
	h.adapter.gateNextApply(started, release)

	reconcileDone := make(chan reconcileOutcome, 1)
	go func() {
		reconcileDone <- h.controller.reconcile(ctx, id)
	}()
	<-started

	// The update is accepted while that apply is still in flight.
	updated := validSpec()
	updated.RuntimeImage = "modelserve/runtime:v2"
	if err := h.controller.Update(ctx, id, updated); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	close(release)
	<-reconcileDone

	// The parked reconciliation persisted its older snapshot of the
	// record; the accepted update must still win on the next pass.
	h.reconcile(t, id)

	record := h.record(t, id)
	if record.Generation != 2 {
		t.Fatalf("Expected generation 2 after the update, got %d", record.Generation)
	}
	if record.Desired.RuntimeImage != "modelserve/runtime:v2" {
		t.Fatalf("Expected the updated image on the record, got %s", record.Desired.RuntimeImage)
	}
	applied, ok := h.adapter.lastApplied()
	if !ok || applied.RuntimeImage != "modelserve/runtime:v2" {
		t.Fatalf("Expected the updated spec to be applied, got %+v", applied)
	}
}

func TestUpdate_KeepsDescriptorUntilNewHealthy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)
	captured := h.record(t, id).Rollback

	updated := validSpec()
	updated.RuntimeImage = "modelserve/runtime:v2"
	if err := h.controller.Update(ctx, id, updated); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	h.reconcile(t, id)

	record := h.record(t, id)
	if record.Status != model.StatusDeploying {
		t.Errorf("Expected deploying after update, got %s", record.Status)
	}
	if record.Rollback == nil || record.Rollback.Spec.RuntimeImage != captured.Spec.RuntimeImage {
		t.Error("Expected the old descriptor to survive the update")
	}

	// Once the new version confirms healthy the descriptor advances.
	h.reconcile(t, id)
	record = h.record(t, id)
	h.probe(id, record.Generation, true, 0)
	h.reconcile(t, id)

	record = h.record(t, id)
	if record.Rollback.Spec.RuntimeImage != "modelserve/runtime:v2" {
		t.Errorf("Expected descriptor to advance to v2, got %s", record.Rollback.Spec.RuntimeImage)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)

	if err := h.controller.RequestDelete(ctx, id); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	h.reconcile(t, id)

	record := h.record(t, id)
	if record.Status != model.StatusDeleted {
		t.Fatalf("Expected deleted, got %s", record.Status)
	}
	if h.adapter.deletes != 1 {
		t.Errorf("Expected one teardown call, got %d", h.adapter.deletes)
	}

	// Deleting again, or deleting an unknown endpoint, succeeds quietly.
	if err := h.controller.RequestDelete(ctx, id); err != nil {
		t.Errorf("Expected repeated delete to succeed, got: %v", err)
	}
	h.reconcile(t, id)
	if err := h.controller.RequestDelete(ctx, "no-such-endpoint"); err != nil {
		t.Errorf("Expected delete of unknown endpoint to succeed, got: %v", err)
	}
	if h.adapter.deletes != 1 {
		t.Errorf("Expected no extra teardown calls, got %d", h.adapter.deletes)
	}
}

func TestDelete_RetriesWhileTeardownPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)

	h.adapter.mu.Lock()
	h.adapter.deleteErr = backend.NewError(backend.KindTeardownPending, "delete", errors.New("still terminating"))
	h.adapter.mu.Unlock()

	if err := h.controller.RequestDelete(ctx, id); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	outcome := h.reconcile(t, id)
	if outcome.requeueAfter == 0 {
		t.Error("Expected a requeue while teardown is pending")
	}
	if got := h.record(t, id).Status; got == model.StatusDeleted {
		t.Fatal("Endpoint must not be deleted while objects are terminating")
	}

	h.adapter.mu.Lock()
	h.adapter.deleteErr = nil
	h.adapter.mu.Unlock()
	h.reconcile(t, id)
	if got := h.record(t, id).Status; got != model.StatusDeleted {
		t.Fatalf("Expected deleted once teardown confirmed, got %s", got)
	}
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)

	view, err := h.controller.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if view.Status != model.StatusDeploying || view.RollbackAvailable {
		t.Errorf("Unexpected view: %+v", view)
	}

	if _, err := h.controller.GetStatus(ctx, "missing"); !registry.IsNotFound(err) {
		t.Errorf("Expected not found, got: %v", err)
	}
}

func TestReconcile_StaleProbeGenerationIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.controller.Deploy(ctx, validSpec(), model.BackendManaged)
	h.driveToHealthy(t, id)

	// A probe result from a superseded generation must not flip the state.
	record := h.record(t, id)
	h.probe(id, record.Generation-1, false, 99)
	h.reconcile(t, id)

	if got := h.record(t, id).Status; got != model.StatusHealthy {
		t.Fatalf("Expected stale probe result to be ignored, got %s", got)
	}
}
