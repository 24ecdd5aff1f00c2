package controller

import (
	"context"
	"sync"

	"github.com/modelserve-sh/controller/internal/model"
	"github.com/modelserve-sh/controller/internal/prober"
)

// endpointState is the controller's in-memory bookkeeping for one endpoint.
// It is never persisted; everything here can be rebuilt from the record and
// a fresh reconciliation.
//
// appliedGeneration, applyAttempts and rollbackAttempted are touched only
// by the single worker holding the endpoint's queue key
// (the workqueue guarantees at most one in-flight reconciliation per key).
// The mutex guards the fields shared with the API layer and the prober
// result pump.
type endpointState struct {
	// appliedGeneration is the spec generation last successfully applied
	// through the adapter. Zero means nothing applied yet.
	appliedGeneration int64
	// applyAttempts counts retryable apply failures for the current
	// generation, bounded by Config.ApplyRetryLimit.
	applyAttempts int
	// rollbackAttempted marks that restore ran in the current failure
	// episode. It resets on a confirmed healthy transition and on updates.
	rollbackAttempted bool

	mu                sync.Mutex
	deleteRequested   bool
	rollbackRequested bool
	pendingSpec       *model.EndpointSpec
	probe             *prober.Result
	cancel            context.CancelFunc
}

// requestDelete marks the endpoint for teardown and returns the cancel
// func of any in-flight adapter call, letting the caller decide how long
// that call may keep running.
func (s *endpointState) requestDelete() context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRequested = true
	return s.cancel
}

func (s *endpointState) deletePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRequested
}

func (s *endpointState) requestRollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackRequested = true
}

// takeRollbackRequest consumes a pending manual rollback request.
func (s *endpointState) takeRollbackRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := s.rollbackRequested
	s.rollbackRequested = false
	return requested
}

// stageSpec parks an accepted spec update until the worker holding the
// endpoint's queue key picks it up. Applying the record mutation there,
// not in the API goroutine, keeps the record single-writer: an update
// accepted while a reconciliation is mid-apply cannot be clobbered when
// that reconciliation persists its older snapshot. A later update
// replaces an unconsumed one.
func (s *endpointState) stageSpec(spec model.EndpointSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSpec = &spec
}

// takePendingSpec consumes a staged spec update, if any.
func (s *endpointState) takePendingSpec() *model.EndpointSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec := s.pendingSpec
	s.pendingSpec = nil
	return spec
}

func (s *endpointState) noteProbe(result prober.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = &result
}

func (s *endpointState) latestProbe() *prober.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probe
}

func (s *endpointState) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *endpointState) clearCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
}

type stateTracker struct {
	mu     sync.Mutex
	states map[string]*endpointState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*endpointState)}
}

func (t *stateTracker) get(id string) *endpointState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[id]
	if !ok {
		state = &endpointState{}
		t.states[id] = state
	}
	return state
}

func (t *stateTracker) drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}
