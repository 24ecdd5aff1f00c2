// Package rollback captures and restores last-known-good endpoint state.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/backend"
	"github.com/modelserve-sh/controller/internal/model"
)

// ErrUnavailable is returned when a rollback is needed or requested but no
// descriptor exists: the endpoint has never been healthy.
var ErrUnavailable = errors.New("no rollback descriptor available")

// Manager owns the rollback descriptor lifecycle. Capture runs only on a
// confirmed healthy transition; Restore re-applies the captured spec through
// the adapter's normal update path (rollback-as-redeploy).
type Manager struct {
	adapters backend.Resolver
}

// NewManager creates a rollback manager over the given adapters.
func NewManager(adapters backend.Resolver) *Manager {
	return &Manager{adapters: adapters}
}

// Capture snapshots the record's current spec and object identifiers as the
// new last-known-good descriptor. The caller must only invoke this once the
// state has been confirmed healthy; a speculative deploy must never
// overwrite the descriptor.
func (m *Manager) Capture(record *model.EndpointRecord) {
	record.Rollback = &model.RollbackDescriptor{
		Spec:         record.Desired.Clone(),
		Objects:      record.Objects.Clone(),
		RuntimeImage: record.Desired.RuntimeImage,
		Resources:    record.Desired.Resources,
		Generation:   record.Generation,
		CapturedAt:   time.Now().UTC(),
	}
}

// Restore re-applies the record's descriptor through the adapter and waits
// for the adapter to report the apply accepted. Health re-verification is
// the reconciler's job afterwards; the descriptor itself is left untouched
// since it still represents the last verified state.
//
// Restore fails closed: without a descriptor, or with a descriptor from a
// different route or environment, it returns a non-retryable error.
func (m *Manager) Restore(ctx context.Context, record *model.EndpointRecord) (model.BackendObjects, error) {
	logger := log.FromContext(ctx).WithName("rollback-manager")

	descriptor := record.Rollback
	if descriptor == nil {
		return model.BackendObjects{}, ErrUnavailable
	}
	if descriptor.Spec.Route != record.Route || descriptor.Spec.Environment != record.Environment {
		return model.BackendObjects{}, fmt.Errorf(
			"descriptor targets %s%s, record is %s%s: refusing cross-endpoint restore",
			descriptor.Spec.Environment, descriptor.Spec.Route, record.Environment, record.Route)
	}

	adapter, err := m.adapters.For(record.BackendKind)
	if err != nil {
		return model.BackendObjects{}, err
	}

	logger.Info("Restoring last known good state",
		"endpointID", record.ID,
		"capturedAt", descriptor.CapturedAt,
		"descriptorGeneration", descriptor.Generation,
		"image", descriptor.RuntimeImage,
	)

	objects, err := adapter.Apply(ctx, record.ID, descriptor.Spec)
	if err != nil {
		return model.BackendObjects{}, fmt.Errorf("re-apply of rollback descriptor failed: %w", err)
	}
	if objects.URL == "" {
		// Adapters that learn the serving address asynchronously report
		// it through Observe; until then keep the last verified address.
		objects.URL = descriptor.Objects.URL
	}
	return objects, nil
}
