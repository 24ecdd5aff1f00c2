// Package registry defines the contract to the catalog store that owns
// endpoint records. The store itself lives outside this controller; the
// in-memory implementation here backs tests and standalone runs.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/modelserve-sh/controller/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for an endpoint ID.
	ErrNotFound = errors.New("endpoint record not found")
	// ErrRouteConflict is returned when (environment, route) is already
	// claimed by a live endpoint.
	ErrRouteConflict = errors.New("route already in use in environment")
)

// IsNotFound reports whether err indicates a missing endpoint record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Registry is the store of truth for endpoint records. Reads return
// snapshots; they never block or observe a half-written record.
//
// Write discipline: the reconciler is the only caller of Update, and it
// holds per-endpoint mutual exclusion while doing so. The prober writes
// only through TouchHealthCheck.
type Registry interface {
	// Create persists a new record, enforcing (environment, route)
	// uniqueness against records that are not deleted.
	Create(ctx context.Context, record *model.EndpointRecord) error
	// Get returns a snapshot of the record.
	Get(ctx context.Context, id string) (*model.EndpointRecord, error)
	// Update replaces the record.
	Update(ctx context.Context, record *model.EndpointRecord) error
	// TouchHealthCheck sets LastHealthCheckAt without touching any
	// reconciler-owned field.
	TouchHealthCheck(ctx context.Context, id string, at time.Time) error
	// List returns snapshots of all records.
	List(ctx context.Context) ([]*model.EndpointRecord, error)
}
