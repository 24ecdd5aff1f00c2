package backend

import (
	"context"
	"fmt"

	"github.com/modelserve-sh/controller/internal/model"
)

// Condition is the coarse-grained observed state of an endpoint's backend
// objects.
type Condition string

const (
	ConditionAbsent       Condition = "absent"
	ConditionProvisioning Condition = "provisioning"
	ConditionReady        Condition = "ready"
	ConditionError        Condition = "error"
)

// Observation is the result of observing an endpoint's backend objects.
// Message is only set when Condition is ConditionError. URL, when non-empty,
// is the address the platform serves the endpoint on; adapters that only
// learn the address asynchronously report it here once known.
type Observation struct {
	Condition Condition
	Message   string
	URL       string
}

// Adapter translates an endpoint spec into platform-native child objects.
//
// Apply is idempotent with respect to object identifiers: applying the same
// endpoint ID twice updates the same objects, which is what lets rollback be
// implemented as a redeploy of an old spec. Apply returns either the full
// identifier set or an error with no partially created objects left behind.
//
// Delete is idempotent and reports success only once every child object is
// confirmed gone or was already absent.
type Adapter interface {
	Kind() model.BackendKind
	Apply(ctx context.Context, endpointID string, spec model.EndpointSpec) (model.BackendObjects, error)
	Observe(ctx context.Context, objects model.BackendObjects) (Observation, error)
	Delete(ctx context.Context, objects model.BackendObjects) error
}

// Resolver looks up the adapter owning a backend kind. The kind is fixed at
// record creation; callers resolve once and never branch on it again.
type Resolver map[model.BackendKind]Adapter

// NewResolver indexes adapters by their kind.
func NewResolver(adapters ...Adapter) Resolver {
	resolver := make(Resolver, len(adapters))
	for _, adapter := range adapters {
		resolver[adapter.Kind()] = adapter
	}
	return resolver
}

// For returns the adapter for kind.
func (r Resolver) For(kind model.BackendKind) (Adapter, error) {
	adapter, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for backend kind %q", kind)
	}
	return adapter, nil
}
