package model

import "time"

// EndpointStatus is the state-machine value of an endpoint record.
type EndpointStatus string

const (
	StatusDeploying   EndpointStatus = "deploying"
	StatusHealthy     EndpointStatus = "healthy"
	StatusDegraded    EndpointStatus = "degraded"
	StatusRollingBack EndpointStatus = "rolling_back"
	StatusFailed      EndpointStatus = "failed"
	StatusDeleted     EndpointStatus = "deleted"
)

// Terminal reports whether no further reconciliation will run for the status.
func (s EndpointStatus) Terminal() bool {
	return s == StatusFailed || s == StatusDeleted
}

// Pollable reports whether the Health Prober should keep checking an
// endpoint in this status. Deploying and rolling-back endpoints are polled
// so the reconciler learns when the applied state answers health checks.
func (s EndpointStatus) Pollable() bool {
	switch s {
	case StatusDeploying, StatusHealthy, StatusDegraded, StatusRollingBack:
		return true
	default:
		return false
	}
}

// ObjectRef identifies one platform-native child object owned by an endpoint.
type ObjectRef struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// BackendObjects is the opaque identifier set returned by an adapter apply,
// plus the URL the Health Prober checks.
type BackendObjects struct {
	Refs []ObjectRef `json:"refs,omitempty"`
	URL  string      `json:"url,omitempty"`
}

// Clone returns a deep copy of the object set.
func (b BackendObjects) Clone() BackendObjects {
	out := b
	out.Refs = make([]ObjectRef, len(b.Refs))
	copy(out.Refs, b.Refs)
	return out
}

// RollbackDescriptor is the snapshot taken when an endpoint last entered
// healthy. It is only ever overwritten by another confirmed-healthy state,
// so restore always targets a verified deployment.
type RollbackDescriptor struct {
	Spec         EndpointSpec   `json:"spec"`
	Objects      BackendObjects `json:"objects"`
	RuntimeImage string         `json:"runtimeImage,omitempty"`
	Resources    ResourceShape  `json:"resources"`
	Generation   int64          `json:"generation"`
	CapturedAt   time.Time      `json:"capturedAt"`
}

// Clone returns a deep copy of the descriptor.
func (d *RollbackDescriptor) Clone() *RollbackDescriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.Spec = d.Spec.Clone()
	out.Objects = d.Objects.Clone()
	return &out
}

// EndpointRecord is the persisted record for one logical endpoint. The
// record is the single source of truth shared between the reconciler, the
// prober and the API layer; the reconciler is the only writer of status,
// backend kind and the rollback descriptor, the prober only writes
// LastHealthCheckAt.
type EndpointRecord struct {
	ID          string      `json:"id"`
	Environment Environment `json:"environment"`
	Route       string      `json:"route"`

	Desired EndpointSpec `json:"desired"`
	// Generation increments on every accepted deploy or update. Probe
	// results are tagged with the generation they were checked against so
	// stale results can be discarded.
	Generation  int64       `json:"generation"`
	BackendKind BackendKind `json:"backendKind"`

	Status       EndpointStatus `json:"status"`
	StatusReason string         `json:"statusReason,omitempty"`

	Objects           BackendObjects      `json:"objects"`
	LastHealthCheckAt *time.Time          `json:"lastHealthCheckAt,omitempty"`
	Rollback          *RollbackDescriptor `json:"rollback,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RollbackAvailable reports whether a last-known-good descriptor exists.
func (r *EndpointRecord) RollbackAvailable() bool {
	return r.Rollback != nil
}

// Clone returns a deep copy of the record. The registry hands out clones so
// reads never observe a half-written record.
func (r *EndpointRecord) Clone() *EndpointRecord {
	out := *r
	out.Desired = r.Desired.Clone()
	out.Objects = r.Objects.Clone()
	out.Rollback = r.Rollback.Clone()
	if r.LastHealthCheckAt != nil {
		t := *r.LastHealthCheckAt
		out.LastHealthCheckAt = &t
	}
	return &out
}

// EndpointStatusView is the read model exposed to the API layer.
type EndpointStatusView struct {
	EndpointID        string         `json:"endpointId"`
	Status            EndpointStatus `json:"status"`
	StatusReason      string         `json:"statusReason,omitempty"`
	LastHealthCheckAt *time.Time     `json:"lastHealthCheckAt,omitempty"`
	RollbackAvailable bool           `json:"rollbackAvailable"`
}
