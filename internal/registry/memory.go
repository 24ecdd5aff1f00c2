package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelserve-sh/controller/internal/model"
)

// Memory is an in-process Registry. All methods hand out deep copies, so a
// snapshot read never observes later mutation.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*model.EndpointRecord
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*model.EndpointRecord)}
}

// Create implements Registry.
func (m *Memory) Create(_ context.Context, record *model.EndpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[record.ID]; exists {
		return fmt.Errorf("endpoint %s already exists", record.ID)
	}
	for _, existing := range m.records {
		if existing.Status == model.StatusDeleted {
			continue
		}
		if existing.Environment == record.Environment && existing.Route == record.Route {
			return fmt.Errorf("%w: %s %s", ErrRouteConflict, record.Environment, record.Route)
		}
	}

	m.records[record.ID] = record.Clone()
	return nil
}

// Get implements Registry.
func (m *Memory) Get(_ context.Context, id string) (*model.EndpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record.Clone(), nil
}

// Update implements Registry.
func (m *Memory) Update(_ context.Context, record *model.EndpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[record.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, record.ID)
	}

	updated := record.Clone()
	updated.UpdatedAt = time.Now().UTC()
	// LastHealthCheckAt is prober-owned; keep the freshest value if the
	// prober touched it while the reconciler held its stale snapshot.
	if stored.LastHealthCheckAt != nil {
		if updated.LastHealthCheckAt == nil || stored.LastHealthCheckAt.After(*updated.LastHealthCheckAt) {
			t := *stored.LastHealthCheckAt
			updated.LastHealthCheckAt = &t
		}
	}
	m.records[record.ID] = updated
	return nil
}

// TouchHealthCheck implements Registry.
func (m *Memory) TouchHealthCheck(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t := at.UTC()
	record.LastHealthCheckAt = &t
	return nil
}

// List implements Registry.
func (m *Memory) List(_ context.Context) ([]*model.EndpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.EndpointRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record.Clone())
	}
	return out, nil
}
