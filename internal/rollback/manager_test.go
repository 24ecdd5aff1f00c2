package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/modelserve-sh/controller/internal/backend"
	"github.com/modelserve-sh/controller/internal/model"
)

type stubAdapter struct {
	kind     model.BackendKind
	applied  []model.EndpointSpec
	applyErr error
	objects  model.BackendObjects
}

func (s *stubAdapter) Kind() model.BackendKind { return s.kind }

func (s *stubAdapter) Apply(_ context.Context, _ string, spec model.EndpointSpec) (model.BackendObjects, error) {
	if s.applyErr != nil {
		return model.BackendObjects{}, s.applyErr
	}
	s.applied = append(s.applied, spec)
	return s.objects, nil
}

func (s *stubAdapter) Observe(context.Context, model.BackendObjects) (backend.Observation, error) {
	return backend.Observation{Condition: backend.ConditionReady}, nil
}

func (s *stubAdapter) Delete(context.Context, model.BackendObjects) error { return nil }

func healthyRecord() *model.EndpointRecord {
	return &model.EndpointRecord{
		ID:          "ep-1",
		Environment: model.EnvironmentProduction,
		Route:       "/llama",
		Desired: model.EndpointSpec{
			ModelReference: "models/llama-3-8b",
			Environment:    model.EnvironmentProduction,
			Route:          "/llama",
			Replicas:       model.ReplicaBounds{Min: 1, Max: 3},
			RuntimeImage:   "modelserve/runtime:v7",
		},
		Generation:  3,
		BackendKind: model.BackendManaged,
		Status:      model.StatusHealthy,
		Objects: model.BackendObjects{
			Refs: []model.ObjectRef{{Kind: "InferenceService", Namespace: "serving-production", Name: "endpoint-ep-1"}},
			URL:  "http://production.serving.example.com/llama",
		},
	}
}

func TestManager_Capture(t *testing.T) {
	manager := NewManager(backend.NewResolver())
	record := healthyRecord()

	manager.Capture(record)

	if record.Rollback == nil {
		t.Fatal("Expected a descriptor after capture")
	}
	if record.Rollback.Generation != 3 {
		t.Errorf("Expected generation 3, got %d", record.Rollback.Generation)
	}
	if record.Rollback.RuntimeImage != "modelserve/runtime:v7" {
		t.Errorf("Expected captured image, got %s", record.Rollback.RuntimeImage)
	}
	if record.Rollback.CapturedAt.IsZero() {
		t.Error("Expected a capture timestamp")
	}

	// The descriptor must be isolated from later spec changes.
	record.Desired.RuntimeImage = "modelserve/runtime:v8"
	if record.Rollback.Spec.RuntimeImage != "modelserve/runtime:v7" {
		t.Error("Descriptor shares spec with the record")
	}
}

func TestManager_Restore(t *testing.T) {
	adapter := &stubAdapter{
		kind: model.BackendManaged,
		objects: model.BackendObjects{
			Refs: []model.ObjectRef{{Kind: "InferenceService", Namespace: "serving-production", Name: "endpoint-ep-1"}},
		},
	}
	manager := NewManager(backend.NewResolver(adapter))

	record := healthyRecord()
	manager.Capture(record)

	// A bad update replaced the desired spec; restore must re-apply the
	// captured one.
	record.Desired.RuntimeImage = "modelserve/runtime:v8-broken"
	record.Generation = 4

	objects, err := manager.Restore(context.Background(), record)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(adapter.applied) != 1 || adapter.applied[0].RuntimeImage != "modelserve/runtime:v7" {
		t.Errorf("Expected restore to apply the captured spec, applied: %+v", adapter.applied)
	}
	// The adapter reported no URL; the last verified address carries over.
	if objects.URL != "http://production.serving.example.com/llama" {
		t.Errorf("Expected descriptor URL to carry over, got %q", objects.URL)
	}
}

func TestManager_Restore_WithoutDescriptor(t *testing.T) {
	manager := NewManager(backend.NewResolver())
	record := healthyRecord()

	_, err := manager.Restore(context.Background(), record)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got: %v", err)
	}
}

func TestManager_Restore_RefusesCrossEndpointDescriptor(t *testing.T) {
	manager := NewManager(backend.NewResolver(&stubAdapter{kind: model.BackendManaged}))

	record := healthyRecord()
	manager.Capture(record)
	record.Route = "/mistral"

	if _, err := manager.Restore(context.Background(), record); err == nil {
		t.Error("Expected restore to refuse a descriptor from another route")
	}
}
