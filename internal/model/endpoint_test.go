package model

import (
	"errors"
	"testing"
)

func validSpec() EndpointSpec {
	return EndpointSpec{
		ModelReference: "models/llama-3-8b",
		Environment:    EnvironmentStaging,
		Route:          "/llama",
		Replicas:       ReplicaBounds{Min: 1, Max: 3},
	}
}

func TestEndpointSpec_Validate(t *testing.T) {
	latency := int32(250)
	utilization := int32(80)
	badUtilization := int32(120)

	tests := []struct {
		name    string
		mutate  func(*EndpointSpec)
		wantErr bool
	}{
		{
			name:   "valid minimal spec",
			mutate: func(*EndpointSpec) {},
		},
		{
			name:    "missing model reference",
			mutate:  func(s *EndpointSpec) { s.ModelReference = "" },
			wantErr: true,
		},
		{
			name:    "unknown environment",
			mutate:  func(s *EndpointSpec) { s.Environment = "qa" },
			wantErr: true,
		},
		{
			name:    "route without leading slash",
			mutate:  func(s *EndpointSpec) { s.Route = "llama" },
			wantErr: true,
		},
		{
			name:    "empty route",
			mutate:  func(s *EndpointSpec) { s.Route = "" },
			wantErr: true,
		},
		{
			name:    "negative replica bound",
			mutate:  func(s *EndpointSpec) { s.Replicas.Min = -1 },
			wantErr: true,
		},
		{
			name:    "min replicas above max",
			mutate:  func(s *EndpointSpec) { s.Replicas = ReplicaBounds{Min: 5, Max: 2} },
			wantErr: true,
		},
		{
			name:   "scale to zero allowed",
			mutate: func(s *EndpointSpec) { s.Replicas = ReplicaBounds{Min: 0, Max: 4} },
		},
		{
			name:   "autoscale with latency target",
			mutate: func(s *EndpointSpec) { s.Autoscale = &AutoscalePolicy{TargetLatencyMillis: &latency} },
		},
		{
			name:   "autoscale with utilization target",
			mutate: func(s *EndpointSpec) { s.Autoscale = &AutoscalePolicy{TargetUtilizationPercent: &utilization} },
		},
		{
			name:    "autoscale with no target",
			mutate:  func(s *EndpointSpec) { s.Autoscale = &AutoscalePolicy{} },
			wantErr: true,
		},
		{
			name:    "utilization above 100",
			mutate:  func(s *EndpointSpec) { s.Autoscale = &AutoscalePolicy{TargetUtilizationPercent: &badUtilization} },
			wantErr: true,
		},
		{
			name:    "malformed cpu quantity",
			mutate:  func(s *EndpointSpec) { s.Resources.CPURequest = "two" },
			wantErr: true,
		},
		{
			name:   "well formed quantities",
			mutate: func(s *EndpointSpec) { s.Resources = ResourceShape{CPURequest: "500m", MemoryLimit: "4Gi"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)

			err := spec.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected validation error, got nil")
				}
				if !errors.Is(err, ErrInvalidSpec) {
					t.Errorf("Expected error wrapping ErrInvalidSpec, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestEndpointSpec_Clone(t *testing.T) {
	latency := int32(100)
	spec := validSpec()
	spec.Autoscale = &AutoscalePolicy{TargetLatencyMillis: &latency}

	clone := spec.Clone()
	*clone.Autoscale.TargetLatencyMillis = 999

	if *spec.Autoscale.TargetLatencyMillis != 100 {
		t.Errorf("Clone shares autoscale policy with original: got %d", *spec.Autoscale.TargetLatencyMillis)
	}
}

func TestEndpointStatus_Terminal(t *testing.T) {
	terminal := map[EndpointStatus]bool{
		StatusDeploying:   false,
		StatusHealthy:     false,
		StatusDegraded:    false,
		StatusRollingBack: false,
		StatusFailed:      true,
		StatusDeleted:     true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestEndpointRecord_RollbackAvailable(t *testing.T) {
	record := EndpointRecord{}
	if record.RollbackAvailable() {
		t.Error("Expected no rollback without a descriptor")
	}
	record.Rollback = &RollbackDescriptor{Generation: 1}
	if !record.RollbackAvailable() {
		t.Error("Expected rollback available with a descriptor")
	}
}
