package model

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Environment is a deployment tier an endpoint can target.
type Environment string

const (
	EnvironmentDev        Environment = "dev"
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// Environments lists all valid deployment tiers.
var Environments = []Environment{EnvironmentDev, EnvironmentStaging, EnvironmentProduction}

// BackendKind selects which adapter implementation owns an endpoint.
type BackendKind string

const (
	// BackendManaged deploys through the managed inference-serving platform
	// as a single declarative custom resource.
	BackendManaged BackendKind = "managed"
	// BackendRaw composes workload, service, autoscaler and route objects directly.
	BackendRaw BackendKind = "raw"
)

// ErrInvalidSpec marks caller errors in an endpoint spec. Specs failing
// validation are rejected before a record is created.
var ErrInvalidSpec = errors.New("invalid endpoint spec")

// ReplicaBounds holds the replica range an endpoint may scale within.
type ReplicaBounds struct {
	Min int32 `json:"min"`
	Max int32 `json:"max"`
}

// AutoscalePolicy holds optional autoscaling targets. Both fields are
// optional; at least one must be set if the policy is present.
type AutoscalePolicy struct {
	TargetLatencyMillis      *int32 `json:"targetLatencyMillis,omitempty"`
	TargetUtilizationPercent *int32 `json:"targetUtilizationPercent,omitempty"`
}

// ResourceShape describes the compute shape of an endpoint. Empty quantity
// strings mean "inherit platform default".
type ResourceShape struct {
	UseGPU        bool   `json:"useGpu"`
	CPURequest    string `json:"cpuRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty"`
}

// EndpointSpec is the desired state of one serving endpoint. A spec is
// immutable per version; updates replace the whole value and bump the
// record generation.
type EndpointSpec struct {
	ModelReference  string           `json:"modelReference"`
	Environment     Environment      `json:"environment"`
	Route           string           `json:"route"`
	Replicas        ReplicaBounds    `json:"replicas"`
	Autoscale       *AutoscalePolicy `json:"autoscale,omitempty"`
	Resources       ResourceShape    `json:"resources"`
	RuntimeImage    string           `json:"runtimeImage,omitempty"`
	PromptPolicyRef string           `json:"promptPolicyRef,omitempty"`
}

// Validate checks the spec for caller errors. All returned errors wrap
// ErrInvalidSpec.
func (s *EndpointSpec) Validate() error {
	if s.ModelReference == "" {
		return fmt.Errorf("%w: modelReference is required", ErrInvalidSpec)
	}
	if !validEnvironment(s.Environment) {
		return fmt.Errorf("%w: unknown environment %q", ErrInvalidSpec, s.Environment)
	}
	if s.Route == "" || !strings.HasPrefix(s.Route, "/") {
		return fmt.Errorf("%w: route %q must be a non-empty path starting with '/'", ErrInvalidSpec, s.Route)
	}
	if s.Replicas.Min < 0 || s.Replicas.Max < 0 {
		return fmt.Errorf("%w: replica bounds must be >= 0, got min=%d max=%d", ErrInvalidSpec, s.Replicas.Min, s.Replicas.Max)
	}
	if s.Replicas.Min > s.Replicas.Max {
		return fmt.Errorf("%w: min replicas %d exceeds max replicas %d", ErrInvalidSpec, s.Replicas.Min, s.Replicas.Max)
	}
	if s.Autoscale != nil {
		if s.Autoscale.TargetLatencyMillis == nil && s.Autoscale.TargetUtilizationPercent == nil {
			return fmt.Errorf("%w: autoscale policy must set a latency or utilization target", ErrInvalidSpec)
		}
		if v := s.Autoscale.TargetLatencyMillis; v != nil && *v <= 0 {
			return fmt.Errorf("%w: target latency must be positive, got %d", ErrInvalidSpec, *v)
		}
		if v := s.Autoscale.TargetUtilizationPercent; v != nil && (*v <= 0 || *v > 100) {
			return fmt.Errorf("%w: target utilization must be in (0,100], got %d", ErrInvalidSpec, *v)
		}
	}
	if err := s.Resources.validate(); err != nil {
		return err
	}
	return nil
}

func (s *ResourceShape) validate() error {
	for name, value := range map[string]string{
		"cpuRequest":    s.CPURequest,
		"cpuLimit":      s.CPULimit,
		"memoryRequest": s.MemoryRequest,
		"memoryLimit":   s.MemoryLimit,
	} {
		if value == "" {
			continue
		}
		if _, err := resource.ParseQuantity(value); err != nil {
			return fmt.Errorf("%w: malformed %s %q: %v", ErrInvalidSpec, name, value, err)
		}
	}
	return nil
}

func validEnvironment(env Environment) bool {
	for _, e := range Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the spec.
func (s *EndpointSpec) Clone() EndpointSpec {
	out := *s
	if s.Autoscale != nil {
		policy := AutoscalePolicy{}
		if s.Autoscale.TargetLatencyMillis != nil {
			v := *s.Autoscale.TargetLatencyMillis
			policy.TargetLatencyMillis = &v
		}
		if s.Autoscale.TargetUtilizationPercent != nil {
			v := *s.Autoscale.TargetUtilizationPercent
			policy.TargetUtilizationPercent = &v
		}
		out.Autoscale = &policy
	}
	return out
}
