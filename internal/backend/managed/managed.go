// Package managed implements the backend adapter for the managed
// inference-serving platform. One endpoint maps 1:1 onto a single
// declarative InferenceService custom resource; autoscaling and routing are
// fields on that resource, handled by the platform itself.
//
// The resource is accessed as unstructured content so the controller does
// not pin the platform's Go module version.
package managed

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/backend"
	"github.com/modelserve-sh/controller/internal/model"
)

// GroupVersionKind of the managed platform's serving resource.
var GroupVersionKind = schema.GroupVersionKind{
	Group:   "serving.kserve.io",
	Version: "v1beta1",
	Kind:    "InferenceService",
}

const (
	managedByLabel    = "app.kubernetes.io/managed-by"
	managedByValue    = "modelserve-controller"
	endpointLabel     = "serving.modelserve.sh/endpoint"
	routeAnnotation   = "serving.modelserve.sh/route"
	policyAnnotation  = "serving.modelserve.sh/prompt-policy"
	latencyAnnotation = "serving.modelserve.sh/target-latency-millis"
)

// Config holds the adapter's platform settings.
type Config struct {
	// NamespacePrefix is prepended to the environment name to form the
	// namespace the serving resources live in.
	NamespacePrefix string
	// DefaultCPURequest and DefaultMemoryRequest are injected when the
	// spec leaves the resource shape unset.
	DefaultCPURequest    string
	DefaultMemoryRequest string
	// CallTimeout bounds every platform call.
	CallTimeout time.Duration
}

// DefaultConfig returns the default managed adapter configuration.
func DefaultConfig() Config {
	return Config{
		NamespacePrefix:      "serving-",
		DefaultCPURequest:    "1",
		DefaultMemoryRequest: "2Gi",
		CallTimeout:          30 * time.Second,
	}
}

// Adapter drives the single managed serving resource through the cluster API.
type Adapter struct {
	client client.Client
	config Config
}

// NewAdapter creates a managed backend adapter.
func NewAdapter(c client.Client, cfg Config) *Adapter {
	return &Adapter{client: c, config: cfg}
}

// Kind implements backend.Adapter.
func (a *Adapter) Kind() model.BackendKind { return model.BackendManaged }

func (a *Adapter) namespace(env model.Environment) string {
	return a.config.NamespacePrefix + string(env)
}

func resourceName(endpointID string) string {
	return "endpoint-" + endpointID
}

// Apply creates or updates the serving resource for the endpoint. The same
// endpoint ID always maps onto the same resource name, so re-applying an
// old spec (rollback) converges the existing resource.
func (a *Adapter) Apply(ctx context.Context, endpointID string, spec model.EndpointSpec) (model.BackendObjects, error) {
	logger := log.FromContext(ctx).WithName("managed-adapter")
	ctx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	namespace := a.namespace(spec.Environment)
	desired := a.buildResource(endpointID, namespace, spec)

	err := a.client.Create(ctx, desired)
	if apierrors.IsAlreadyExists(err) {
		existing := newResource()
		if getErr := a.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: resourceName(endpointID)}, existing); getErr != nil {
			return model.BackendObjects{}, backend.ClassifyAPIError("apply serving resource", getErr)
		}
		desired.SetResourceVersion(existing.GetResourceVersion())
		err = a.client.Update(ctx, desired)
	}
	if err != nil {
		return model.BackendObjects{}, backend.ClassifyAPIError("apply serving resource", err)
	}

	logger.V(1).Info("serving resource applied",
		"endpointID", endpointID,
		"namespace", namespace,
		"name", resourceName(endpointID),
	)

	return model.BackendObjects{
		Refs: []model.ObjectRef{
			{Kind: GroupVersionKind.Kind, Namespace: namespace, Name: resourceName(endpointID)},
		},
	}, nil
}

// Observe maps the resource's Ready condition onto the coarse condition set.
// The platform publishes the serving URL in status once routing is in place;
// it is passed back so the prober picks it up on the next reconciliation.
func (a *Adapter) Observe(ctx context.Context, objects model.BackendObjects) (backend.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	if len(objects.Refs) == 0 {
		return backend.Observation{Condition: backend.ConditionAbsent}, nil
	}
	ref := objects.Refs[0]

	resource := newResource()
	err := a.client.Get(ctx, types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}, resource)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.Observation{Condition: backend.ConditionAbsent}, nil
		}
		return backend.Observation{}, backend.ClassifyAPIError("observe serving resource", err)
	}

	url, _, _ := unstructured.NestedString(resource.Object, "status", "url")

	conditions, found, err := unstructured.NestedSlice(resource.Object, "status", "conditions")
	if err != nil || !found {
		return backend.Observation{Condition: backend.ConditionProvisioning, URL: url}, nil
	}

	for _, raw := range conditions {
		cond, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		condType, _, _ := unstructured.NestedString(cond, "type")
		if condType != "Ready" {
			continue
		}
		status, _, _ := unstructured.NestedString(cond, "status")
		switch status {
		case "True":
			return backend.Observation{Condition: backend.ConditionReady, URL: url}, nil
		case "False":
			message, _, _ := unstructured.NestedString(cond, "message")
			reason, _, _ := unstructured.NestedString(cond, "reason")
			if message == "" {
				message = reason
			}
			return backend.Observation{Condition: backend.ConditionError, Message: message, URL: url}, nil
		}
	}

	return backend.Observation{Condition: backend.ConditionProvisioning, URL: url}, nil
}

// Delete removes the serving resource and confirms it is gone.
func (a *Adapter) Delete(ctx context.Context, objects model.BackendObjects) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	if len(objects.Refs) == 0 {
		return nil
	}
	ref := objects.Refs[0]

	resource := newResource()
	resource.SetNamespace(ref.Namespace)
	resource.SetName(ref.Name)
	if err := a.client.Delete(ctx, resource); err != nil && !apierrors.IsNotFound(err) {
		return backend.ClassifyAPIError("delete serving resource", err)
	}

	err := a.client.Get(ctx, types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}, newResource())
	if err == nil {
		return backend.NewError(backend.KindTeardownPending, "delete",
			fmt.Errorf("%s %s/%s still terminating", ref.Kind, ref.Namespace, ref.Name))
	}
	if !apierrors.IsNotFound(err) {
		return backend.ClassifyAPIError("confirm teardown", err)
	}
	return nil
}

func newResource() *unstructured.Unstructured {
	resource := &unstructured.Unstructured{}
	resource.SetGroupVersionKind(GroupVersionKind)
	return resource
}

func (a *Adapter) buildResource(endpointID, namespace string, spec model.EndpointSpec) *unstructured.Unstructured {
	resource := newResource()
	resource.SetNamespace(namespace)
	resource.SetName(resourceName(endpointID))
	resource.SetLabels(map[string]string{
		managedByLabel: managedByValue,
		endpointLabel:  endpointID,
	})

	annotations := map[string]string{
		routeAnnotation: spec.Route,
	}
	if spec.PromptPolicyRef != "" {
		annotations[policyAnnotation] = spec.PromptPolicyRef
	}
	if spec.Autoscale != nil && spec.Autoscale.TargetLatencyMillis != nil {
		annotations[latencyAnnotation] = fmt.Sprintf("%d", *spec.Autoscale.TargetLatencyMillis)
	}
	resource.SetAnnotations(annotations)

	predictor := map[string]interface{}{
		"minReplicas": int64(spec.Replicas.Min),
		"maxReplicas": int64(spec.Replicas.Max),
		"model": map[string]interface{}{
			"storageUri": spec.ModelReference,
			"resources":  a.buildResources(spec.Resources),
		},
	}
	if spec.RuntimeImage != "" {
		unstructured.SetNestedField(predictor, spec.RuntimeImage, "model", "image")
	}
	if spec.Autoscale != nil && spec.Autoscale.TargetUtilizationPercent != nil {
		predictor["scaleMetric"] = "cpu"
		predictor["scaleTarget"] = int64(*spec.Autoscale.TargetUtilizationPercent)
	}

	resource.Object["spec"] = map[string]interface{}{
		"predictor": predictor,
	}
	return resource
}

// buildResources converts the spec's shape, injecting the platform defaults
// the managed variant guarantees when the spec leaves requests unset.
func (a *Adapter) buildResources(shape model.ResourceShape) map[string]interface{} {
	cpuRequest := shape.CPURequest
	if cpuRequest == "" {
		cpuRequest = a.config.DefaultCPURequest
	}
	memoryRequest := shape.MemoryRequest
	if memoryRequest == "" {
		memoryRequest = a.config.DefaultMemoryRequest
	}

	requests := map[string]interface{}{
		"cpu":    cpuRequest,
		"memory": memoryRequest,
	}
	limits := map[string]interface{}{}
	if shape.CPULimit != "" {
		limits["cpu"] = shape.CPULimit
	}
	if shape.MemoryLimit != "" {
		limits["memory"] = shape.MemoryLimit
	}
	if shape.UseGPU {
		limits["nvidia.com/gpu"] = "1"
	}

	resources := map[string]interface{}{"requests": requests}
	if len(limits) > 0 {
		resources["limits"] = limits
	}
	return resources
}
