// Package raw implements the backend adapter that composes an endpoint out
// of primitive workload objects: a Deployment, a Service, a
// HorizontalPodAutoscaler and an Ingress route. Objects are created in
// dependency order and torn down in reverse; a failed apply removes the
// sub-objects it created so no orphans are left behind.
package raw

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/backend"
	"github.com/modelserve-sh/controller/internal/model"
)

// Config holds the adapter's platform settings.
type Config struct {
	// NamespacePrefix is prepended to the environment name to form the
	// namespace endpoints deploy into (e.g. "serving-" -> serving-production).
	NamespacePrefix string
	// Domain is the cluster ingress domain endpoints are exposed under.
	Domain string
	// DefaultImage is the runtime image used when the spec leaves it unset.
	DefaultImage string
	// DefaultGPUImage is used instead when the spec asks for a GPU.
	DefaultGPUImage string
	// CallTimeout bounds every platform call.
	CallTimeout time.Duration
}

// DefaultConfig returns the default raw adapter configuration.
func DefaultConfig() Config {
	return Config{
		NamespacePrefix: "serving-",
		Domain:          "serving.example.com",
		DefaultImage:    "modelserve/runtime:stable",
		DefaultGPUImage: "modelserve/runtime-cuda:stable",
		CallTimeout:     30 * time.Second,
	}
}

// Adapter drives the four raw child objects through the cluster API.
type Adapter struct {
	client client.Client
	config Config
}

// NewAdapter creates a raw backend adapter.
func NewAdapter(c client.Client, cfg Config) *Adapter {
	return &Adapter{client: c, config: cfg}
}

// Kind implements backend.Adapter.
func (a *Adapter) Kind() model.BackendKind { return model.BackendRaw }

func (a *Adapter) namespace(env model.Environment) string {
	return a.config.NamespacePrefix + string(env)
}

func (a *Adapter) host(env model.Environment) string {
	return fmt.Sprintf("%s.%s", env, a.config.Domain)
}

// Apply creates or updates the endpoint's child objects in dependency order:
// workload, service, autoscaler, route. If any step fails, objects created
// by this call are removed before the error is returned, so the caller sees
// either full success or no new state.
func (a *Adapter) Apply(ctx context.Context, endpointID string, spec model.EndpointSpec) (model.BackendObjects, error) {
	logger := log.FromContext(ctx).WithName("raw-adapter")
	ctx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	namespace := a.namespace(spec.Environment)
	host := a.host(spec.Environment)

	objects := []client.Object{
		buildDeployment(endpointID, namespace, spec, a.config),
		buildService(endpointID, namespace, spec),
	}
	if wantsAutoscaler(spec) {
		objects = append(objects, buildAutoscaler(endpointID, namespace, spec))
	}
	objects = append(objects, buildIngress(endpointID, namespace, host, spec))

	var createdThisCall []client.Object
	for _, obj := range objects {
		created, err := a.applyObject(ctx, obj)
		if err != nil {
			logger.Error(err, "apply failed, removing objects created by this call",
				"endpointID", endpointID,
				"failedKind", obj.GetObjectKind().GroupVersionKind().Kind,
				"created", len(createdThisCall),
			)
			a.unwind(ctx, createdThisCall)
			return model.BackendObjects{}, backend.ClassifyAPIError("apply "+gvkKind(obj), err)
		}
		if created {
			createdThisCall = append(createdThisCall, obj)
		}
	}

	// An autoscaler from a previous spec version is deleted when the new
	// spec no longer wants one. Update path only; never part of unwind.
	if !wantsAutoscaler(spec) {
		stale := &autoscalingv2.HorizontalPodAutoscaler{}
		stale.Name = objectName(endpointID)
		stale.Namespace = namespace
		if err := a.client.Delete(ctx, stale); err != nil && !apierrors.IsNotFound(err) {
			a.unwind(ctx, createdThisCall)
			return model.BackendObjects{}, backend.ClassifyAPIError("delete stale autoscaler", err)
		}
	}

	refs := make([]model.ObjectRef, 0, len(objects))
	for _, obj := range objects {
		refs = append(refs, model.ObjectRef{
			Kind:      gvkKind(obj),
			Namespace: namespace,
			Name:      objectName(endpointID),
		})
	}

	return model.BackendObjects{
		Refs: refs,
		URL:  "http://" + host + spec.Route,
	}, nil
}

// applyObject creates the object, falling back to update when it already
// exists. Reports whether this call created it.
func (a *Adapter) applyObject(ctx context.Context, obj client.Object) (bool, error) {
	err := a.client.Create(ctx, obj)
	if err == nil {
		return true, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return false, err
	}

	existing := obj.DeepCopyObject().(client.Object)
	if err := a.client.Get(ctx, client.ObjectKeyFromObject(obj), existing); err != nil {
		return false, err
	}
	obj.SetResourceVersion(existing.GetResourceVersion())
	return false, a.client.Update(ctx, obj)
}

// unwind removes objects created by a failed apply call, in reverse order.
// Errors are logged and swallowed: the next apply is idempotent against
// whatever survived.
func (a *Adapter) unwind(ctx context.Context, created []client.Object) {
	logger := log.FromContext(ctx).WithName("raw-adapter")
	for i := len(created) - 1; i >= 0; i-- {
		obj := created[i]
		if err := a.client.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
			logger.Error(err, "failed to remove partially applied object",
				"kind", gvkKind(obj),
				"name", obj.GetName(),
				"namespace", obj.GetNamespace(),
			)
		}
	}
}

// Observe derives a coarse condition from the workload's status. A missing
// workload means absent; missing dependents mean provisioning since the next
// apply recreates them.
func (a *Adapter) Observe(ctx context.Context, objects model.BackendObjects) (backend.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	ref, ok := findRef(objects, "Deployment")
	if !ok {
		return backend.Observation{Condition: backend.ConditionAbsent}, nil
	}

	deployment := &appsv1.Deployment{}
	err := a.client.Get(ctx, types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}, deployment)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.Observation{Condition: backend.ConditionAbsent}, nil
		}
		return backend.Observation{}, backend.ClassifyAPIError("observe deployment", err)
	}

	for _, cond := range deployment.Status.Conditions {
		if cond.Type == appsv1.DeploymentReplicaFailure && cond.Status == corev1.ConditionTrue {
			return backend.Observation{Condition: backend.ConditionError, Message: cond.Message}, nil
		}
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse {
			return backend.Observation{Condition: backend.ConditionError, Message: cond.Message}, nil
		}
	}

	var desired int32 = 1
	if deployment.Spec.Replicas != nil {
		desired = *deployment.Spec.Replicas
	}
	if deployment.Status.ObservedGeneration >= deployment.Generation &&
		deployment.Status.ReadyReplicas >= desired {
		return backend.Observation{Condition: backend.ConditionReady}, nil
	}

	return backend.Observation{Condition: backend.ConditionProvisioning}, nil
}

// Delete tears down the child objects in reverse dependency order and then
// verifies they are gone. Already-absent objects are fine; objects still
// terminating surface as a retryable teardown-pending error.
func (a *Adapter) Delete(ctx context.Context, objects model.BackendObjects) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	refs := objects.Refs
	for i := len(refs) - 1; i >= 0; i-- {
		obj := emptyObjectFor(refs[i])
		if obj == nil {
			continue
		}
		if err := a.client.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
			return backend.ClassifyAPIError("delete "+refs[i].Kind, err)
		}
	}

	for _, ref := range refs {
		obj := emptyObjectFor(ref)
		if obj == nil {
			continue
		}
		err := a.client.Get(ctx, types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}, obj)
		if err == nil {
			return backend.NewError(backend.KindTeardownPending, "delete",
				fmt.Errorf("%s %s/%s still terminating", ref.Kind, ref.Namespace, ref.Name))
		}
		if !apierrors.IsNotFound(err) {
			return backend.ClassifyAPIError("confirm teardown "+ref.Kind, err)
		}
	}

	return nil
}

func findRef(objects model.BackendObjects, kind string) (model.ObjectRef, bool) {
	for _, ref := range objects.Refs {
		if ref.Kind == kind {
			return ref, true
		}
	}
	return model.ObjectRef{}, false
}

func emptyObjectFor(ref model.ObjectRef) client.Object {
	var obj client.Object
	switch ref.Kind {
	case "Deployment":
		obj = &appsv1.Deployment{}
	case "Service":
		obj = &corev1.Service{}
	case "HorizontalPodAutoscaler":
		obj = &autoscalingv2.HorizontalPodAutoscaler{}
	case "Ingress":
		obj = &networkingv1.Ingress{}
	default:
		return nil
	}
	obj.SetNamespace(ref.Namespace)
	obj.SetName(ref.Name)
	return obj
}

func gvkKind(obj client.Object) string {
	switch obj.(type) {
	case *appsv1.Deployment:
		return "Deployment"
	case *corev1.Service:
		return "Service"
	case *autoscalingv2.HorizontalPodAutoscaler:
		return "HorizontalPodAutoscaler"
	case *networkingv1.Ingress:
		return "Ingress"
	default:
		return obj.GetObjectKind().GroupVersionKind().Kind
	}
}
