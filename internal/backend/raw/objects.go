package raw

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/modelserve-sh/controller/internal/model"
)

const (
	managedByLabel   = "app.kubernetes.io/managed-by"
	managedByValue   = "modelserve-controller"
	endpointLabel    = "serving.modelserve.sh/endpoint"
	environmentLabel = "serving.modelserve.sh/environment"
	routeAnnotation  = "serving.modelserve.sh/route"
	modelAnnotation  = "serving.modelserve.sh/model"

	containerName = "server"
	containerPort = 8080
	servicePort   = 80

	gpuResourceName = "nvidia.com/gpu"

	defaultUtilizationTarget = int32(80)
)

func objectName(endpointID string) string {
	return "endpoint-" + endpointID
}

func endpointLabels(endpointID string, env model.Environment) map[string]string {
	return map[string]string{
		managedByLabel:   managedByValue,
		endpointLabel:    endpointID,
		environmentLabel: string(env),
	}
}

// selectorLabels returns the subset of labels used for pod selection. The
// selector must stay stable across spec updates or the Deployment rejects
// the update.
func selectorLabels(endpointID string) map[string]string {
	return map[string]string{endpointLabel: endpointID}
}

func objectMeta(endpointID string, namespace string, spec model.EndpointSpec) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      objectName(endpointID),
		Namespace: namespace,
		Labels:    endpointLabels(endpointID, spec.Environment),
		Annotations: map[string]string{
			routeAnnotation: spec.Route,
			modelAnnotation: spec.ModelReference,
		},
	}
}

func buildDeployment(endpointID, namespace string, spec model.EndpointSpec, cfg Config) *appsv1.Deployment {
	// Raw primitives cannot scale to zero; a min of 0 still starts one
	// replica and lets the autoscaler keep it at the floor.
	replicas := spec.Replicas.Min
	if replicas < 1 {
		replicas = 1
	}

	image := spec.RuntimeImage
	if image == "" {
		if spec.Resources.UseGPU {
			image = cfg.DefaultGPUImage
		} else {
			image = cfg.DefaultImage
		}
	}

	container := corev1.Container{
		Name:  containerName,
		Image: image,
		Args:  []string{"--model-reference", spec.ModelReference},
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: containerPort, Protocol: corev1.ProtocolTCP},
		},
		Resources: buildResourceRequirements(spec.Resources),
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: spec.Route,
					Port: intstr.FromString("http"),
				},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       10,
		},
	}

	return &appsv1.Deployment{
		ObjectMeta: objectMeta(endpointID, namespace, spec),
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(endpointID)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: endpointLabels(endpointID, spec.Environment),
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}
}

// buildResourceRequirements converts the spec's resource shape. Unset
// quantities are left out so the platform defaults (LimitRanges) apply.
func buildResourceRequirements(shape model.ResourceShape) corev1.ResourceRequirements {
	requirements := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	if shape.CPURequest != "" {
		requirements.Requests[corev1.ResourceCPU] = resource.MustParse(shape.CPURequest)
	}
	if shape.MemoryRequest != "" {
		requirements.Requests[corev1.ResourceMemory] = resource.MustParse(shape.MemoryRequest)
	}
	if shape.CPULimit != "" {
		requirements.Limits[corev1.ResourceCPU] = resource.MustParse(shape.CPULimit)
	}
	if shape.MemoryLimit != "" {
		requirements.Limits[corev1.ResourceMemory] = resource.MustParse(shape.MemoryLimit)
	}
	if shape.UseGPU {
		requirements.Limits[gpuResourceName] = resource.MustParse("1")
	}
	return requirements
}

func buildService(endpointID, namespace string, spec model.EndpointSpec) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: objectMeta(endpointID, namespace, spec),
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selectorLabels(endpointID),
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       servicePort,
					TargetPort: intstr.FromString("http"),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}

// wantsAutoscaler reports whether an HPA is part of the endpoint's object
// set. A fixed-size endpoint (min == max) needs none.
func wantsAutoscaler(spec model.EndpointSpec) bool {
	return spec.Replicas.Max > spec.Replicas.Min && spec.Replicas.Max >= 1
}

func buildAutoscaler(endpointID, namespace string, spec model.EndpointSpec) *autoscalingv2.HorizontalPodAutoscaler {
	minReplicas := spec.Replicas.Min
	if minReplicas < 1 {
		minReplicas = 1
	}

	utilization := defaultUtilizationTarget
	if spec.Autoscale != nil && spec.Autoscale.TargetUtilizationPercent != nil {
		utilization = *spec.Autoscale.TargetUtilizationPercent
	}

	hpa := &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: objectMeta(endpointID, namespace, spec),
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       objectName(endpointID),
			},
			MinReplicas: &minReplicas,
			MaxReplicas: spec.Replicas.Max,
			Metrics: []autoscalingv2.MetricSpec{
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: corev1.ResourceCPU,
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: &utilization,
						},
					},
				},
			},
		},
	}

	// A latency target has no native HPA metric source; it rides along as
	// an annotation for the metrics adapter to pick up.
	if spec.Autoscale != nil && spec.Autoscale.TargetLatencyMillis != nil {
		hpa.Annotations["serving.modelserve.sh/target-latency-millis"] =
			fmt.Sprintf("%d", *spec.Autoscale.TargetLatencyMillis)
	}

	return hpa
}

func buildIngress(endpointID, namespace, host string, spec model.EndpointSpec) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	return &networkingv1.Ingress{
		ObjectMeta: objectMeta(endpointID, namespace, spec),
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     spec.Route,
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: objectName(endpointID),
											Port: networkingv1.ServiceBackendPort{Number: servicePort},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}
