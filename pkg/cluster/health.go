package cluster

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/plantmetric/rollout/pkg/deployment"
)

// PerformHealthChecks aggregates deployment-level readiness, per-pod
// readiness including restart counts, and service endpoint presence.
// An endpoint set with zero addresses is a warning, not a failure; the
// service can still recover.
func (a *Adapter) PerformHealthChecks(ctx context.Context, name, namespace string) ([]deployment.HealthCheckResult, error) {
	results := make([]deployment.HealthCheckResult, 0, 3)

	results = append(results, a.checkDeployment(ctx, name, namespace))
	results = append(results, a.checkPods(ctx, name, namespace))
	results = append(results, a.checkEndpoints(ctx, name, namespace))

	return results, nil
}

func (a *Adapter) checkDeployment(ctx context.Context, name, namespace string) deployment.HealthCheckResult {
	started := time.Now()
	result := deployment.HealthCheckResult{
		Name:      "deployment-readiness",
		Timestamp: started,
	}

	deploy, err := a.structured.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	result.ResponseTime = time.Since(started)
	if err != nil {
		result.Status = deployment.HealthFail
		result.Detail = map[string]interface{}{"error": err.Error()}
		return result
	}

	desired := int32(1)
	if deploy.Spec.Replicas != nil {
		desired = *deploy.Spec.Replicas
	}

	result.Detail = map[string]interface{}{
		"desiredReplicas": desired,
		"readyReplicas":   deploy.Status.ReadyReplicas,
	}
	if deploy.Status.ReadyReplicas >= desired {
		result.Status = deployment.HealthPass
	} else if deploy.Status.ReadyReplicas > 0 {
		result.Status = deployment.HealthWarn
	} else {
		result.Status = deployment.HealthFail
	}
	return result
}

func (a *Adapter) checkPods(ctx context.Context, name, namespace string) deployment.HealthCheckResult {
	started := time.Now()
	result := deployment.HealthCheckResult{
		Name:      "pod-readiness",
		Timestamp: started,
	}

	pods, err := a.structured.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", name),
	})
	result.ResponseTime = time.Since(started)
	if err != nil {
		result.Status = deployment.HealthFail
		result.Detail = map[string]interface{}{"error": err.Error()}
		return result
	}

	ready := 0
	restarts := 0
	for _, pod := range pods.Items {
		podReady := true
		for _, cs := range pod.Status.ContainerStatuses {
			restarts += int(cs.RestartCount)
			if !cs.Ready {
				podReady = false
			}
		}
		if podReady && len(pod.Status.ContainerStatuses) > 0 {
			ready++
		}
	}

	result.Detail = map[string]interface{}{
		"pods":     len(pods.Items),
		"ready":    ready,
		"restarts": restarts,
	}
	switch {
	case len(pods.Items) == 0:
		result.Status = deployment.HealthFail
	case ready == len(pods.Items) && restarts == 0:
		result.Status = deployment.HealthPass
	case ready > 0:
		result.Status = deployment.HealthWarn
	default:
		result.Status = deployment.HealthFail
	}
	return result
}

func (a *Adapter) checkEndpoints(ctx context.Context, name, namespace string) deployment.HealthCheckResult {
	started := time.Now()
	result := deployment.HealthCheckResult{
		Name:      "service-endpoints",
		Timestamp: started,
	}

	endpoints, err := a.structured.CoreV1().Endpoints(namespace).Get(ctx, name, metav1.GetOptions{})
	result.ResponseTime = time.Since(started)
	if err != nil {
		if apierrors.IsNotFound(err) {
			result.Status = deployment.HealthWarn
			result.Detail = map[string]interface{}{"reason": "no endpoint object for service"}
			return result
		}
		result.Status = deployment.HealthFail
		result.Detail = map[string]interface{}{"error": err.Error()}
		return result
	}

	addresses := 0
	for _, subset := range endpoints.Subsets {
		addresses += len(subset.Addresses)
	}
	result.Detail = map[string]interface{}{"addresses": addresses}
	if addresses > 0 {
		result.Status = deployment.HealthPass
	} else {
		result.Status = deployment.HealthWarn
	}
	return result
}
