package cluster

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	apps "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/plantmetric/rollout/pkg/faults"
)

// WaitForRollout polls a deployment until its rollout converged, failing
// with a timeout error kind once the deadline elapses, or fast once the
// cluster reports the progress deadline exceeded.
//
// Convergence requires four independent signals at once: replica counts
// (ready, available, updated against desired), the progressing condition
// reporting success, and the available condition being true. A transiently
// matching replica count during a rolling update does not satisfy all four.
func (a *Adapter) WaitForRollout(ctx context.Context, name, namespace string, timeout time.Duration) error {
	client := a.structured.AppsV1().Deployments(namespace)
	logger := a.logger.WithFields(log.Fields{
		"name":      name,
		"namespace": namespace,
	})

	err := wait.PollUntilContextTimeout(ctx, a.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		deploy, err := client.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				logger.Debugf("Deployment not present in cluster yet")
				return false, nil
			}
			logger.Debugf("Recoverable error while polling rollout status: %s", err)
			return false, nil
		}

		if cond := condition(deploy, apps.DeploymentProgressing); cond != nil && cond.Reason == "ProgressDeadlineExceeded" {
			return false, faults.New(faults.KindTimeout, "deployment '%s' exceeded its progress deadline", name)
		}

		if rolloutComplete(deploy) {
			return true, nil
		}

		logger.WithFields(log.Fields{
			"replicas":           deploy.Status.Replicas,
			"updated_replicas":   deploy.Status.UpdatedReplicas,
			"ready_replicas":     deploy.Status.ReadyReplicas,
			"available_replicas": deploy.Status.AvailableReplicas,
		}).Debugf("Still waiting for rollout to finish")
		return false, nil
	})

	if wait.Interrupted(err) {
		return faults.New(faults.KindTimeout, "timeout after %s while waiting for rollout of '%s'", timeout, name)
	}
	return err
}

func rolloutComplete(deploy *apps.Deployment) bool {
	desired := int32(1)
	if deploy.Spec.Replicas != nil {
		desired = *deploy.Spec.Replicas
	}

	if deploy.Status.UpdatedReplicas != desired ||
		deploy.Status.ReadyReplicas != desired ||
		deploy.Status.AvailableReplicas != desired ||
		deploy.Status.Replicas != desired {
		return false
	}
	if deploy.Status.ObservedGeneration < deploy.Generation {
		return false
	}

	progressing := condition(deploy, apps.DeploymentProgressing)
	if progressing == nil || progressing.Status != corev1.ConditionTrue || progressing.Reason != "NewReplicaSetAvailable" {
		return false
	}

	available := condition(deploy, apps.DeploymentAvailable)
	return available != nil && available.Status == corev1.ConditionTrue
}

func condition(deploy *apps.Deployment, kind apps.DeploymentConditionType) *apps.DeploymentCondition {
	for i := range deploy.Status.Conditions {
		if deploy.Status.Conditions[i].Type == kind {
			return &deploy.Status.Conditions[i]
		}
	}
	return nil
}
