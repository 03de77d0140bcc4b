package cluster

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/plantmetric/rollout/pkg/faults"
)

const endpointWaitTimeout = 30 * time.Second

// SwitchServiceSelector atomically repoints a service's selector to a new
// label value, then waits for the endpoint set to become non-empty. A wait
// timeout only warns: traffic may still drain over correctly.
func (a *Adapter) SwitchServiceSelector(ctx context.Context, serviceName, namespace, key, value string) error {
	logger := a.logger.WithFields(log.Fields{
		"service":   serviceName,
		"namespace": namespace,
	})

	services := a.structured.CoreV1().Services(namespace)

	err := a.executor.Execute(ctx, "switch-service-selector", a.policy, func(ctx context.Context) error {
		service, err := services.Get(ctx, serviceName, metav1.GetOptions{})
		if err != nil {
			return classify(err, "get service '%s'", serviceName)
		}

		if service.Spec.Selector == nil {
			service.Spec.Selector = make(map[string]string)
		}
		service.Spec.Selector[key] = value

		_, err = services.Update(ctx, service, metav1.UpdateOptions{})
		return classify(err, "update selector of service '%s'", serviceName)
	})
	if err != nil {
		return err
	}
	logger.Infof("Service selector switched to %s=%s", key, value)

	err = wait.PollUntilContextTimeout(ctx, time.Second, endpointWaitTimeout, true, func(ctx context.Context) (bool, error) {
		endpoints, err := a.structured.CoreV1().Endpoints(namespace).Get(ctx, serviceName, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, nil
		}
		for _, subset := range endpoints.Subsets {
			if len(subset.Addresses) > 0 {
				return true, nil
			}
		}
		return false, nil
	})
	if wait.Interrupted(err) {
		logger.Warnf("Endpoint set still empty %s after selector switch; continuing", endpointWaitTimeout)
		return nil
	}
	return err
}

// AttemptRollback re-applies the previous revision of a deployment by
// decrementing the revision annotation, then waits for the rollout.
//
// TODO: validate that the target revision was ever healthy before
// re-applying it; decrementing blindly may re-introduce a bad state.
func (a *Adapter) AttemptRollback(ctx context.Context, name, namespace string, timeout time.Duration) error {
	resource, err := a.GetDeployment(ctx, name, namespace)
	if err != nil {
		return err
	}

	revision := currentRevision(resource)
	if revision <= 1 {
		return faults.New(faults.KindRollback, "deployment '%s' has no previous revision to roll back to", name)
	}

	rolled := resource.DeepCopy()
	setRevision(rolled, revision-1)

	client := a.resourceClient(rolled, namespace)
	err = a.executor.Execute(ctx, "rollback-resource", a.policy, func(ctx context.Context) error {
		_, err := client.Update(ctx, rolled, metav1.UpdateOptions{})
		return classify(err, "re-apply revision %d of '%s'", revision-1, name)
	})
	if err != nil {
		return faults.Wrap(faults.KindRollback, err, "rollback of '%s'", name)
	}

	a.logger.Infof("Rolled '%s' back to revision %d; waiting for rollout", name, revision-1)
	return a.WaitForRollout(ctx, name, namespace, timeout)
}
