package cluster_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	apps "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	k8stesting "k8s.io/client-go/testing"

	"github.com/plantmetric/rollout/pkg/cluster"
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/k8sutils"
)

func newAdapter(objects ...runtime.Object) *cluster.Adapter {
	structured := k8sfake.NewSimpleClientset(objects...)
	dyn := dynamicfake.NewSimpleDynamicClient(clientgoscheme.Scheme)
	return cluster.New(structured, dyn, cluster.WithPollInterval(10*time.Millisecond))
}

func TestDeployIsIdempotent(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter()
	resource, err := k8sutils.ResourceFromManifest(deploymentManifest("checkout"))
	assert.NoError(t, err)

	first, err := adapter.Deploy(ctx, resource, "shop")
	assert.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "1", first.Resource.GetAnnotations()[cluster.RevisionAnnotation])

	second, err := adapter.Deploy(ctx, resource, "shop")
	assert.NoError(t, err)
	assert.False(t, second.Created)
	assert.True(t, second.Merged)
	assert.Equal(t, "2", second.Resource.GetAnnotations()[cluster.RevisionAnnotation])

	// Beyond the revision bump, both applies converge on the same spec.
	firstSpec, _, _ := unstructured.NestedMap(first.Resource.Object, "spec")
	secondSpec, _, _ := unstructured.NestedMap(second.Resource.Object, "spec")
	assert.Equal(t, firstSpec, secondSpec)
}

func TestDeployRejectsManifestWithoutLimits(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter()

	raw := json.RawMessage(`{
		"apiVersion": "apps/v1",
		"kind": "Deployment",
		"metadata": {"name": "checkout"},
		"spec": {"template": {"spec": {"containers": [{"name": "app", "image": "x:1"}]}}}
	}`)
	resource, err := k8sutils.ResourceFromManifest(raw)
	assert.NoError(t, err)

	_, err = adapter.Deploy(ctx, resource, "shop")
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestDeployWarnsOnMissingRequests(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapter()
	resource, err := k8sutils.ResourceFromManifest(deploymentManifest("checkout"))
	assert.NoError(t, err)

	result, err := adapter.Deploy(ctx, resource, "shop")
	assert.NoError(t, err)
	assert.NotEmpty(t, result.Warnings)
}

func TestSchemaRejectionClassifiedUnprocessable(t *testing.T) {
	structured := k8sfake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClient(clientgoscheme.Scheme)
	dyn.PrependReactor("create", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewInvalid(schema.GroupKind{Group: "apps", Kind: "Deployment"}, "checkout", nil)
	})
	adapter := cluster.New(structured, dyn, cluster.WithPollInterval(10*time.Millisecond))

	resource, err := k8sutils.ResourceFromManifest(deploymentManifest("checkout"))
	assert.NoError(t, err)

	_, err = adapter.Deploy(context.Background(), resource, "shop")
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindUnprocessable))
}

func TestStructuralMergePrecedence(t *testing.T) {
	current, err := k8sutils.ResourceFromManifest(deploymentManifest("checkout"))
	assert.NoError(t, err)
	current.SetResourceVersion("42")
	current.SetUID("abc-123")
	current.SetAnnotations(map[string]string{
		cluster.RevisionAnnotation: "3",
		"keep-me":                  "current",
		"shared":                   "current",
	})

	desired, err := k8sutils.ResourceFromManifest(deploymentManifest("checkout"))
	assert.NoError(t, err)
	desired.SetAnnotations(map[string]string{"shared": "desired"})

	merged := cluster.StructuralMerge(current, desired)

	// Identity from current, annotations unioned with desired winning.
	assert.Equal(t, "42", merged.GetResourceVersion())
	assert.Equal(t, "abc-123", string(merged.GetUID()))
	assert.Equal(t, "current", merged.GetAnnotations()["keep-me"])
	assert.Equal(t, "desired", merged.GetAnnotations()["shared"])
	assert.Equal(t, "4", merged.GetAnnotations()[cluster.RevisionAnnotation])

	_, found, _ := unstructured.NestedMap(merged.Object, "status")
	assert.False(t, found)
}

func TestWaitForRolloutTimesOut(t *testing.T) {
	replicas := int32(2)
	deploy := &apps.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "shop"},
		Spec:       apps.DeploymentSpec{Replicas: &replicas},
		Status: apps.DeploymentStatus{
			Replicas:      2,
			ReadyReplicas: 1,
		},
	}
	adapter := newAdapter(deploy)

	started := time.Now()
	err := adapter.WaitForRollout(context.Background(), "checkout", "shop", 100*time.Millisecond)
	elapsed := time.Since(started)

	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTimeout))
	assert.Less(t, elapsed, time.Second)
}

func TestWaitForRolloutCompletes(t *testing.T) {
	replicas := int32(2)
	deploy := &apps.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "shop"},
		Spec:       apps.DeploymentSpec{Replicas: &replicas},
		Status: apps.DeploymentStatus{
			Replicas:          2,
			UpdatedReplicas:   2,
			ReadyReplicas:     2,
			AvailableReplicas: 2,
			Conditions: []apps.DeploymentCondition{
				{Type: apps.DeploymentProgressing, Status: corev1.ConditionTrue, Reason: "NewReplicaSetAvailable"},
				{Type: apps.DeploymentAvailable, Status: corev1.ConditionTrue},
			},
		},
	}
	adapter := newAdapter(deploy)

	err := adapter.WaitForRollout(context.Background(), "checkout", "shop", time.Second)
	assert.NoError(t, err)
}

func TestWaitForRolloutFailsFastOnProgressDeadline(t *testing.T) {
	deploy := &apps.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "shop"},
		Status: apps.DeploymentStatus{
			Conditions: []apps.DeploymentCondition{
				{Type: apps.DeploymentProgressing, Status: corev1.ConditionFalse, Reason: "ProgressDeadlineExceeded"},
			},
		},
	}
	adapter := newAdapter(deploy)

	err := adapter.WaitForRollout(context.Background(), "checkout", "shop", 10*time.Second)
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTimeout))
}

func TestHealthChecksWarnOnEmptyEndpoints(t *testing.T) {
	replicas := int32(1)
	objects := []runtime.Object{
		&apps.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "shop"},
			Spec:       apps.DeploymentSpec{Replicas: &replicas},
			Status:     apps.DeploymentStatus{ReadyReplicas: 1},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "checkout-1",
				Namespace: "shop",
				Labels:    map[string]string{"app": "checkout"},
			},
			Status: corev1.PodStatus{
				ContainerStatuses: []corev1.ContainerStatus{{Ready: true}},
			},
		},
		&corev1.Endpoints{
			ObjectMeta: metav1.ObjectMeta{Name: "checkout", Namespace: "shop"},
		},
	}
	adapter := newAdapter(objects...)

	results, err := adapter.PerformHealthChecks(context.Background(), "checkout", "shop")
	assert.NoError(t, err)
	assert.Len(t, results, 3)

	byName := make(map[string]deployment.HealthCheckResult)
	for _, result := range results {
		byName[result.Name] = result
	}
	assert.Equal(t, deployment.HealthPass, byName["deployment-readiness"].Status)
	assert.Equal(t, deployment.HealthPass, byName["pod-readiness"].Status)
	assert.Equal(t, deployment.HealthWarn, byName["service-endpoints"].Status)

	// Warnings never fail overall health.
	assert.True(t, deployment.Healthy(results))
}

func TestHealthChecksFailOnMissingDeployment(t *testing.T) {
	adapter := newAdapter()

	results, err := adapter.PerformHealthChecks(context.Background(), "checkout", "shop")
	assert.NoError(t, err)
	assert.False(t, deployment.Healthy(results))
}

func deploymentManifest(name string) json.RawMessage {
	return json.RawMessage(`{
		"apiVersion": "apps/v1",
		"kind": "Deployment",
		"metadata": {"name": "` + name + `", "labels": {"app": "` + name + `"}},
		"spec": {
			"replicas": 2,
			"selector": {"matchLabels": {"app": "` + name + `"}},
			"template": {
				"metadata": {"labels": {"app": "` + name + `"}},
				"spec": {
					"containers": [{
						"name": "app",
						"image": "registry.example.com/` + name + `:2.4.1",
						"resources": {"limits": {"cpu": "500m", "memory": "256Mi"}}
					}]
				}
			}
		}
	}`)
}

