package cluster

import (
	"context"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
)

// Generic resource operations, used by the batch dispatcher for bulk
// mutations of config maps, secrets and other supporting resources.

func (a *Adapter) namespacedClient(resource schema.GroupVersionResource, namespace string) dynamic.ResourceInterface {
	if len(namespace) == 0 {
		return a.dynamic.Resource(resource)
	}
	return a.dynamic.Resource(resource).Namespace(namespace)
}

func (a *Adapter) CreateResource(ctx context.Context, resource schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	var created *unstructured.Unstructured
	err := a.executor.Execute(ctx, "create-resource", a.policy, func(ctx context.Context) error {
		var err error
		created, err = a.namespacedClient(resource, namespace).Create(ctx, obj, metav1.CreateOptions{})
		return classify(err, "create %s '%s'", resource.Resource, obj.GetName())
	})
	return created, err
}

func (a *Adapter) UpdateResource(ctx context.Context, resource schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	var updated *unstructured.Unstructured
	err := a.executor.Execute(ctx, "update-resource", a.policy, func(ctx context.Context) error {
		var err error
		updated, err = a.namespacedClient(resource, namespace).Update(ctx, obj, metav1.UpdateOptions{})
		return classify(err, "update %s '%s'", resource.Resource, obj.GetName())
	})
	return updated, err
}

func (a *Adapter) PatchResource(ctx context.Context, resource schema.GroupVersionResource, namespace, name string, patch []byte) (*unstructured.Unstructured, error) {
	var patched *unstructured.Unstructured
	err := a.executor.Execute(ctx, "patch-resource", a.policy, func(ctx context.Context) error {
		var err error
		patched, err = a.namespacedClient(resource, namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
		return classify(err, "patch %s '%s'", resource.Resource, name)
	})
	return patched, err
}

func (a *Adapter) DeleteResource(ctx context.Context, resource schema.GroupVersionResource, namespace, name string) error {
	return a.executor.Execute(ctx, "delete-resource", a.policy, func(ctx context.Context) error {
		err := a.namespacedClient(resource, namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return classify(err, "delete %s '%s'", resource.Resource, name)
	})
}

// Typed helpers used by the strategy executor.

func (a *Adapter) GetDeployment(ctx context.Context, name, namespace string) (*unstructured.Unstructured, error) {
	client := a.dynamic.Resource(schema.GroupVersionResource{
		Group:    "apps",
		Version:  "v1",
		Resource: "deployments",
	}).Namespace(namespace)

	var resource *unstructured.Unstructured
	err := a.executor.Execute(ctx, "get-deployment", a.policy, func(ctx context.Context) error {
		var err error
		resource, err = client.Get(ctx, name, metav1.GetOptions{})
		return classify(err, "get deployment '%s'", name)
	})
	return resource, err
}

func (a *Adapter) ScaleDeployment(ctx context.Context, name, namespace string, replicas int32) error {
	deployments := a.structured.AppsV1().Deployments(namespace)

	return a.executor.Execute(ctx, "scale-deployment", a.policy, func(ctx context.Context) error {
		deploy, err := deployments.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return classify(err, "get deployment '%s'", name)
		}
		deploy.Spec.Replicas = &replicas
		_, err = deployments.Update(ctx, deploy, metav1.UpdateOptions{})
		return classify(err, "scale deployment '%s' to %d replicas", name, replicas)
	})
}

func (a *Adapter) DeleteDeployment(ctx context.Context, name, namespace string) error {
	return a.executor.Execute(ctx, "delete-deployment", a.policy, func(ctx context.Context) error {
		err := a.structured.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return classify(err, "delete deployment '%s'", name)
	})
}
