// Package cluster translates desired resource manifests into cluster state
// with idempotent semantics: create, merge-patch on conflict, replace as a
// last resort. It also waits for rollouts, probes health, and repoints
// service selectors for blue-green switches.
package cluster

import (
	"context"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/metrics"
	"github.com/plantmetric/rollout/pkg/resilience"
)

const (
	RevisionAnnotation      = "rollout.plantmetric.io/revision"
	CorrelationIDAnnotation = "rollout.plantmetric.io/correlationID"

	defaultPollInterval = 5 * time.Second
)

// Result describes the outcome of applying one manifest.
type Result struct {
	Resource *unstructured.Unstructured
	Created  bool
	Merged   bool
	Replaced bool
	Warnings []string
}

type Interface interface {
	Deploy(ctx context.Context, manifest *unstructured.Unstructured, namespace string) (*Result, error)
	WaitForRollout(ctx context.Context, name, namespace string, timeout time.Duration) error
	PerformHealthChecks(ctx context.Context, name, namespace string) ([]deployment.HealthCheckResult, error)
	SwitchServiceSelector(ctx context.Context, serviceName, namespace, key, value string) error
	AttemptRollback(ctx context.Context, name, namespace string, timeout time.Duration) error
	ScaleDeployment(ctx context.Context, name, namespace string, replicas int32) error
	DeleteDeployment(ctx context.Context, name, namespace string) error
	GetDeployment(ctx context.Context, name, namespace string) (*unstructured.Unstructured, error)
}

type Adapter struct {
	structured   kubernetes.Interface
	dynamic      dynamic.Interface
	executor     *resilience.Executor
	policy       resilience.Policy
	pollInterval time.Duration
	logger       *log.Entry
}

var _ Interface = &Adapter{}

type Option func(*Adapter)

func WithPollInterval(interval time.Duration) Option {
	return func(a *Adapter) {
		a.pollInterval = interval
	}
}

func WithResilience(executor *resilience.Executor, policy resilience.Policy) Option {
	return func(a *Adapter) {
		a.executor = executor
		a.policy = policy
	}
}

func New(structured kubernetes.Interface, dyn dynamic.Interface, opts ...Option) *Adapter {
	a := &Adapter{
		structured:   structured,
		dynamic:      dyn,
		executor:     resilience.NewExecutor(),
		policy:       resilience.DefaultPolicy(),
		pollInterval: defaultPollInterval,
		logger:       log.WithField("component", "cluster"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// gvr guesses the REST location of a resource from its group/version/kind.
func gvr(resource *unstructured.Unstructured) schema.GroupVersionResource {
	gvk := resource.GroupVersionKind()
	return schema.GroupVersionResource{
		Group:    gvk.Group,
		Version:  gvk.Version,
		Resource: pluralize(gvk.Kind),
	}
}

func (a *Adapter) resourceClient(resource *unstructured.Unstructured, namespace string) dynamic.ResourceInterface {
	client := a.dynamic.Resource(gvr(resource))
	if len(namespace) == 0 {
		return client
	}
	return client.Namespace(namespace)
}

// EnsureNamespace creates the namespace if it does not exist.
func (a *Adapter) EnsureNamespace(ctx context.Context, namespace string) error {
	if len(namespace) == 0 {
		return nil
	}

	return a.executor.Execute(ctx, "ensure-namespace", a.policy, func(ctx context.Context) error {
		_, err := a.structured.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
		if err == nil {
			return nil
		}
		if !apierrors.IsNotFound(err) {
			return classify(err, "query namespace '%s'", namespace)
		}

		ns := &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: namespace},
		}
		_, err = a.structured.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		if err != nil {
			return classify(err, "create namespace '%s'", namespace)
		}
		a.logger.Infof("Created namespace '%s'", namespace)
		return nil
	})
}

// Deploy converges the cluster towards the given manifest. Create, merge and
// replace all end in the same declared state, so applying the same manifest
// twice is a no-op beyond a revision bump.
func (a *Adapter) Deploy(ctx context.Context, manifest *unstructured.Unstructured, namespace string) (*Result, error) {
	if err := a.EnsureNamespace(ctx, namespace); err != nil {
		return nil, err
	}

	warnings, err := validateManifest(manifest)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		a.logger.Warnf("Manifest '%s': %s", manifest.GetName(), warning)
	}

	desired := manifest.DeepCopy()
	desired.SetNamespace(namespace)
	stampCorrelationID(ctx, desired)

	result, err := a.applyOnce(ctx, desired, namespace)
	if err != nil && faults.KindOf(err) == faults.KindUnprocessable {
		// Best-effort auto-fix: inject labels and selectors that match the
		// resource name, then retry the whole deploy once.
		a.logger.Warnf("Manifest '%s' rejected by cluster, retrying once with injected labels and selectors: %s", desired.GetName(), err)
		autofix(desired)
		result, err = a.applyOnce(ctx, desired, namespace)
	}
	if err != nil {
		return nil, err
	}

	result.Warnings = warnings
	metrics.ClusterResources.Inc()
	return result, nil
}

func (a *Adapter) applyOnce(ctx context.Context, desired *unstructured.Unstructured, namespace string) (*Result, error) {
	client := a.resourceClient(desired, namespace)
	result := &Result{}

	err := a.executor.Execute(ctx, "apply-resource", a.policy, func(ctx context.Context) error {
		toCreate := desired.DeepCopy()
		setRevision(toCreate, 1)

		created, err := client.Create(ctx, toCreate, metav1.CreateOptions{})
		if err == nil {
			result.Resource = created
			result.Created = true
			return nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return classify(err, "create resource '%s'", desired.GetName())
		}

		// Conflict: converge the existing resource instead.
		existing, err := client.Get(ctx, desired.GetName(), metav1.GetOptions{})
		if err != nil {
			return classify(err, "get existing resource '%s'", desired.GetName())
		}

		merged := StructuralMerge(existing, desired)
		updated, err := client.Update(ctx, merged, metav1.UpdateOptions{})
		if err == nil {
			result.Resource = updated
			result.Merged = true
			return nil
		}
		a.logger.Warnf("Patching resource '%s' failed, falling back to full replace: %s", desired.GetName(), err)

		// Full replace: desired spec wins wholesale, identity carried over.
		replacement := desired.DeepCopy()
		replacement.SetResourceVersion(existing.GetResourceVersion())
		replacement.SetUID(existing.GetUID())
		setRevision(replacement, currentRevision(existing)+1)

		replaced, err := client.Update(ctx, replacement, metav1.UpdateOptions{})
		if err != nil {
			return classify(err, "replace resource '%s'", desired.GetName())
		}
		result.Resource = replaced
		result.Replaced = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// classify maps a Kubernetes API error onto the engine's error taxonomy.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)

	switch {
	case apierrors.IsInvalid(err):
		return faults.Wrap(faults.KindUnprocessable, err, msg)
	case apierrors.IsAlreadyExists(err) || apierrors.IsConflict(err):
		return faults.Wrap(faults.KindConflict, err, msg)
	case apierrors.IsBadRequest(err) || apierrors.IsForbidden(err) || apierrors.IsNotFound(err):
		return faults.Wrap(faults.KindValidation, err, msg)
	case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) || apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) || apierrors.IsInternalError(err):
		return faults.Wrap(faults.KindTransient, err, msg)
	}
	return faults.Wrap(faults.KindTransient, err, msg)
}

// validateManifest checks the minimum required shape. Missing resource
// requests and security context only warn; a deploy must not fail on them.
func validateManifest(manifest *unstructured.Unstructured) ([]string, error) {
	if len(manifest.GetName()) == 0 {
		return nil, faults.New(faults.KindValidation, "manifest has no name")
	}

	containers, found, err := unstructured.NestedSlice(manifest.Object, "spec", "template", "spec", "containers")
	if err != nil || !found || len(containers) == 0 {
		return nil, faults.New(faults.KindValidation, "manifest '%s' has no container spec", manifest.GetName())
	}

	warnings := make([]string, 0)
	for i, c := range containers {
		container, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := container["name"].(string)
		if len(name) == 0 {
			name = strconv.Itoa(i)
		}

		if _, found, _ := unstructured.NestedMap(container, "resources", "limits"); !found {
			return nil, faults.New(faults.KindValidation, "container '%s' declares no resource limits", name)
		}
		if _, found, _ := unstructured.NestedMap(container, "resources", "requests"); !found {
			warnings = append(warnings, fmt.Sprintf("container '%s' declares no resource requests", name))
		}
		if _, found, _ := unstructured.NestedMap(container, "securityContext"); !found {
			warnings = append(warnings, fmt.Sprintf("container '%s' declares no security context", name))
		}
	}

	return warnings, nil
}

// autofix injects labels and selectors matching the resource name, the usual
// cause of schema rejections on hand-written manifests.
func autofix(resource *unstructured.Unstructured) {
	name := resource.GetName()

	labels := resource.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	if _, ok := labels["app"]; !ok {
		labels["app"] = name
	}
	resource.SetLabels(labels)

	_ = unstructured.SetNestedField(resource.Object, name, "spec", "selector", "matchLabels", "app")
	_ = unstructured.SetNestedField(resource.Object, name, "spec", "template", "metadata", "labels", "app")
}

func currentRevision(resource *unstructured.Unstructured) int {
	anno := resource.GetAnnotations()
	if anno == nil {
		return 0
	}
	rev, err := strconv.Atoi(anno[RevisionAnnotation])
	if err != nil {
		return 0
	}
	return rev
}

func setRevision(resource *unstructured.Unstructured, revision int) {
	anno := resource.GetAnnotations()
	if anno == nil {
		anno = make(map[string]string)
	}
	anno[RevisionAnnotation] = strconv.Itoa(revision)
	resource.SetAnnotations(anno)
}

// pluralize guesses the resource name for a kind. Sufficient for the
// workload, service and config resources this engine manages.
func pluralize(kind string) string {
	lower := ""
	for _, r := range kind {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		lower += string(r)
	}
	switch {
	case len(lower) == 0:
		return lower
	case lower[len(lower)-1] == 's':
		return lower + "es"
	case lower[len(lower)-1] == 'y':
		return lower[:len(lower)-1] + "ies"
	}
	return lower + "s"
}
