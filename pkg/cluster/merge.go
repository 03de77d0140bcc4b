package cluster

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// StructuralMerge combines an existing resource with a desired manifest.
//
// Field precedence:
//   - identity fields (resource version, UID, creation timestamp, generation)
//     always come from the current resource;
//   - spec, labels and every other declared field always come from the
//     desired resource;
//   - annotations are unioned, with desired taking precedence on key
//     conflicts;
//   - the revision annotation is incremented from the current resource.
//
// Status is dropped entirely; the cluster owns it.
func StructuralMerge(current, desired *unstructured.Unstructured) *unstructured.Unstructured {
	merged := desired.DeepCopy()

	merged.SetResourceVersion(current.GetResourceVersion())
	merged.SetUID(current.GetUID())
	merged.SetCreationTimestamp(current.GetCreationTimestamp())
	merged.SetGeneration(current.GetGeneration())

	annotations := make(map[string]string)
	for key, value := range current.GetAnnotations() {
		annotations[key] = value
	}
	for key, value := range desired.GetAnnotations() {
		annotations[key] = value
	}
	merged.SetAnnotations(annotations)

	setRevision(merged, currentRevision(current)+1)

	unstructured.RemoveNestedField(merged.Object, "status")

	return merged
}
