package cluster

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

type correlationKey struct{}

// WithCorrelationID attaches a deployment id to the context. Every resource
// applied under that context is annotated with the id, so cluster state can
// be traced back to the deployment that produced it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func stampCorrelationID(ctx context.Context, resource *unstructured.Unstructured) {
	id, ok := ctx.Value(correlationKey{}).(string)
	if !ok || len(id) == 0 {
		return
	}
	annotations := resource.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string, 1)
	}
	annotations[CorrelationIDAnnotation] = id
	resource.SetAnnotations(annotations)
}
