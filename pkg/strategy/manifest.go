package strategy

import (
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Manifest manipulation helpers. All of them return deep copies; the
// original desired manifest is never mutated.

func withUpdateStrategy(manifest *unstructured.Unstructured, strategyType string) *unstructured.Unstructured {
	out := manifest.DeepCopy()
	_ = unstructured.SetNestedField(out.Object, strategyType, "spec", "strategy", "type")
	if strategyType == "RollingUpdate" {
		_ = unstructured.SetNestedField(out.Object, "25%", "spec", "strategy", "rollingUpdate", "maxSurge")
		_ = unstructured.SetNestedField(out.Object, "25%", "spec", "strategy", "rollingUpdate", "maxUnavailable")
	} else {
		unstructured.RemoveNestedField(out.Object, "spec", "strategy", "rollingUpdate")
	}
	return out
}

// withTrack renames the resource set and labels both the workload and its
// pods with a track value, so that a parallel set never matches the live
// service selector until the switch.
func withTrack(manifest *unstructured.Unstructured, suffix, track string) *unstructured.Unstructured {
	out := manifest.DeepCopy()
	out.SetName(manifest.GetName() + "-" + suffix)

	labels := out.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[TrackLabel] = track
	out.SetLabels(labels)

	_ = unstructured.SetNestedField(out.Object, track, "spec", "selector", "matchLabels", TrackLabel)
	_ = unstructured.SetNestedField(out.Object, track, "spec", "template", "metadata", "labels", TrackLabel)
	return out
}

func withReplicas(manifest *unstructured.Unstructured, replicas int64) *unstructured.Unstructured {
	out := manifest.DeepCopy()
	_ = unstructured.SetNestedField(out.Object, replicas, "spec", "replicas")
	return out
}

func declaredReplicas(manifest *unstructured.Unstructured) int64 {
	replicas, found, err := unstructured.NestedInt64(manifest.Object, "spec", "replicas")
	if err != nil || !found || replicas < 1 {
		return 1
	}
	return replicas
}

// imageVersion extracts the tag of the first container image, the version
// recorded in rollback points.
func imageVersion(resource *unstructured.Unstructured) string {
	containers, found, err := unstructured.NestedSlice(resource.Object, "spec", "template", "spec", "containers")
	if err != nil || !found || len(containers) == 0 {
		return ""
	}
	container, ok := containers[0].(map[string]interface{})
	if !ok {
		return ""
	}
	image, _ := container["image"].(string)
	idx := strings.LastIndex(image, ":")
	if idx < 0 || idx == len(image)-1 {
		return ""
	}
	return image[idx+1:]
}

// canaryReplicas sizes a canary set for a traffic percentage, never below
// one replica.
func canaryReplicas(total int64, percent int) int64 {
	replicas := total * int64(percent) / 100
	if replicas < 1 {
		return 1
	}
	return replicas
}
