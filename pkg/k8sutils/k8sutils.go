package k8sutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ghodss/yaml"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

type Identifier struct {
	schema.GroupVersionKind
	Namespace string
	Name      string
	Region    string
}

func ResourceIdentifier(resource *unstructured.Unstructured) Identifier {
	return Identifier{
		GroupVersionKind: resource.GroupVersionKind(),
		Namespace:        resource.GetNamespace(),
		Name:             resource.GetName(),
	}
}

// ResourceFromManifest decodes a single manifest into an unstructured
// resource. YAML input is converted to JSON first.
func ResourceFromManifest(manifest json.RawMessage) (*unstructured.Unstructured, error) {
	data := []byte(manifest)
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty manifest")
	}

	if trimmed[0] != '{' && trimmed[0] != '[' {
		converted, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("converting manifest from YAML: %s", err)
		}
		data = converted
	}

	resource := &unstructured.Unstructured{}
	err := resource.UnmarshalJSON(data)
	if err != nil {
		return nil, fmt.Errorf("decoding manifest: %s", err)
	}
	return resource, nil
}

func ResourcesFromJSON(payloads []json.RawMessage) ([]unstructured.Unstructured, error) {
	resources := make([]unstructured.Unstructured, len(payloads))
	for i := range resources {
		err := resources[i].UnmarshalJSON(payloads[i])
		if err != nil {
			return nil, fmt.Errorf("resource %d: decoding payload: %s", i+1, err)
		}
	}
	return resources, nil
}

// SubstituteImageTag rewrites every occurrence of the old image tag in a
// manifest with the new one. Used when re-applying a rollback point.
func SubstituteImageTag(manifest json.RawMessage, oldVersion, newVersion string) json.RawMessage {
	if len(oldVersion) == 0 || len(newVersion) == 0 || oldVersion == newVersion {
		return manifest
	}
	replaced := strings.ReplaceAll(string(manifest), ":"+oldVersion, ":"+newVersion)
	return json.RawMessage(replaced)
}
