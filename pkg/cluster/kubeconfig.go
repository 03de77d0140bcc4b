package cluster

import (
	"fmt"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // Needed for auth side effect
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewFromKubeconfig builds an adapter for one cluster. An empty path falls
// back to in-cluster configuration.
func NewFromKubeconfig(path string, opts ...Option) (*Adapter, error) {
	var config *rest.Config
	var err error

	if len(path) == 0 {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", path)
	}
	if err != nil {
		return nil, fmt.Errorf("build cluster configuration: %w", err)
	}

	structured, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("initialize structured client: %w", err)
	}

	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("initialize dynamic client: %w", err)
	}

	return New(structured, dyn, opts...), nil
}
