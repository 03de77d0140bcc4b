package strategy

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/plantmetric/rollout/pkg/deployment"
)

// rolling applies the manifest with a RollingUpdate policy and waits for
// the rollout to converge.
func (e *Executor) rolling(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, manifest *unstructured.Unstructured, rec Recorder) error {
	desired := withUpdateStrategy(manifest, "RollingUpdate")

	err := e.step(ctx, string(cfg.Strategy), rec, "apply-manifest", func(ctx context.Context) error {
		_, err := e.cluster.Deploy(ctx, desired, region.Namespace)
		return err
	})
	if err != nil {
		return err
	}

	return e.step(ctx, string(cfg.Strategy), rec, "wait-rollout", func(ctx context.Context) error {
		return e.cluster.WaitForRollout(ctx, desired.GetName(), region.Namespace, e.cfg.RolloutTimeout)
	})
}

// recreate tears down old pods before new ones start. Config validation
// rejects this strategy for production environments.
func (e *Executor) recreate(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, manifest *unstructured.Unstructured, rec Recorder) error {
	desired := withUpdateStrategy(manifest, "Recreate")

	err := e.step(ctx, string(cfg.Strategy), rec, "apply-manifest", func(ctx context.Context) error {
		_, err := e.cluster.Deploy(ctx, desired, region.Namespace)
		return err
	})
	if err != nil {
		return err
	}

	return e.step(ctx, string(cfg.Strategy), rec, "wait-rollout", func(ctx context.Context) error {
		return e.cluster.WaitForRollout(ctx, desired.GetName(), region.Namespace, e.cfg.RolloutTimeout)
	})
}
