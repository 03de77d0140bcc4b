package strategy

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/plantmetric/rollout/pkg/deployment"
)

// blueGreen stands up a parallel green resource set, validates it, switches
// the live service selector over in one move, monitors for a stabilization
// window, and only then tears the blue set down.
func (e *Executor) blueGreen(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, manifest *unstructured.Unstructured, rec Recorder) error {
	strategyName := string(cfg.Strategy)
	blueName := manifest.GetName()
	green := withTrack(manifest, "green", VariantGreen)

	err := e.step(ctx, strategyName, rec, "deploy-green", func(ctx context.Context) error {
		_, err := e.cluster.Deploy(ctx, green, region.Namespace)
		return err
	})
	if err != nil {
		return err
	}

	err = e.step(ctx, strategyName, rec, "wait-green", func(ctx context.Context) error {
		return e.cluster.WaitForRollout(ctx, green.GetName(), region.Namespace, e.cfg.RolloutTimeout)
	})
	if err != nil {
		return err
	}

	err = e.step(ctx, strategyName, rec, "smoke-test-green", func(ctx context.Context) error {
		return e.tester.Smoke(ctx, cfg.Service, region.Namespace, VariantGreen)
	})
	if err != nil {
		return err
	}

	err = e.step(ctx, strategyName, rec, "switch-traffic", func(ctx context.Context) error {
		return e.cluster.SwitchServiceSelector(ctx, cfg.Service, region.Namespace, TrackLabel, VariantGreen)
	})
	if err != nil {
		return err
	}

	err = e.step(ctx, strategyName, rec, "monitor", func(ctx context.Context) error {
		return e.monitor(ctx, green.GetName(), region.Namespace, e.cfg.StabilizationWindow)
	})
	if err != nil {
		return err
	}

	return e.step(ctx, strategyName, rec, "teardown-blue", func(ctx context.Context) error {
		return e.cluster.DeleteDeployment(ctx, blueName, region.Namespace)
	})
}
