package strategy

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
)

// canary deploys a small parallel set, then ramps traffic up through the
// configured percentage steps, comparing live metrics against a baseline
// captured from the stable set. Any breached threshold aborts or pauses the
// ramp depending on its configured action.
func (e *Executor) canary(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, manifest *unstructured.Unstructured, rec Recorder) error {
	strategyName := string(cfg.Strategy)
	spec := cfg.Canary
	total := declaredReplicas(manifest)

	canary := withTrack(manifest, "canary", VariantCanary)
	canary = withReplicas(canary, canaryReplicas(total, spec.Steps[0]))

	logger := e.logger.WithFields(log.Fields{
		"service": cfg.Service,
		"region":  region.Name,
	})

	err := e.step(ctx, strategyName, rec, "deploy-canary", func(ctx context.Context) error {
		if _, err := e.cluster.Deploy(ctx, canary, region.Namespace); err != nil {
			return err
		}
		return e.cluster.WaitForRollout(ctx, canary.GetName(), region.Namespace, e.cfg.RolloutTimeout)
	})
	if err != nil {
		return err
	}

	var baseline deployment.Metrics
	err = e.step(ctx, strategyName, rec, "capture-baseline", func(ctx context.Context) error {
		var err error
		baseline, err = e.metrics.Sample(ctx, cfg.Service, region.Namespace, VariantStable)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "capture baseline metrics")
		}
		rec.SetMetrics(baseline)
		return nil
	})
	if err != nil {
		return err
	}

	for _, percent := range spec.Steps {
		name := fmt.Sprintf("canary-%d%%", percent)
		err = e.step(ctx, strategyName, rec, name, func(ctx context.Context) error {
			return e.rampStep(ctx, cfg, region, canary.GetName(), total, percent, baseline)
		})
		if err != nil {
			if err == ErrCanaryPaused {
				logger.Warnf("Canary ramp paused at %d%%; awaiting operator decision", percent)
			}
			return err
		}
	}

	err = e.step(ctx, strategyName, rec, "integration-test", func(ctx context.Context) error {
		return e.tester.Integration(ctx, cfg.Service, region.Namespace)
	})
	if err != nil {
		return err
	}

	err = e.step(ctx, strategyName, rec, "promote-canary", func(ctx context.Context) error {
		if _, err := e.cluster.Deploy(ctx, manifest, region.Namespace); err != nil {
			return err
		}
		return e.cluster.WaitForRollout(ctx, manifest.GetName(), region.Namespace, e.cfg.RolloutTimeout)
	})
	if err != nil {
		return err
	}

	return e.step(ctx, strategyName, rec, "teardown-canary", func(ctx context.Context) error {
		return e.cluster.DeleteDeployment(ctx, canary.GetName(), region.Namespace)
	})
}

// rampStep moves the canary set to a traffic percentage, holds for the
// configured duration, then evaluates canary metrics against the baseline.
func (e *Executor) rampStep(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, canaryName string, total int64, percent int, baseline deployment.Metrics) error {
	replicas := canaryReplicas(total, percent)
	if err := e.cluster.ScaleDeployment(ctx, canaryName, region.Namespace, int32(replicas)); err != nil {
		return err
	}
	if err := e.cluster.WaitForRollout(ctx, canaryName, region.Namespace, e.cfg.RolloutTimeout); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return faults.Wrap(faults.KindTransient, ctx.Err(), "canary hold aborted")
	case <-time.After(cfg.Canary.StepDuration):
	}

	sample, err := e.metrics.Sample(ctx, cfg.Service, region.Namespace, VariantCanary)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "collect canary metrics")
	}
	delta := sample.DeltaFrom(baseline)

	return evaluateThresholds(cfg.Canary, delta, percent)
}

func evaluateThresholds(spec *deployment.CanarySpec, delta deployment.Delta, percent int) error {
	type check struct {
		name      string
		threshold *deployment.Threshold
		value     float64
	}

	checks := []check{
		{"error rate", spec.ErrorRate, delta.ErrorRate},
		{"latency", spec.Latency, delta.Latency},
		// A throughput threshold guards against drops, so the sign flips.
		{"throughput", spec.Throughput, -delta.Throughput},
	}

	for _, c := range checks {
		// The threshold itself is out of bounds: a delta exactly at Max
		// breaches.
		if c.threshold == nil || c.value < c.threshold.Max {
			continue
		}
		if c.threshold.Action == deployment.ActionPause {
			log.Warnf("Canary %s delta %.2f breached threshold %.2f at %d%%; pausing ramp", c.name, c.value, c.threshold.Max, percent)
			return ErrCanaryPaused
		}
		return faults.New(faults.KindHealthCheck, "canary %s delta %.2f breached threshold %.2f at %d%% traffic", c.name, c.value, c.threshold.Max, percent)
	}
	return nil
}
