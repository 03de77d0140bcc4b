// Package strategy implements the per-cluster rollout algorithms: rolling,
// recreate, blue-green and canary. The executor runs a strategy as an
// ordered series of named steps; no step starts before its predecessor has
// completed, and every step outcome is recorded through the Recorder.
package strategy

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/plantmetric/rollout/pkg/cluster"
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/k8sutils"
	"github.com/plantmetric/rollout/pkg/metrics"
	"github.com/plantmetric/rollout/pkg/resilience"
)

// ErrCanaryPaused is returned when a canary threshold with a pause action
// was breached: the ramp halts without failing the deployment, and the
// caller decides whether to resume or abort.
var ErrCanaryPaused = errors.New("canary ramp paused on metric threshold")

const (
	VariantStable = "stable"
	VariantCanary = "canary"
	VariantGreen  = "green"

	// TrackLabel distinguishes parallel resource sets of one service.
	TrackLabel = "rollout.plantmetric.io/track"
)

// MetricsProvider samples live service metrics for one variant of a service.
type MetricsProvider interface {
	Sample(ctx context.Context, service, namespace, variant string) (deployment.Metrics, error)
}

// Tester runs smoke and integration tests against a deployed variant.
type Tester interface {
	Smoke(ctx context.Context, service, namespace, variant string) error
	Integration(ctx context.Context, service, namespace string) error
}

// Recorder receives step transitions and captured artifacts. The region
// coordinator implements it on top of the deployment state record.
type Recorder interface {
	StartStep(name string) int
	CompleteStep(idx int)
	FailStep(idx int, err error)
	RecordStepRetry(idx int)
	SetRollbackPoint(point *deployment.RollbackPoint)
	SetMetrics(m deployment.Metrics)
}

type Config struct {
	RolloutTimeout      time.Duration
	StabilizationWindow time.Duration
	MonitorInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RolloutTimeout:      10 * time.Minute,
		StabilizationWindow: 5 * time.Minute,
		MonitorInterval:     15 * time.Second,
	}
}

type Executor struct {
	cluster cluster.Interface
	metrics MetricsProvider
	tester  Tester
	cfg     Config
	logger  *log.Entry
}

func NewExecutor(c cluster.Interface, provider MetricsProvider, tester Tester, cfg Config) *Executor {
	if cfg.RolloutTimeout <= 0 {
		cfg.RolloutTimeout = DefaultConfig().RolloutTimeout
	}
	if cfg.StabilizationWindow <= 0 {
		cfg.StabilizationWindow = DefaultConfig().StabilizationWindow
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultConfig().MonitorInterval
	}
	return &Executor{
		cluster: c,
		metrics: provider,
		tester:  tester,
		cfg:     cfg,
		logger:  log.WithField("component", "strategy"),
	}
}

// Execute runs the configured strategy against one region. The returned
// error, if any, has already been recorded on the failing step.
func (e *Executor) Execute(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, rec Recorder) error {
	manifest, err := k8sutils.ResourceFromManifest(region.Manifest)
	if err != nil {
		return faults.Wrap(faults.KindValidation, err, "manifest for region '%s'", region.Name)
	}

	logger := e.logger.WithFields(log.Fields{
		"service":   cfg.Service,
		"region":    region.Name,
		"namespace": region.Namespace,
		"strategy":  string(cfg.Strategy),
	})
	logger.Infof("Starting %s rollout of %s", cfg.Strategy, cfg.Version)

	e.captureRollbackPoint(ctx, cfg, region, manifest, rec)

	switch cfg.Strategy {
	case deployment.StrategyRolling:
		return e.rolling(ctx, cfg, region, manifest, rec)
	case deployment.StrategyRecreate:
		return e.recreate(ctx, cfg, region, manifest, rec)
	case deployment.StrategyBlueGreen:
		return e.blueGreen(ctx, cfg, region, manifest, rec)
	case deployment.StrategyCanary:
		return e.canary(ctx, cfg, region, manifest, rec)
	}
	return faults.New(faults.KindValidation, "unknown deployment strategy '%s'", cfg.Strategy)
}

// Validate runs the final post-deploy health checks for one region, the
// last gate before an attempt is declared complete.
func (e *Executor) Validate(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, rec Recorder) error {
	manifest, err := k8sutils.ResourceFromManifest(region.Manifest)
	if err != nil {
		return faults.Wrap(faults.KindValidation, err, "manifest for region '%s'", region.Name)
	}

	return e.step(ctx, string(cfg.Strategy), rec, "final-validation", func(ctx context.Context) error {
		return e.finalValidation(ctx, manifest.GetName(), region.Namespace)
	})
}

// step runs one named unit of work with strict predecessor ordering.
func (e *Executor) step(ctx context.Context, strategyName string, rec Recorder, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return faults.Wrap(faults.KindTransient, err, "step '%s' not started", name)
	}

	idx := rec.StartStep(name)
	started := time.Now()

	// Retries performed by the resilience layer inside fn are attributed to
	// this step.
	ctx = resilience.WithRetryNotifier(ctx, func() {
		rec.RecordStepRetry(idx)
	})

	err := fn(ctx)
	metrics.ObserveStep(strategyName, name, started, err)

	if err != nil && !errors.Is(err, ErrCanaryPaused) {
		rec.FailStep(idx, err)
		return err
	}
	rec.CompleteStep(idx)
	return err
}

// captureRollbackPoint snapshots the currently running configuration before
// any mutation. A missing current deployment simply leaves no rollback point.
func (e *Executor) captureRollbackPoint(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, manifest *unstructured.Unstructured, rec Recorder) {
	current, err := e.cluster.GetDeployment(ctx, manifest.GetName(), region.Namespace)
	if err != nil || current == nil {
		return
	}

	priorManifest, err := current.MarshalJSON()
	if err != nil {
		return
	}

	rec.SetRollbackPoint(&deployment.RollbackPoint{
		Version:    imageVersion(current),
		Manifest:   priorManifest,
		CapturedAt: time.Now(),
	})
}

// monitor polls aggregate health for the stabilization window, failing on
// the first hard health failure.
func (e *Executor) monitor(ctx context.Context, name, namespace string, window time.Duration) error {
	deadline := time.Now().Add(window)

	for time.Now().Before(deadline) {
		results, err := e.cluster.PerformHealthChecks(ctx, name, namespace)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "health probe of '%s'", name)
		}
		if !deployment.Healthy(results) {
			return faults.New(faults.KindHealthCheck, "'%s' became unhealthy during stabilization", name)
		}

		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindTransient, ctx.Err(), "stabilization monitor aborted")
		case <-time.After(e.cfg.MonitorInterval):
		}
	}
	return nil
}

func (e *Executor) finalValidation(ctx context.Context, name, namespace string) error {
	results, err := e.cluster.PerformHealthChecks(ctx, name, namespace)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "final health checks for '%s'", name)
	}
	if !deployment.Healthy(results) {
		return faults.New(faults.KindHealthCheck, "final validation of '%s' failed", name)
	}
	return nil
}
