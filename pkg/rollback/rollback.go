// Package rollback reconstructs and re-applies the prior-known-good
// configuration when a deployment fails. Region rollbacks are independent
// and best-effort: one region failing to roll back never blocks the others.
package rollback

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/cluster"
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/k8sutils"
)

// AlertFunc escalates a fatal rollback failure to a human. Rollbacks are
// never retried automatically; retrying an unknown-state rollback risks
// compounding the damage.
type AlertFunc func(deploymentID, region string, err error)

type Controller struct {
	clusters map[string]cluster.Interface
	timeout  time.Duration
	alert    AlertFunc
	logger   *log.Entry
}

func New(clusters map[string]cluster.Interface, timeout time.Duration, alert AlertFunc) *Controller {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if alert == nil {
		alert = func(deploymentID, region string, err error) {
			log.WithFields(log.Fields{
				"delivery_id": deploymentID,
				"region":      region,
			}).Errorf("MANUAL INTERVENTION REQUIRED: rollback failed and will not be retried: %s", err)
		}
	}
	return &Controller{
		clusters: clusters,
		timeout:  timeout,
		alert:    alert,
		logger:   log.WithField("component", "rollback"),
	}
}

// RollbackAll walks every configured region in reverse deployment order and
// rolls each back independently. The mark callback runs before each region
// is touched, so the caller can persist the transition first. The returned
// map holds the rollback error per region, empty on full success.
func (c *Controller) RollbackAll(ctx context.Context, cfg *deployment.Config, deploymentID string, point *deployment.RollbackPoint, rollbackVersion string, mark func(region string)) map[string]error {
	failures := make(map[string]error)
	var mu sync.Mutex
	var wait sync.WaitGroup

	for i := len(cfg.Regions) - 1; i >= 0; i-- {
		region := cfg.Regions[i]
		if mark != nil {
			mark(region.Name)
		}

		wait.Add(1)
		go func(region deployment.RegionConfig) {
			defer wait.Done()
			err := c.RollbackRegion(ctx, region, cfg.Version, rollbackVersion, point)
			if err != nil {
				c.alert(deploymentID, region.Name, err)
				mu.Lock()
				failures[region.Name] = err
				mu.Unlock()
			}
		}(region)
	}

	wait.Wait()
	return failures
}

// RollbackRegion re-applies the rollback point for one region. With a
// rollback point present, the region's manifest is re-applied with the
// target version tag substituted back to the rollback version. Without one,
// the cluster-side revision rollback is attempted instead.
func (c *Controller) RollbackRegion(ctx context.Context, region deployment.RegionConfig, targetVersion, rollbackVersion string, point *deployment.RollbackPoint) error {
	adapter, ok := c.clusters[region.Name]
	if !ok {
		return faults.New(faults.KindRollback, "no cluster configured for region '%s'", region.Name)
	}

	logger := c.logger.WithFields(log.Fields{
		"region":    region.Name,
		"namespace": region.Namespace,
	})

	if point == nil {
		logger.Warnf("No rollback point captured; attempting cluster-side revision rollback")
		manifest, err := k8sutils.ResourceFromManifest(region.Manifest)
		if err != nil {
			return faults.Wrap(faults.KindRollback, err, "decode manifest for region '%s'", region.Name)
		}
		return adapter.AttemptRollback(ctx, manifest.GetName(), region.Namespace, c.timeout)
	}

	version := rollbackVersion
	if len(version) == 0 {
		version = point.Version
	}
	restored := k8sutils.SubstituteImageTag(region.Manifest, targetVersion, version)

	manifest, err := k8sutils.ResourceFromManifest(restored)
	if err != nil {
		return faults.Wrap(faults.KindRollback, err, "decode rollback manifest for region '%s'", region.Name)
	}

	logger.Infof("Re-applying version %s", version)
	if _, err = adapter.Deploy(ctx, manifest, region.Namespace); err != nil {
		return faults.Wrap(faults.KindRollback, err, "re-apply rollback point in region '%s'", region.Name)
	}

	err = adapter.WaitForRollout(ctx, manifest.GetName(), region.Namespace, c.timeout)
	if err != nil {
		return faults.Wrap(faults.KindRollback, err, "rollback rollout in region '%s'", region.Name)
	}

	return nil
}
