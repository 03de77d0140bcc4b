package coordinator

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/statestore"
	"github.com/plantmetric/rollout/pkg/strategy"
)

// runSequential deploys regions one at a time in dependency order. With the
// all-or-nothing policy the first failure aborts the remainder; otherwise a
// failed region is recorded and the rest proceed.
func (c *Coordinator) runSequential(ctx context.Context, att *attempt) error {
	var firstErr error

	for _, region := range topoSort(att.cfg.Regions) {
		if firstErr != nil && att.cfg.Rollback.AllOrNothing {
			att.mu.Lock()
			c.markRegionLocked(att, region.Name, deployment.RegionFailed, false)
			att.global.Regions[region.Name].RecordError(faults.New(faults.KindTransient, "aborted: earlier region failed"))
			att.mu.Unlock()
			c.persist(att)
			continue
		}

		err := c.deployRegion(ctx, att, region)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err == strategy.ErrCanaryPaused {
			return err
		}
	}

	return firstErr
}

// runParallel deploys independent regions concurrently, level by level.
// Regions within one level share no dependencies; a level does not start
// until the previous level has fully settled.
func (c *Coordinator) runParallel(ctx context.Context, att *attempt) error {
	var firstErr error

	for _, level := range dependencyLevels(att.cfg.Regions) {
		if firstErr != nil && att.cfg.Rollback.AllOrNothing {
			att.mu.Lock()
			for _, region := range level {
				c.markRegionLocked(att, region.Name, deployment.RegionFailed, false)
				att.global.Regions[region.Name].RecordError(faults.New(faults.KindTransient, "aborted: earlier region failed"))
			}
			att.mu.Unlock()
			c.persist(att)
			continue
		}

		var group errgroup.Group
		errs := make([]error, len(level))

		for i, region := range level {
			group.Go(func() error {
				errs[i] = c.deployRegion(ctx, att, region)
				// Errors are collected, not returned; a sibling failure must
				// not cancel the rest of the level, while caller cancellation
				// still reaches every region.
				return nil
			})
		}
		_ = group.Wait()

		for _, err := range errs {
			if err == strategy.ErrCanaryPaused {
				return err
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// runLeaderFollower deploys the highest-priority region first, holds it
// through a stabilization window, and only then releases the followers. A
// leader failure aborts the whole deployment before any follower is touched.
func (c *Coordinator) runLeaderFollower(ctx context.Context, att *attempt) error {
	ordered := byPriority(att.cfg.Regions)
	leader := ordered[0]
	followers := ordered[1:]

	logger := c.logger.WithFields(log.Fields{
		"delivery_id": att.state.ID,
		"leader":      leader.Name,
	})

	err := c.deployRegion(ctx, att, leader)
	if err != nil {
		logger.Errorf("Leader region failed, aborting followers: %s", err)
		att.mu.Lock()
		for _, region := range followers {
			c.markRegionLocked(att, region.Name, deployment.RegionFailed, false)
			att.global.Regions[region.Name].RecordError(faults.New(faults.KindTransient, "aborted: leader region '%s' failed", leader.Name))
		}
		att.mu.Unlock()
		c.persist(att)
		return err
	}

	logger.Infof("Leader region healthy; holding %s before releasing followers", c.cfg.LeaderStabilization)
	select {
	case <-ctx.Done():
		return faults.Wrap(faults.KindTransient, ctx.Err(), "leader stabilization aborted")
	case <-time.After(c.cfg.LeaderStabilization):
	}

	var firstErr error
	for _, region := range followers {
		err := c.deployRegion(ctx, att, region)
		if err == strategy.ErrCanaryPaused {
			return err
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deployRegion runs one region's strategy to completion, gating on its
// declared dependencies first. The global ledger transitions are persisted
// around every status change.
func (c *Coordinator) deployRegion(ctx context.Context, att *attempt, region deployment.RegionConfig) error {
	logger := c.logger.WithFields(log.Fields{
		"delivery_id": att.state.ID,
		"region":      region.Name,
	})

	if err := c.waitForDependencies(ctx, att, region); err != nil {
		logger.Errorf("Dependency wait failed: %s", err)
		att.mu.Lock()
		c.markRegionLocked(att, region.Name, deployment.RegionFailed, false)
		att.global.Regions[region.Name].RecordError(err)
		att.mu.Unlock()
		c.persist(att)
		return err
	}

	att.mu.Lock()
	c.markRegionLocked(att, region.Name, deployment.RegionDeploying, false)
	att.mu.Unlock()
	c.persist(att)

	rec := c.recorder(att, region.Name)
	err := c.executors[region.Name].Execute(ctx, att.cfg, region, rec)

	att.mu.Lock()
	switch {
	case err == nil:
		c.markRegionLocked(att, region.Name, deployment.RegionDeployed, true)
	case err == strategy.ErrCanaryPaused:
		// The region stays in deploying until the operator decides.
	default:
		c.markRegionLocked(att, region.Name, deployment.RegionFailed, false)
		att.global.Regions[region.Name].RecordError(err)
	}
	att.mu.Unlock()
	c.persist(att)

	if err != nil && err != strategy.ErrCanaryPaused {
		logger.Errorf("Region deployment failed: %s", err)
	}
	return err
}

// waitForDependencies blocks until every region this one depends on is
// deployed and healthy according to the persisted global ledger. The ledger
// is re-read from the state store on every poll so that observations survive
// coordinator restarts. A failed dependency or an exhausted window yields a
// dependency timeout fault.
func (c *Coordinator) waitForDependencies(ctx context.Context, att *attempt, region deployment.RegionConfig) error {
	if len(region.DependsOn) == 0 {
		return nil
	}

	deadline := time.Now().Add(c.cfg.DependencyTimeout)

	for {
		global, err := c.readGlobal(ctx, att)
		if err != nil {
			return err
		}

		ready := true
		for _, dep := range region.DependsOn {
			state, ok := global.Regions[dep]
			if ok && state.Status == deployment.RegionFailed {
				return faults.New(faults.KindDependencyTimeout, "region '%s' depends on failed region '%s'", region.Name, dep)
			}
			if !global.RegionReady(dep) {
				ready = false
			}
		}
		if ready {
			return nil
		}

		if time.Now().After(deadline) {
			return faults.New(faults.KindDependencyTimeout, "region '%s' timed out waiting for dependencies %v", region.Name, region.DependsOn)
		}

		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindDependencyTimeout, ctx.Err(), "dependency wait for region '%s' aborted", region.Name)
		case <-time.After(c.cfg.DependencyPollInterval):
		}
	}
}

// readGlobal fetches the persisted global ledger, falling back to the
// in-memory copy when the store read fails transiently.
func (c *Coordinator) readGlobal(ctx context.Context, att *attempt) (*deployment.GlobalState, error) {
	value, err := c.store.Get(ctx, globalKeyPrefix+att.state.ID)
	if err != nil {
		if statestore.IsErrNotFound(err) {
			return nil, faults.New(faults.KindTransient, "global state for deployment %s is missing", att.state.ID)
		}
		c.logger.Warnf("Reading global state from store: %s; using in-memory copy", err)
		att.mu.Lock()
		defer att.mu.Unlock()
		return snapshotGlobal(att.global), nil
	}

	global := &deployment.GlobalState{}
	if err := json.Unmarshal(value, global); err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "decode global state for deployment %s", att.state.ID)
	}
	return global, nil
}
