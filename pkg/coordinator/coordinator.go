// Package coordinator orders and parallelizes per-region deployments. It
// owns the global cross-region ledger, holds the per-service deployment
// lock, and decides — per the configured policy — whether a failed region
// aborts the deployment or only taints it.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plantmetric/rollout/pkg/cluster"
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/events"
	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/metrics"
	"github.com/plantmetric/rollout/pkg/statestore"
	"github.com/plantmetric/rollout/pkg/strategy"
)

const (
	stateKeyPrefix  = "deployment:"
	globalKeyPrefix = "global:"
	configKeyPrefix = "config:"
)

// Executor is the per-region strategy surface the coordinator drives.
type Executor interface {
	Execute(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, rec strategy.Recorder) error
	Validate(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, rec strategy.Recorder) error
}

// Rollbacker reverts all regions after a failed deployment.
type Rollbacker interface {
	RollbackAll(ctx context.Context, cfg *deployment.Config, deploymentID string, point *deployment.RollbackPoint, rollbackVersion string, mark func(region string)) map[string]error
}

type Config struct {
	LockTTL                time.Duration
	DependencyTimeout      time.Duration
	DependencyPollInterval time.Duration
	LeaderStabilization    time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTTL:                30 * time.Minute,
		DependencyTimeout:      15 * time.Minute,
		DependencyPollInterval: 5 * time.Second,
		LeaderStabilization:    2 * time.Minute,
	}
}

// attempt bundles everything one in-flight deployment owns. All state
// mutations go through its mutex; region workers otherwise share nothing.
type attempt struct {
	mu     sync.Mutex
	cfg    *deployment.Config
	state  *deployment.State
	global *deployment.GlobalState
}

type Coordinator struct {
	executors  map[string]Executor
	store      statestore.Store
	locker     *statestore.Locker
	rollbacker Rollbacker
	broker     *events.Broker
	cfg        Config
	tracer     trace.Tracer
	logger     *log.Entry

	mu     sync.Mutex
	active map[string]*attempt
}

func New(executors map[string]Executor, store statestore.Store, rollbacker Rollbacker, broker *events.Broker, cfg Config) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = DefaultConfig().DependencyTimeout
	}
	if cfg.DependencyPollInterval <= 0 {
		cfg.DependencyPollInterval = DefaultConfig().DependencyPollInterval
	}
	if cfg.LeaderStabilization <= 0 {
		cfg.LeaderStabilization = DefaultConfig().LeaderStabilization
	}
	if broker == nil {
		broker = events.NewBroker()
	}

	return &Coordinator{
		executors:  executors,
		store:      store,
		locker:     statestore.NewLocker(store, cfg.LockTTL),
		rollbacker: rollbacker,
		broker:     broker,
		cfg:        cfg,
		tracer:     otel.Tracer("rollout/coordinator"),
		logger:     log.WithField("component", "coordinator"),
		active:     make(map[string]*attempt),
	}
}

// Deploy validates the config, takes the service deployment lock, and runs
// the multi-region deployment to a terminal state. Only pre-flight
// validation and lock conflicts are returned as errors; operational
// failures are reflected in the returned state.
func (c *Coordinator) Deploy(ctx context.Context, cfg *deployment.Config) (*deployment.State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, region := range cfg.Regions {
		if _, ok := c.executors[region.Name]; !ok {
			return nil, faults.New(faults.KindValidation, "no cluster configured for region '%s'", region.Name)
		}
	}

	id := uuid.NewString()

	token, err := c.locker.Acquire(ctx, cfg.Service, id)
	if err != nil {
		if faults.Is(err, faults.KindConflict) {
			metrics.LockConflicts.Inc()
		}
		return nil, err
	}

	ctx = cluster.WithCorrelationID(ctx, id)
	ctx, span := c.tracer.Start(ctx, "deploy", trace.WithAttributes(
		attribute.String("service", cfg.Service),
		attribute.String("version", cfg.Version),
		attribute.String("strategy", string(cfg.Strategy)),
	))
	defer span.End()

	att := &attempt{
		cfg:    cfg,
		state:  deployment.NewState(id, cfg),
		global: deployment.NewGlobalState(id, cfg, ""),
	}
	att.state.LockToken = token

	c.mu.Lock()
	c.active[id] = att
	metrics.SetActiveDeployments(len(c.active))
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.active, id)
		metrics.SetActiveDeployments(len(c.active))
		c.mu.Unlock()

		if releaseErr := c.locker.Release(context.WithoutCancel(ctx), cfg.Service, token); releaseErr != nil {
			c.logger.Warnf("Deployment lock for '%s' was not released: %s", cfg.Service, releaseErr)
		}
		att.mu.Lock()
		att.state.LockToken = ""
		att.mu.Unlock()
		c.persist(att)
	}()

	c.persist(att)
	c.persistConfig(id, cfg)
	c.broker.Publish(events.Event{
		Type:         events.EventDeploymentStarted,
		DeploymentID: id,
		Service:      cfg.Service,
		Status:       att.global.Status,
	})

	c.run(ctx, att)

	att.mu.Lock()
	final := snapshotState(att.state)
	att.mu.Unlock()
	return final, nil
}

func (c *Coordinator) run(ctx context.Context, att *attempt) {
	c.setGlobalStatus(att, deployment.GlobalInProgress)

	var err error
	switch att.cfg.Mode {
	case deployment.ModeParallel:
		err = c.runParallel(ctx, att)
	case deployment.ModeLeaderFollower:
		err = c.runLeaderFollower(ctx, att)
	default:
		err = c.runSequential(ctx, att)
	}

	if err == strategy.ErrCanaryPaused {
		// The ramp is held, not failed; the deployment stays active until
		// the operator resumes or aborts it.
		att.mu.Lock()
		att.state.Message = "canary ramp paused on metric threshold; resume or abort"
		att.mu.Unlock()
		c.persist(att)
		return
	}

	failed := err != nil
	if !failed {
		failed = c.validate(ctx, att)
	}

	if failed {
		c.fail(ctx, att, err)
		return
	}

	c.complete(att)
}

// validate is the final gate: every region gets its closing health checks
// while the attempt sits in the validating status. Returns true on failure.
func (c *Coordinator) validate(ctx context.Context, att *attempt) bool {
	att.mu.Lock()
	transitionErr := att.state.Transition(deployment.StatusValidating)
	att.mu.Unlock()
	if transitionErr != nil {
		return true
	}
	c.persist(att)

	for _, region := range att.cfg.Regions {
		rec := c.recorder(att, region.Name)
		if err := c.executors[region.Name].Validate(ctx, att.cfg, region, rec); err != nil {
			c.logger.Errorf("Final validation failed in region '%s': %s", region.Name, err)
			att.mu.Lock()
			c.markRegionLocked(att, region.Name, deployment.RegionFailed, false)
			att.global.Regions[region.Name].RecordError(err)
			att.mu.Unlock()
			c.persist(att)
			return true
		}
	}
	return false
}

func (c *Coordinator) complete(att *attempt) {
	att.mu.Lock()
	_ = att.state.Transition(deployment.StatusCompleted)
	att.global.SetStatus(deployment.GlobalCompleted)
	att.mu.Unlock()
	c.persist(att)

	metrics.DeploySuccessful.Inc()
	c.publishFinished(att)
	c.logger.WithField("delivery_id", att.state.ID).Infof("Deployment of %s completed", att.cfg)
}

func (c *Coordinator) fail(ctx context.Context, att *attempt, cause error) {
	att.mu.Lock()
	if !att.state.Status.Terminal() {
		_ = att.state.Transition(deployment.StatusFailed)
	}
	if cause != nil && len(att.state.Message) == 0 {
		att.state.Message = cause.Error()
	}
	automatic := att.cfg.Rollback.Automatic
	att.mu.Unlock()
	c.persist(att)
	metrics.DeployFailed.Inc()

	if automatic && c.rollbacker != nil {
		c.rollbackAll(ctx, att)
	} else {
		att.mu.Lock()
		att.global.SetStatus(deployment.GlobalFailed)
		att.mu.Unlock()
		c.persist(att)
	}

	c.publishFinished(att)
	c.logger.WithField("delivery_id", att.state.ID).Errorf("Deployment of %s failed: %v", att.cfg, cause)
}

// rollbackAll drives the rollback controller and records the outcome.
// Whatever happens, the global ledger ends in failed; a successful rollback
// only changes the attempt status to rolled_back.
func (c *Coordinator) rollbackAll(ctx context.Context, att *attempt) {
	ctx, span := c.tracer.Start(ctx, "rollback")
	defer span.End()

	c.setGlobalStatus(att, deployment.GlobalRollingBack)

	att.mu.Lock()
	point := att.state.RollbackPoint
	rollbackVersion := att.global.RollbackVersion
	att.mu.Unlock()

	failures := c.rollbacker.RollbackAll(ctx, att.cfg, att.state.ID, point, rollbackVersion, func(region string) {
		att.mu.Lock()
		c.markRegionLocked(att, region, deployment.RegionRollback, false)
		att.mu.Unlock()
		c.persist(att)
	})

	att.mu.Lock()
	att.global.SetStatus(deployment.GlobalFailed)
	if len(failures) == 0 {
		_ = att.state.Transition(deployment.StatusRolledBack)
		metrics.DeployRolledBack.Inc()
	} else {
		for region, err := range failures {
			if rs, ok := att.global.Regions[region]; ok {
				rs.RecordError(err)
			}
		}
	}
	att.mu.Unlock()
	c.persist(att)
}

// Rollback triggers an emergency rollback of a deployment by id. Failed
// deployments are eligible, as are paused canaries; rolling back a paused
// canary is the operator's abort.
func (c *Coordinator) Rollback(ctx context.Context, id string) error {
	att, err := c.lookup(ctx, id)
	if err != nil {
		return err
	}

	att.mu.Lock()
	status := att.state.Status
	switch {
	case status == deployment.StatusInProgress && !c.isActive(id):
		// A paused canary parks in in_progress after the deploy call has
		// returned. Aborting it fails the attempt first, then reverts.
		_ = att.state.Transition(deployment.StatusFailed)
		att.state.Message = "canary ramp aborted by operator"
	case !status.Terminal():
		att.mu.Unlock()
		return faults.New(faults.KindValidation, "deployment %s is still in progress", id)
	case status != deployment.StatusFailed:
		att.mu.Unlock()
		return faults.New(faults.KindValidation, "deployment %s is %s, only failed deployments can be rolled back", id, status)
	}
	att.mu.Unlock()
	c.persist(att)

	if c.rollbacker == nil {
		return faults.New(faults.KindRollback, "no rollback controller configured")
	}
	if att.cfg == nil {
		return faults.New(faults.KindRollback, "deployment %s was archived; its configuration is no longer available for rollback", id)
	}
	c.rollbackAll(cluster.WithCorrelationID(ctx, id), att)

	att.mu.Lock()
	defer att.mu.Unlock()
	if att.state.Status != deployment.StatusRolledBack {
		return faults.New(faults.KindRollback, "rollback of deployment %s did not fully succeed", id)
	}
	return nil
}

// GetStatus returns the state of an active or archived deployment.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (*deployment.State, error) {
	att, err := c.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	att.mu.Lock()
	defer att.mu.Unlock()
	return snapshotState(att.state), nil
}

// ListActive returns every deployment currently in flight.
func (c *Coordinator) ListActive() []*deployment.State {
	c.mu.Lock()
	attempts := make([]*attempt, 0, len(c.active))
	for _, att := range c.active {
		attempts = append(attempts, att)
	}
	c.mu.Unlock()

	states := make([]*deployment.State, 0, len(attempts))
	for _, att := range attempts {
		att.mu.Lock()
		states = append(states, snapshotState(att.state))
		att.mu.Unlock()
	}
	return states
}

func (c *Coordinator) isActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

func (c *Coordinator) lookup(ctx context.Context, id string) (*attempt, error) {
	c.mu.Lock()
	att, ok := c.active[id]
	c.mu.Unlock()
	if ok {
		return att, nil
	}

	value, err := c.store.Get(ctx, stateKeyPrefix+id)
	if statestore.IsErrNotFound(err) {
		return nil, faults.New(faults.KindValidation, "unknown deployment id %s", id)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "read deployment %s", id)
	}

	state := &deployment.State{}
	if err := json.Unmarshal(value, state); err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "decode deployment %s", id)
	}

	att = &attempt{state: state}
	if value, err = c.store.Get(ctx, globalKeyPrefix+id); err == nil {
		global := &deployment.GlobalState{}
		if json.Unmarshal(value, global) == nil {
			att.global = global
		}
	}

	// The config is persisted at deploy time so that archived attempts can
	// still be rolled back after the in-memory attempt is gone.
	if value, err = c.store.Get(ctx, configKeyPrefix+id); err == nil {
		cfg := &deployment.Config{}
		if json.Unmarshal(value, cfg) == nil {
			att.cfg = cfg
		}
	}
	return att, nil
}

func snapshotGlobal(global *deployment.GlobalState) *deployment.GlobalState {
	out := *global
	out.Regions = make(map[string]*deployment.RegionState, len(global.Regions))
	for name, rs := range global.Regions {
		state := *rs
		out.Regions[name] = &state
	}
	return &out
}

func snapshotState(state *deployment.State) *deployment.State {
	out := *state
	out.Steps = append([]deployment.Step(nil), state.Steps...)
	if state.RollbackPoint != nil {
		point := *state.RollbackPoint
		out.RollbackPoint = &point
	}
	return &out
}

// persist writes both ledgers to the state store. Every externally visible
// transition goes through here before control returns to the caller.
func (c *Coordinator) persist(att *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	att.mu.Lock()
	stateJSON, stateErr := json.Marshal(att.state)
	var globalJSON []byte
	globalErr := stateErr
	if att.global != nil {
		globalJSON, globalErr = json.Marshal(att.global)
	}
	id := att.state.ID
	att.mu.Unlock()

	if stateErr == nil {
		if err := c.store.Set(ctx, stateKeyPrefix+id, stateJSON, 0); err != nil {
			c.logger.Errorf("Persisting deployment state %s: %s", id, err)
		}
	}
	if att.global != nil && globalErr == nil {
		if err := c.store.Set(ctx, globalKeyPrefix+id, globalJSON, 0); err != nil {
			c.logger.Errorf("Persisting global state %s: %s", id, err)
		}
	}
}

// persistConfig archives the immutable deployment config once, at deploy
// time.
func (c *Coordinator) persistConfig(id string, cfg *deployment.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	value, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, configKeyPrefix+id, value, 0); err != nil {
		c.logger.Errorf("Persisting deployment config %s: %s", id, err)
	}
}

func (c *Coordinator) setGlobalStatus(att *attempt, status deployment.GlobalStatus) {
	att.mu.Lock()
	att.global.SetStatus(status)
	att.mu.Unlock()
	c.persist(att)
}

// markRegionLocked updates a region's ledger entry. Callers hold att.mu.
func (c *Coordinator) markRegionLocked(att *attempt, region string, status deployment.RegionStatus, healthy bool) {
	att.global.SetRegionStatus(region, status, healthy)
	metrics.RegionTransition(region, string(status))

	if rs, ok := att.global.Regions[region]; ok {
		state := *rs
		c.broker.Publish(events.Event{
			Type:         events.EventRegionTransition,
			DeploymentID: att.state.ID,
			Service:      att.state.Service,
			Region:       &state,
		})
	}
}

func (c *Coordinator) publishFinished(att *attempt) {
	att.mu.Lock()
	regions := make([]deployment.RegionState, 0, len(att.global.Regions))
	for _, rs := range att.global.Regions {
		regions = append(regions, *rs)
	}
	event := events.Event{
		Type:         events.EventDeploymentFinished,
		DeploymentID: att.state.ID,
		Service:      att.state.Service,
		Status:       att.global.Status,
		Regions:      regions,
	}
	att.mu.Unlock()
	c.broker.Publish(event)
}
