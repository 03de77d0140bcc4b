package coordinator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/plantmetric/rollout/pkg/coordinator"
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/statestore"
	"github.com/plantmetric/rollout/pkg/strategy"
)

// fakeExecutor records the order in which regions finish and can be
// scripted to fail, pause, or block per region.
type fakeExecutor struct {
	mu       sync.Mutex
	finished []string
	fail     map[string]error
	pause    map[string]bool
	block    map[string]chan struct{}
	delay    map[string]time.Duration
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		fail:  make(map[string]error),
		pause: make(map[string]bool),
		block: make(map[string]chan struct{}),
		delay: make(map[string]time.Duration),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, rec strategy.Recorder) error {
	if gate, ok := f.block[region.Name]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return faults.Wrap(faults.KindTransient, ctx.Err(), "region deploy aborted")
		}
	}
	if delay, ok := f.delay[region.Name]; ok {
		time.Sleep(delay)
	}

	idx := rec.StartStep("apply-manifest")
	if err, ok := f.fail[region.Name]; ok {
		rec.FailStep(idx, err)
		return err
	}
	rec.CompleteStep(idx)

	f.mu.Lock()
	f.finished = append(f.finished, region.Name)
	f.mu.Unlock()

	if f.pause[region.Name] {
		return strategy.ErrCanaryPaused
	}
	return nil
}

func (f *fakeExecutor) Validate(ctx context.Context, cfg *deployment.Config, region deployment.RegionConfig, rec strategy.Recorder) error {
	return nil
}

func (f *fakeExecutor) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.finished...)
}

type fakeRollbacker struct {
	mu       sync.Mutex
	marked   []string
	failures map[string]error
}

func (f *fakeRollbacker) RollbackAll(ctx context.Context, cfg *deployment.Config, deploymentID string, point *deployment.RollbackPoint, rollbackVersion string, mark func(region string)) map[string]error {
	out := make(map[string]error)
	for _, region := range cfg.Regions {
		if err, ok := f.failures[region.Name]; ok {
			out[region.Name] = err
			continue
		}
		f.mu.Lock()
		f.marked = append(f.marked, region.Name)
		f.mu.Unlock()
		mark(region.Name)
	}
	return out
}

func fastCoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		LockTTL:                time.Minute,
		DependencyTimeout:      time.Second,
		DependencyPollInterval: time.Millisecond,
		LeaderStabilization:    time.Millisecond,
	}
}

func multiRegionConfig(mode deployment.CoordinationMode, regions ...deployment.RegionConfig) *deployment.Config {
	return &deployment.Config{
		Service:  "checkout",
		Version:  "2.4.1",
		Strategy: deployment.StrategyRolling,
		Mode:     mode,
		Regions:  regions,
	}
}

func testRegion(name string, deps ...string) deployment.RegionConfig {
	return deployment.RegionConfig{
		Name:      name,
		Namespace: "shop",
		Manifest:  json.RawMessage(`{"kind":"Deployment"}`),
		DependsOn: deps,
	}
}

func executorsFor(executor coordinator.Executor, regions ...string) map[string]coordinator.Executor {
	out := make(map[string]coordinator.Executor, len(regions))
	for _, name := range regions {
		out[name] = executor
	}
	return out
}

func TestDeployCompletesAndPersistsGlobalState(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	coord := coordinator.New(executorsFor(executor, "eu-west"), store, nil, nil, fastCoordinatorConfig())

	state, err := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusCompleted, state.Status)

	// Both ledgers are readable from the store after the attempt, and the
	// archived state no longer holds the deployment lock.
	value, err := store.Get(context.Background(), "global:"+state.ID)
	assert.NoError(t, err)
	global := &deployment.GlobalState{}
	assert.NoError(t, json.Unmarshal(value, global))
	assert.Equal(t, deployment.GlobalCompleted, global.Status)
	assert.True(t, global.RegionReady("eu-west"))

	value, err = store.Get(context.Background(), "deployment:"+state.ID)
	assert.NoError(t, err)
	archived := &deployment.State{}
	assert.NoError(t, json.Unmarshal(value, archived))
	assert.Empty(t, archived.LockToken)
}

func TestDeployRejectsUnknownRegion(t *testing.T) {
	coord := coordinator.New(map[string]coordinator.Executor{}, statestore.NewMemory(), nil, nil, fastCoordinatorConfig())

	_, err := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("mars")))
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestConcurrentDeploysOfSameServiceConflict(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	gate := make(chan struct{})
	executor.block["eu-west"] = gate

	coord := coordinator.New(executorsFor(executor, "eu-west"), store, nil, nil, fastCoordinatorConfig())

	done := make(chan *deployment.State, 1)
	go func() {
		state, _ := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
		done <- state
	}()

	assert.Eventually(t, func() bool {
		return len(coord.ListActive()) == 1
	}, time.Second, time.Millisecond)

	_, err := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))

	close(gate)
	state := <-done
	assert.Equal(t, deployment.StatusCompleted, state.Status)

	// With the lock released a new deployment goes through.
	_, err = coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
	assert.NoError(t, err)
}

func TestParallelModeHonorsDependencyOrder(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.delay["us-east"] = 20 * time.Millisecond

	coord := coordinator.New(executorsFor(executor, "us-east", "eu-west", "ap-south"), store, nil, nil, fastCoordinatorConfig())

	cfg := multiRegionConfig(deployment.ModeParallel,
		testRegion("us-east"),
		testRegion("eu-west"),
		testRegion("ap-south", "us-east", "eu-west"),
	)

	state, err := coord.Deploy(context.Background(), cfg)
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusCompleted, state.Status)

	order := executor.order()
	assert.Len(t, order, 3)
	assert.Equal(t, "ap-south", order[2])
}

func TestParallelDeployHonorsCallerCancellation(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.block["eu-west"] = make(chan struct{})

	coord := coordinator.New(executorsFor(executor, "eu-west"), store, nil, nil, fastCoordinatorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *deployment.State, 1)
	go func() {
		state, _ := coord.Deploy(ctx, multiRegionConfig(deployment.ModeParallel, testRegion("eu-west")))
		done <- state
	}()

	assert.Eventually(t, func() bool {
		return len(coord.ListActive()) == 1
	}, time.Second, time.Millisecond)

	cancel()

	select {
	case state := <-done:
		assert.Equal(t, deployment.StatusFailed, state.Status)
	case <-time.After(time.Second):
		t.Fatal("deployment kept running after its context was canceled")
	}
}

func TestDependentRegionFailsWhenDependencyFails(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.fail["us-east"] = faults.New(faults.KindTransient, "cluster unreachable")

	coord := coordinator.New(executorsFor(executor, "us-east", "eu-west"), store, nil, nil, fastCoordinatorConfig())

	cfg := multiRegionConfig(deployment.ModeParallel,
		testRegion("us-east"),
		testRegion("eu-west", "us-east"),
	)

	state, err := coord.Deploy(context.Background(), cfg)
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusFailed, state.Status)

	value, err := store.Get(context.Background(), "global:"+state.ID)
	assert.NoError(t, err)
	global := &deployment.GlobalState{}
	assert.NoError(t, json.Unmarshal(value, global))
	assert.ElementsMatch(t, []string{"us-east", "eu-west"}, global.FailedRegions())
	assert.NotEmpty(t, global.Regions["eu-west"].Errors)
	assert.Contains(t, global.Regions["eu-west"].Errors[0], "depends on failed region")
}

func TestSiblingRegionSurvivesFailureWithoutAllOrNothing(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.fail["us-east"] = faults.New(faults.KindTransient, "cluster unreachable")

	coord := coordinator.New(executorsFor(executor, "us-east", "eu-west"), store, nil, nil, fastCoordinatorConfig())

	cfg := multiRegionConfig(deployment.ModeParallel,
		testRegion("us-east"),
		testRegion("eu-west"),
	)

	state, err := coord.Deploy(context.Background(), cfg)
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusFailed, state.Status)

	// The independent sibling still deployed.
	assert.Contains(t, executor.order(), "eu-west")

	value, _ := store.Get(context.Background(), "global:"+state.ID)
	global := &deployment.GlobalState{}
	assert.NoError(t, json.Unmarshal(value, global))
	assert.Equal(t, []string{"us-east"}, global.FailedRegions())
}

func TestSequentialAllOrNothingAbortsRemainingRegions(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.fail["us-east"] = faults.New(faults.KindTransient, "cluster unreachable")

	coord := coordinator.New(executorsFor(executor, "us-east", "eu-west"), store, nil, nil, fastCoordinatorConfig())

	cfg := multiRegionConfig(deployment.ModeSequential,
		testRegion("us-east"),
		testRegion("eu-west", "us-east"),
	)
	cfg.Rollback.AllOrNothing = true

	state, err := coord.Deploy(context.Background(), cfg)
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusFailed, state.Status)
	assert.NotContains(t, executor.order(), "eu-west")
}

func TestLeaderFailureAbortsFollowers(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.fail["us-east"] = faults.New(faults.KindTransient, "leader rollout timed out")

	coord := coordinator.New(executorsFor(executor, "us-east", "eu-west"), store, nil, nil, fastCoordinatorConfig())

	leader := testRegion("us-east")
	leader.Priority = 10
	cfg := multiRegionConfig(deployment.ModeLeaderFollower, leader, testRegion("eu-west"))

	state, err := coord.Deploy(context.Background(), cfg)
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusFailed, state.Status)
	assert.Empty(t, executor.order())

	value, _ := store.Get(context.Background(), "global:"+state.ID)
	global := &deployment.GlobalState{}
	assert.NoError(t, json.Unmarshal(value, global))
	assert.NotEmpty(t, global.Regions["eu-west"].Errors)
	assert.Contains(t, global.Regions["eu-west"].Errors[0], "leader region")
}

func TestAutomaticRollbackEndsInRolledBack(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.fail["eu-west"] = faults.New(faults.KindHealthCheck, "health checks failed")
	rollbacker := &fakeRollbacker{failures: map[string]error{}}

	coord := coordinator.New(executorsFor(executor, "eu-west"), store, rollbacker, nil, fastCoordinatorConfig())

	cfg := multiRegionConfig("", testRegion("eu-west"))
	cfg.Rollback.Automatic = true

	state, err := coord.Deploy(context.Background(), cfg)
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusRolledBack, state.Status)

	// Even a rolled back deployment ends globally failed.
	value, _ := store.Get(context.Background(), "global:"+state.ID)
	global := &deployment.GlobalState{}
	assert.NoError(t, json.Unmarshal(value, global))
	assert.Equal(t, deployment.GlobalFailed, global.Status)
}

func TestPartialRollbackStaysFailed(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.fail["us-east"] = faults.New(faults.KindHealthCheck, "health checks failed")
	executor.fail["eu-west"] = faults.New(faults.KindHealthCheck, "health checks failed")
	rollbacker := &fakeRollbacker{failures: map[string]error{
		"us-east": faults.New(faults.KindRollback, "previous revision gone"),
	}}

	coord := coordinator.New(executorsFor(executor, "us-east", "eu-west"), store, rollbacker, nil, fastCoordinatorConfig())

	cfg := multiRegionConfig(deployment.ModeParallel, testRegion("us-east"), testRegion("eu-west"))
	cfg.Rollback.Automatic = true

	state, err := coord.Deploy(context.Background(), cfg)
	assert.NoError(t, err)

	// One region could not be reverted, so the attempt stays failed, but the
	// other region was still rolled back independently.
	assert.Equal(t, deployment.StatusFailed, state.Status)
	assert.Equal(t, []string{"eu-west"}, rollbacker.marked)
}

func TestManualRollbackRequiresFailedDeployment(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	rollbacker := &fakeRollbacker{failures: map[string]error{}}
	coord := coordinator.New(executorsFor(executor, "eu-west"), store, rollbacker, nil, fastCoordinatorConfig())

	state, err := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusCompleted, state.Status)

	err = coord.Rollback(context.Background(), state.ID)
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))

	err = coord.Rollback(context.Background(), "no-such-id")
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindValidation))
}

func TestManualRollbackOfFailedDeployment(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.fail["eu-west"] = faults.New(faults.KindTimeout, "rollout timed out")
	rollbacker := &fakeRollbacker{failures: map[string]error{}}
	coord := coordinator.New(executorsFor(executor, "eu-west"), store, rollbacker, nil, fastCoordinatorConfig())

	// Automatic rollback off; the attempt parks in failed.
	state, err := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusFailed, state.Status)

	assert.NoError(t, coord.Rollback(context.Background(), state.ID))

	after, err := coord.GetStatus(context.Background(), state.ID)
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusRolledBack, after.Status)
}

func TestCanaryPauseLeavesDeploymentInProgress(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.pause["eu-west"] = true
	coord := coordinator.New(executorsFor(executor, "eu-west"), store, nil, nil, fastCoordinatorConfig())

	state, err := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusInProgress, state.Status)
	assert.Contains(t, state.Message, "paused")
}

func TestManualRollbackAbortsPausedCanary(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	executor.pause["eu-west"] = true
	rollbacker := &fakeRollbacker{failures: map[string]error{}}
	coord := coordinator.New(executorsFor(executor, "eu-west"), store, rollbacker, nil, fastCoordinatorConfig())

	state, err := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusInProgress, state.Status)

	// Rolling back the paused deployment is the abort path.
	assert.NoError(t, coord.Rollback(context.Background(), state.ID))
	assert.Equal(t, []string{"eu-west"}, rollbacker.marked)

	after, err := coord.GetStatus(context.Background(), state.ID)
	assert.NoError(t, err)
	assert.Equal(t, deployment.StatusRolledBack, after.Status)
}

func TestStepNamesArePrefixedOnlyForMultiRegionDeployments(t *testing.T) {
	store := statestore.NewMemory()
	executor := newFakeExecutor()
	coord := coordinator.New(executorsFor(executor, "eu-west", "us-east"), store, nil, nil, fastCoordinatorConfig())

	single, err := coord.Deploy(context.Background(), multiRegionConfig("", testRegion("eu-west")))
	assert.NoError(t, err)
	assert.NotNil(t, single.StepNamed("apply-manifest"))

	multi, err := coord.Deploy(context.Background(), multiRegionConfig(deployment.ModeSequential,
		testRegion("eu-west"), testRegion("us-east")))
	assert.NoError(t, err)
	assert.Nil(t, multi.StepNamed("apply-manifest"))
	assert.NotNil(t, multi.StepNamed("eu-west/apply-manifest"))
	assert.NotNil(t, multi.StepNamed("us-east/apply-manifest"))
}
