package deployment_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plantmetric/rollout/pkg/deployment"
)

func newState() *deployment.State {
	return deployment.NewState("d-1", validConfig())
}

func TestStateMachineHappyPath(t *testing.T) {
	state := newState()
	assert.Equal(t, deployment.StatusPending, state.Status)

	idx := state.StartStep("apply-manifest")
	assert.Equal(t, deployment.StatusInProgress, state.Status)
	state.CompleteStep(idx)

	assert.NoError(t, state.Transition(deployment.StatusValidating))
	assert.NoError(t, state.Transition(deployment.StatusCompleted))
	assert.True(t, state.Status.Terminal())
}

func TestFailedMayOnlyRollBack(t *testing.T) {
	state := newState()
	state.StartStep("apply-manifest")

	assert.NoError(t, state.Transition(deployment.StatusFailed))
	assert.Error(t, state.Transition(deployment.StatusCompleted))
	assert.Error(t, state.Transition(deployment.StatusInProgress))
	assert.NoError(t, state.Transition(deployment.StatusRolledBack))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	state := newState()
	state.StartStep("apply-manifest")
	assert.NoError(t, state.Transition(deployment.StatusValidating))
	assert.NoError(t, state.Transition(deployment.StatusCompleted))

	assert.Error(t, state.Transition(deployment.StatusFailed))
	assert.Error(t, state.Transition(deployment.StatusInProgress))
}

func TestSkippingValidatingIsIllegal(t *testing.T) {
	state := newState()
	state.StartStep("apply-manifest")
	assert.Error(t, state.Transition(deployment.StatusCompleted))
}

func TestStepRecording(t *testing.T) {
	state := newState()

	first := state.StartStep("apply-manifest")
	state.CompleteStep(first)

	second := state.StartStep("wait-rollout")
	state.FailStep(second, errors.New("rollout timed out"))

	assert.Len(t, state.Steps, 2)
	assert.Equal(t, deployment.StepCompleted, state.Steps[first].Status)
	assert.Equal(t, deployment.StepFailed, state.Steps[second].Status)
	assert.Equal(t, "rollout timed out", state.Steps[second].Error)

	step := state.StepNamed("wait-rollout")
	assert.NotNil(t, step)
	assert.Equal(t, deployment.StepFailed, step.Status)
	assert.Nil(t, state.StepNamed("no-such-step"))
}

func TestStepRetryCounter(t *testing.T) {
	state := newState()

	idx := state.StartStep("apply-manifest")
	state.RecordStepRetry(idx)
	state.RecordStepRetry(idx)
	state.CompleteStep(idx)

	assert.Equal(t, 2, state.Steps[idx].Retries)
	assert.Equal(t, deployment.StepCompleted, state.Steps[idx].Status)
}

func TestMetricsDelta(t *testing.T) {
	baseline := deployment.Metrics{ErrorRate: 1, LatencyMillis: 200, Throughput: 100}
	sample := deployment.Metrics{ErrorRate: 3, LatencyMillis: 300, Throughput: 80}

	delta := sample.DeltaFrom(baseline)
	assert.InDelta(t, 2, delta.ErrorRate, 0.001)
	assert.InDelta(t, 50, delta.Latency, 0.001)
	assert.InDelta(t, -20, delta.Throughput, 0.001)
}

func TestGlobalStateRegionLifecycle(t *testing.T) {
	cfg := validConfig()
	global := deployment.NewGlobalState("d-1", cfg, "2.4.0")

	assert.Equal(t, deployment.GlobalPending, global.Status)
	assert.False(t, global.RegionReady("eu-west"))

	global.SetRegionStatus("eu-west", deployment.RegionDeployed, true)
	assert.True(t, global.RegionReady("eu-west"))

	global.SetRegionStatus("eu-west", deployment.RegionFailed, false)
	assert.False(t, global.RegionReady("eu-west"))
	assert.Equal(t, []string{"eu-west"}, global.FailedRegions())
}
