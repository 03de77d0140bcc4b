package deployment

import (
	"encoding/json"
	"time"

	"github.com/plantmetric/rollout/pkg/faults"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusValidating Status = "validating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// transitions encodes the per-attempt state machine. Any non-terminal state
// may fail; a failed attempt may only move on to rolled_back.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusValidating, StatusFailed},
	StatusValidating: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRolledBack},
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Step is one named unit of work within a deployment attempt. Steps are
// append-only; a failed step is never rewritten, a retry appends metadata.
type Step struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Retries    int        `json:"retries"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
}

func (s *Step) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Metrics are the aggregate service metrics sampled during a deployment.
type Metrics struct {
	ErrorRate     float64 `json:"errorRate"`
	LatencyMillis float64 `json:"latencyMillis"`
	Throughput    float64 `json:"throughput"`
}

// Delta compares a sample against a baseline. Latency and throughput are
// relative percentages; error rate is an absolute difference in points.
type Delta struct {
	ErrorRate  float64 `json:"errorRateDelta"`
	Latency    float64 `json:"latencyDeltaPercent"`
	Throughput float64 `json:"throughputDeltaPercent"`
}

func (m Metrics) DeltaFrom(baseline Metrics) Delta {
	d := Delta{
		ErrorRate: m.ErrorRate - baseline.ErrorRate,
	}
	if baseline.LatencyMillis > 0 {
		d.Latency = (m.LatencyMillis - baseline.LatencyMillis) / baseline.LatencyMillis * 100
	}
	if baseline.Throughput > 0 {
		d.Throughput = (m.Throughput - baseline.Throughput) / baseline.Throughput * 100
	}
	return d
}

// RollbackPoint is the prior-known-good configuration captured before a
// risky mutation. Read-only once created.
type RollbackPoint struct {
	Version    string          `json:"version"`
	Manifest   json.RawMessage `json:"manifest"`
	SnapshotID string          `json:"snapshotId,omitempty"`
	CapturedAt time.Time       `json:"capturedAt"`
}

// State is the mutable record of one deployment attempt, owned by the
// region coordinator / strategy executor pair for its lifetime.
type State struct {
	ID          string   `json:"id"`
	Service     string   `json:"service"`
	Version     string   `json:"version"`
	Environment string   `json:"environment"`
	Strategy    Strategy `json:"strategy"`
	Status      Status   `json:"status"`

	Steps         []Step         `json:"steps"`
	Metrics       Metrics        `json:"metrics"`
	RollbackPoint *RollbackPoint `json:"rollbackPoint,omitempty"`

	// LockToken is the deployment lock held for the service, empty once
	// released.
	LockToken string `json:"lockToken,omitempty"`

	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewState(id string, cfg *Config) *State {
	now := time.Now()
	return &State{
		ID:          id,
		Service:     cfg.Service,
		Version:     cfg.Version,
		Environment: cfg.Environment,
		Strategy:    cfg.Strategy,
		Status:      StatusPending,
		Steps:       make([]Step, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition moves the attempt to a new status, enforcing the state machine.
func (s *State) Transition(to Status) error {
	for _, allowed := range transitions[s.Status] {
		if allowed == to {
			s.Status = to
			s.UpdatedAt = time.Now()
			return nil
		}
	}
	return faults.New(faults.KindValidation, "illegal deployment state transition %s -> %s", s.Status, to)
}

// StartStep appends a new in-progress step and returns its index. The first
// step started moves a pending attempt to in_progress.
func (s *State) StartStep(name string) int {
	if s.Status == StatusPending {
		// Transition cannot fail here; pending always permits in_progress.
		_ = s.Transition(StatusInProgress)
	}
	s.Steps = append(s.Steps, Step{
		Name:      name,
		Status:    StepInProgress,
		StartedAt: time.Now(),
	})
	s.UpdatedAt = time.Now()
	return len(s.Steps) - 1
}

func (s *State) CompleteStep(idx int) {
	step := &s.Steps[idx]
	step.Status = StepCompleted
	step.FinishedAt = time.Now()
	s.UpdatedAt = step.FinishedAt
}

// RecordStepRetry bumps the retry counter of an in-flight step.
func (s *State) RecordStepRetry(idx int) {
	s.Steps[idx].Retries++
	s.UpdatedAt = time.Now()
}

func (s *State) FailStep(idx int, err error) {
	step := &s.Steps[idx]
	step.Status = StepFailed
	step.FinishedAt = time.Now()
	if err != nil {
		step.Error = err.Error()
	}
	s.UpdatedAt = step.FinishedAt
}

// StepNamed returns the most recent step with the given name, or nil.
func (s *State) StepNamed(name string) *Step {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}
