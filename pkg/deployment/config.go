// Package deployment holds the data model shared by the strategy executor,
// the region coordinator and the rollback controller: deployment
// configuration, per-attempt state, and the cross-region global ledger.
package deployment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plantmetric/rollout/pkg/faults"
)

type Strategy string

const (
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
	StrategyCanary    Strategy = "canary"
	StrategyRecreate  Strategy = "recreate"
)

type CoordinationMode string

const (
	ModeSequential     CoordinationMode = "sequential"
	ModeParallel       CoordinationMode = "parallel"
	ModeLeaderFollower CoordinationMode = "leader-follower"
)

type ThresholdAction string

const (
	ActionRollback ThresholdAction = "rollback"
	ActionPause    ThresholdAction = "pause"
)

type ResourceRequirements struct {
	CPURequest    string `json:"cpuRequest,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty"`
}

type HealthCheckSpec struct {
	Path             string        `json:"path"`
	Port             int           `json:"port"`
	InitialDelay     time.Duration `json:"initialDelay"`
	Period           time.Duration `json:"period"`
	FailureThreshold int           `json:"failureThreshold"`
}

// Threshold compares a canary metric delta against a limit and names the
// action taken when the limit is exceeded.
type Threshold struct {
	Max    float64         `json:"max"`
	Action ThresholdAction `json:"action"`
}

type CanarySpec struct {
	// Steps are ascending traffic percentages, e.g. 10, 25, 50, 100.
	Steps        []int         `json:"steps"`
	StepDuration time.Duration `json:"stepDuration"`

	ErrorRate  *Threshold `json:"errorRate,omitempty"`
	Latency    *Threshold `json:"latency,omitempty"`
	Throughput *Threshold `json:"throughput,omitempty"`
}

type RollbackPolicy struct {
	Automatic      bool    `json:"automatic"`
	ErrorThreshold float64 `json:"errorThreshold,omitempty"`
	UseSavepoint   bool    `json:"useSavepoint,omitempty"`

	// AllOrNothing aborts remaining regions as soon as one fails.
	AllOrNothing bool `json:"allOrNothing,omitempty"`
}

// RegionConfig is the static deployment target for one region.
type RegionConfig struct {
	Name      string          `json:"name"`
	Namespace string          `json:"namespace"`
	Manifest  json.RawMessage `json:"manifest"`

	// DependsOn names regions that must be deployed and healthy before
	// this one starts.
	DependsOn []string `json:"dependsOn,omitempty"`

	// Priority selects the leader in leader-follower mode; higher wins.
	Priority int `json:"priority,omitempty"`
}

// Config is the immutable input to one deployment: what to deploy, where,
// how, and what to do when it goes wrong.
type Config struct {
	Service     string           `json:"service"`
	Version     string           `json:"version"`
	Environment string           `json:"environment"`
	Strategy    Strategy         `json:"strategy"`
	Mode        CoordinationMode `json:"mode,omitempty"`

	Resources   ResourceRequirements `json:"resources,omitempty"`
	HealthCheck *HealthCheckSpec     `json:"healthCheck,omitempty"`
	Canary      *CanarySpec          `json:"canary,omitempty"`
	Rollback    RollbackPolicy       `json:"rollback"`

	Regions []RegionConfig `json:"regions"`
}

const EnvironmentProduction = "production"

// Validate performs pre-flight validation. Any error returned here is
// fatal and classified as a validation failure; no deployment state is
// created for an invalid config.
func (c *Config) Validate() error {
	if len(c.Service) == 0 {
		return faults.New(faults.KindValidation, "no service specified")
	}
	if len(c.Version) == 0 {
		return faults.New(faults.KindValidation, "no target version specified")
	}

	switch c.Strategy {
	case StrategyRolling, StrategyBlueGreen, StrategyCanary, StrategyRecreate:
	default:
		return faults.New(faults.KindValidation, "unknown deployment strategy '%s'", c.Strategy)
	}

	if c.Strategy == StrategyRecreate && c.Environment == EnvironmentProduction {
		return faults.New(faults.KindValidation, "strategy 'recreate' is not allowed in production environments")
	}

	if c.Strategy == StrategyCanary {
		if c.Canary == nil {
			return faults.New(faults.KindValidation, "canary strategy requires canary ramp configuration")
		}
		if err := c.Canary.validate(); err != nil {
			return err
		}
	} else if c.Canary != nil {
		return faults.New(faults.KindValidation, "canary configuration is only valid with the canary strategy")
	}

	switch c.Mode {
	case "", ModeSequential, ModeParallel, ModeLeaderFollower:
	default:
		return faults.New(faults.KindValidation, "unknown coordination mode '%s'", c.Mode)
	}

	if len(c.Regions) == 0 {
		return faults.New(faults.KindValidation, "at least one region is required")
	}

	names := make(map[string]bool)
	for _, region := range c.Regions {
		if len(region.Name) == 0 {
			return faults.New(faults.KindValidation, "region without a name")
		}
		if names[region.Name] {
			return faults.New(faults.KindValidation, "duplicate region '%s'", region.Name)
		}
		names[region.Name] = true
		if len(region.Manifest) == 0 {
			return faults.New(faults.KindValidation, "region '%s' has no manifest", region.Name)
		}
	}

	for _, region := range c.Regions {
		for _, dep := range region.DependsOn {
			if !names[dep] {
				return faults.New(faults.KindValidation, "region '%s' depends on unknown region '%s'", region.Name, dep)
			}
			if dep == region.Name {
				return faults.New(faults.KindValidation, "region '%s' depends on itself", region.Name)
			}
		}
	}

	return nil
}

func (c *CanarySpec) validate() error {
	if len(c.Steps) == 0 {
		return faults.New(faults.KindValidation, "canary ramp must define at least one step")
	}
	prev := 0
	for _, pct := range c.Steps {
		if pct <= prev || pct > 100 {
			return faults.New(faults.KindValidation, "canary steps must be ascending percentages between 1 and 100, got %v", c.Steps)
		}
		prev = pct
	}
	if c.StepDuration <= 0 {
		return faults.New(faults.KindValidation, "canary step duration must be positive")
	}
	for _, t := range []*Threshold{c.ErrorRate, c.Latency, c.Throughput} {
		if t == nil {
			continue
		}
		switch t.Action {
		case ActionRollback, ActionPause:
		default:
			return faults.New(faults.KindValidation, "unknown threshold action '%s'", t.Action)
		}
	}
	return nil
}

func (c *Config) Fields() map[string]interface{} {
	return map[string]interface{}{
		"service":  c.Service,
		"version":  c.Version,
		"strategy": string(c.Strategy),
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("%s@%s (%s)", c.Service, c.Version, c.Strategy)
}
