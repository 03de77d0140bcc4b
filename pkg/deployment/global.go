package deployment

import (
	"time"
)

type GlobalStatus string

const (
	GlobalPending     GlobalStatus = "pending"
	GlobalInProgress  GlobalStatus = "in-progress"
	GlobalCompleted   GlobalStatus = "completed"
	GlobalFailed      GlobalStatus = "failed"
	GlobalRollingBack GlobalStatus = "rolling-back"
)

type RegionStatus string

const (
	RegionPending   RegionStatus = "pending"
	RegionDeploying RegionStatus = "deploying"
	RegionDeployed  RegionStatus = "deployed"
	RegionFailed    RegionStatus = "failed"
	RegionRollback  RegionStatus = "rollback"
)

// RegionState is the per-region slice of the global ledger. Region workers
// never message each other directly; they observe each other through these
// records.
type RegionState struct {
	Name      string       `json:"name"`
	Status    RegionStatus `json:"status"`
	Healthy   bool         `json:"healthy"`
	Errors    []string     `json:"errors,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (r *RegionState) RecordError(err error) {
	r.Errors = append(r.Errors, err.Error())
	r.UpdatedAt = time.Now()
}

// GlobalState is the durable cross-region ledger for one deployment. It is
// owned by the region coordinator and persisted to the state store after
// every mutation.
type GlobalState struct {
	ID              string                  `json:"id"`
	Service         string                  `json:"service"`
	Status          GlobalStatus            `json:"status"`
	Regions         map[string]*RegionState `json:"regions"`
	TargetVersion   string                  `json:"targetVersion"`
	RollbackVersion string                  `json:"rollbackVersion,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
}

func NewGlobalState(id string, cfg *Config, rollbackVersion string) *GlobalState {
	now := time.Now()
	gs := &GlobalState{
		ID:              id,
		Service:         cfg.Service,
		Status:          GlobalPending,
		Regions:         make(map[string]*RegionState, len(cfg.Regions)),
		TargetVersion:   cfg.Version,
		RollbackVersion: rollbackVersion,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, region := range cfg.Regions {
		gs.Regions[region.Name] = &RegionState{
			Name:      region.Name,
			Status:    RegionPending,
			UpdatedAt: now,
		}
	}
	return gs
}

func (g *GlobalState) SetStatus(status GlobalStatus) {
	g.Status = status
	g.UpdatedAt = time.Now()
}

func (g *GlobalState) SetRegionStatus(name string, status RegionStatus, healthy bool) {
	region, ok := g.Regions[name]
	if !ok {
		region = &RegionState{Name: name}
		g.Regions[name] = region
	}
	region.Status = status
	region.Healthy = healthy
	region.UpdatedAt = time.Now()
	g.UpdatedAt = region.UpdatedAt
}

// RegionReady reports whether a region has finished deploying and passed its
// health checks, the condition dependents wait on.
func (g *GlobalState) RegionReady(name string) bool {
	region, ok := g.Regions[name]
	return ok && region.Status == RegionDeployed && region.Healthy
}

func (g *GlobalState) FailedRegions() []string {
	failed := make([]string, 0)
	for name, region := range g.Regions {
		if region.Status == RegionFailed {
			failed = append(failed, name)
		}
	}
	return failed
}
