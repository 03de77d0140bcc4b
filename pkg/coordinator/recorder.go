package coordinator

import (
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/events"
)

// recorder routes step transitions from a region's strategy executor into
// the shared attempt state. All mutation happens under the attempt mutex,
// and every transition is persisted and published before the executor
// proceeds. With more than one region in play, step names are prefixed
// with the region so parallel regions never collide.
type recorder struct {
	c      *Coordinator
	att    *attempt
	region string
	prefix bool
}

func (c *Coordinator) recorder(att *attempt, region string) *recorder {
	return &recorder{
		c:      c,
		att:    att,
		region: region,
		prefix: len(att.cfg.Regions) > 1,
	}
}

func (r *recorder) stepName(name string) string {
	if r.prefix {
		return r.region + "/" + name
	}
	return name
}

func (r *recorder) StartStep(name string) int {
	r.att.mu.Lock()
	idx := r.att.state.StartStep(r.stepName(name))
	step := r.att.state.Steps[idx]
	r.att.mu.Unlock()

	r.c.persist(r.att)
	r.publishStep(step)
	return idx
}

func (r *recorder) CompleteStep(idx int) {
	r.att.mu.Lock()
	r.att.state.CompleteStep(idx)
	step := r.att.state.Steps[idx]
	r.att.mu.Unlock()

	r.c.persist(r.att)
	r.publishStep(step)
}

func (r *recorder) FailStep(idx int, err error) {
	r.att.mu.Lock()
	r.att.state.FailStep(idx, err)
	step := r.att.state.Steps[idx]
	r.att.mu.Unlock()

	r.c.persist(r.att)
	r.publishStep(step)
}

func (r *recorder) RecordStepRetry(idx int) {
	r.att.mu.Lock()
	r.att.state.RecordStepRetry(idx)
	r.att.mu.Unlock()
	r.c.persist(r.att)
}

func (r *recorder) SetRollbackPoint(point *deployment.RollbackPoint) {
	r.att.mu.Lock()
	// First capture wins; later regions observe the same prior version.
	if r.att.state.RollbackPoint == nil {
		r.att.state.RollbackPoint = point
		r.att.global.RollbackVersion = point.Version
	}
	r.att.mu.Unlock()
	r.c.persist(r.att)
}

func (r *recorder) SetMetrics(m deployment.Metrics) {
	r.att.mu.Lock()
	r.att.state.Metrics = m
	r.att.mu.Unlock()
	r.c.persist(r.att)
}

func (r *recorder) publishStep(step deployment.Step) {
	r.c.broker.Publish(events.Event{
		Type:         events.EventStepTransition,
		DeploymentID: r.att.state.ID,
		Service:      r.att.state.Service,
		Step:         &step,
	})
}
