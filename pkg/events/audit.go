package events

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// AuditRecord is the structured entry emitted once per finished deployment.
type AuditRecord struct {
	Action       string    `json:"action"`
	Actor        string    `json:"actor"`
	Timestamp    time.Time `json:"timestamp"`
	DeploymentID string    `json:"deploymentId"`
	Service      string    `json:"service"`
	Status       string    `json:"status"`
	Regions      []string  `json:"regions"`
}

// AuditSink converts deployment-finished events into audit records and hands
// them to a shipper. Shipping failures are logged and dropped.
type AuditSink struct {
	Actor string
	Ship  func(record AuditRecord) error
}

var _ Subscriber = &AuditSink{}

func (a *AuditSink) Notify(event Event) {
	if event.Type != EventDeploymentFinished {
		return
	}

	record := AuditRecord{
		Action:       "deploy",
		Actor:        a.Actor,
		Timestamp:    event.Timestamp,
		DeploymentID: event.DeploymentID,
		Service:      event.Service,
		Status:       string(event.Status),
	}
	for _, region := range event.Regions {
		record.Regions = append(record.Regions, region.Name)
	}

	if a.Ship == nil {
		return
	}
	if err := a.Ship(record); err != nil {
		log.Warnf("Audit record for deployment %s was not shipped: %s", event.DeploymentID, err)
	}
}

// MetricsSink updates prometheus counters from coordinator events.
type MetricsSink struct {
	OnRegion func(region, status string)
}

var _ Subscriber = &MetricsSink{}

func (m *MetricsSink) Notify(event Event) {
	if event.Type != EventRegionTransition || event.Region == nil {
		return
	}
	if m.OnRegion != nil {
		m.OnRegion(event.Region.Name, string(event.Region.Status))
	}
}
