package statestore

import (
	"context"
	"time"

	"github.com/plantmetric/rollout/pkg/events"
	"github.com/plantmetric/rollout/pkg/metrics"
)

// HistoryEntry is one row of the deployment history ledger.
type HistoryEntry struct {
	DeploymentID string    `json:"deploymentId"`
	Service      string    `json:"service"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	Status       string    `json:"status"`
	Regions      []string  `json:"regions"`
	Created      time.Time `json:"created"`
}

// WriteHistory appends an audit record to the deployment history ledger.
// Intended as the Ship function of an events.AuditSink.
func (p *Postgres) WriteHistory(record events.AuditRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	query := `
INSERT INTO deployment_history (deployment_id, service, actor, action, status, regions, created)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := p.conn.Exec(ctx, query,
		record.DeploymentID,
		record.Service,
		record.Actor,
		record.Action,
		record.Status,
		record.Regions,
		record.Timestamp,
	)
	metrics.DatabaseQuery(now, err)
	return err
}

// History returns the most recent ledger entries for a service, newest first.
func (p *Postgres) History(ctx context.Context, service string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 25
	}

	now := time.Now()
	query := `
SELECT deployment_id, service, actor, action, status, regions, created
FROM deployment_history
WHERE service = $1
ORDER BY created DESC
LIMIT $2
`
	rows, err := p.conn.Query(ctx, query, service, limit)
	metrics.DatabaseQuery(now, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var entry HistoryEntry
		err = rows.Scan(
			&entry.DeploymentID,
			&entry.Service,
			&entry.Actor,
			&entry.Action,
			&entry.Status,
			&entry.Regions,
			&entry.Created,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
