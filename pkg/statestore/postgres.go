package statestore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/metrics"
)

var postgresMigrations = []string{
	// 001 baseline
	`
CREATE TABLE migrations (
    version INT PRIMARY KEY,
    created TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE TABLE state (
    key TEXT PRIMARY KEY,
    value BYTEA NOT NULL,
    expires TIMESTAMP WITH TIME ZONE
);
INSERT INTO migrations (version) VALUES (1);
`,
	// 002 deployment history ledger
	`
CREATE TABLE deployment_history (
    id BIGSERIAL PRIMARY KEY,
    deployment_id TEXT NOT NULL,
    service TEXT NOT NULL,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    regions TEXT[] NOT NULL DEFAULT '{}',
    created TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX deployment_history_service ON deployment_history (service, created);
INSERT INTO migrations (version) VALUES (2);
`,
}

// Postgres is a Store backed by a single table, suitable when several
// coordinator instances share one database.
type Postgres struct {
	conn *pgxpool.Pool
}

var _ Store = &Postgres{}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	conn, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Postgres{conn: conn}, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	var version int

	query := `SELECT MAX(version) FROM migrations`
	row := p.conn.QueryRow(ctx, query)
	err := row.Scan(&version)
	if err != nil {
		// error might be due to no schema; log and continue with migrations.
		log.Warnf("unable to get current migration version: %s", err)
	}

	for version < len(postgresMigrations) {
		log.Infof("migrating state store schema to version %d", version+1)
		_, err = p.conn.Exec(ctx, postgresMigrations[version])
		if err != nil {
			return err
		}
		version++
	}

	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	now := time.Now()
	query := `SELECT value FROM state WHERE key = $1 AND (expires IS NULL OR expires > NOW())`
	row := p.conn.QueryRow(ctx, query, key)

	var value []byte
	err := row.Scan(&value)
	metrics.StateStoreOperation("postgres", now, err)
	if err != nil {
		return nil, ErrNotFound
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	query := `
INSERT INTO state (key, value, expires)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires
`
	_, err := p.conn.Exec(ctx, query, key, value, expiry(ttl))
	metrics.StateStoreOperation("postgres", now, err)
	return err
}

func (p *Postgres) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()

	// The conditional update claims keys whose previous holder expired.
	query := `
INSERT INTO state (key, value, expires)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires
WHERE state.expires IS NOT NULL AND state.expires <= NOW()
`
	tag, err := p.conn.Exec(ctx, query, key, value, expiry(ttl))
	metrics.StateStoreOperation("postgres", now, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	now := time.Now()
	_, err := p.conn.Exec(ctx, `DELETE FROM state WHERE key = $1`, key)
	metrics.StateStoreOperation("postgres", now, err)
	return err
}

func (p *Postgres) Close() {
	p.conn.Close()
}

func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}
