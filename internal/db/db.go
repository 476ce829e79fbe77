package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotQueued is returned when a job cannot be claimed because it is
// missing or no longer queued.
var ErrNotQueued = errors.New("job is not queued")

type DB struct {
	*sql.DB
}

// New opens a Postgres connection pool and checks it is reachable.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: conn}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id               UUID PRIMARY KEY,
	job_id           UUID NOT NULL,
	type             TEXT NOT NULL,
	storage_bucket   TEXT NOT NULL,
	storage_path     TEXT NOT NULL,
	content_type     TEXT,
	byte_size        BIGINT,
	duration_seconds DOUBLE PRECISION,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS jobs (
	id              UUID PRIMARY KEY,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	request         JSONB NOT NULL,
	result          JSONB,
	output_asset_id UUID REFERENCES assets(id),
	attempts        INT NOT NULL DEFAULT 0,
	error_message   TEXT,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS jobs_status_created_at_idx ON jobs (status, created_at DESC);
CREATE INDEX IF NOT EXISTS assets_job_id_idx ON assets (job_id);
`

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}
