package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Open connects to Postgres with the pool limits the rest of the
// system assumes.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return db, nil
}

// schema holds the coordination tables. Every table is concurrently
// read and written by all worker processes; mutations elsewhere in the
// codebase are single atomic statements.
const schema = `
CREATE TABLE IF NOT EXISTS locks (
    name        TEXT PRIMARY KEY,
    holder_id   TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS replay_log (
    id                 BIGSERIAL PRIMARY KEY,
    original_msg_id    TEXT NOT NULL UNIQUE,
    dead_letter_msg_id BIGINT NOT NULL,
    new_msg_id         TEXT NOT NULL,
    replayed_by        TEXT NOT NULL,
    replayed_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter (
    id               BIGSERIAL PRIMARY KEY,
    original_msg_id  TEXT NOT NULL,
    payload          JSONB NOT NULL,
    failure_reason   TEXT NOT NULL,
    failed_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    reclaim_attempts INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outbox_events (
    id            BIGINT PRIMARY KEY,
    event_type    TEXT NOT NULL,
    payload       JSONB NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_at  TIMESTAMPTZ,
    retry_count   INT NOT NULL DEFAULT 0,
    next_retry_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_error    TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending
    ON outbox_events (next_retry_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS work_queue (
    id            BIGINT PRIMARY KEY,
    method        TEXT NOT NULL,
    payload       JSONB NOT NULL,
    claimed_by    TEXT,
    claimed_at    TIMESTAMPTZ,
    processed_at  TIMESTAMPTZ,
    error_message TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_work_queue_ready
    ON work_queue (created_at) WHERE processed_at IS NULL AND claimed_at IS NULL;
`

// EnsureSchema creates the coordination tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
