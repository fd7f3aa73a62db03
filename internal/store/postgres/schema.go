// Package postgres implements the store.Store contract on PostgreSQL using a
// single pgxpool.Pool. Migrate is idempotent and runs on every start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMeetings = `
CREATE TABLE IF NOT EXISTS meetings (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL DEFAULT '',
    user_email  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlLiveSegments = `
CREATE TABLE IF NOT EXISTS live_segments (
    id               BIGSERIAL    PRIMARY KEY,
    meeting_id       TEXT         NOT NULL,
    text             TEXT         NOT NULL,
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    source           TEXT         NOT NULL DEFAULT 'live',
    alignment_state  TEXT         NOT NULL DEFAULT 'CONFIDENT',
    audio_start_time DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_live_segments_meeting
    ON live_segments (meeting_id, id);
`

const ddlVersions = `
CREATE TABLE IF NOT EXISTS transcript_versions (
    meeting_id          TEXT         NOT NULL,
    version_num         INTEGER      NOT NULL,
    source              TEXT         NOT NULL,
    content             JSONB        NOT NULL DEFAULT '[]',
    is_authoritative    BOOLEAN      NOT NULL DEFAULT false,
    alignment_config    JSONB        NOT NULL DEFAULT '{}',
    confidence_metrics  JSONB        NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_by          TEXT         NOT NULL DEFAULT '',
    PRIMARY KEY (meeting_id, version_num)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_one_authoritative
    ON transcript_versions (meeting_id)
    WHERE is_authoritative;
`

const ddlJobs = `
CREATE TABLE IF NOT EXISTS diarization_jobs (
    id          TEXT         PRIMARY KEY,
    meeting_id  TEXT         NOT NULL,
    provider    TEXT         NOT NULL,
    status      TEXT         NOT NULL,
    error       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active_per_meeting
    ON diarization_jobs (meeting_id)
    WHERE status IN ('pending', 'running');
`

// Migrate ensures all tables and indexes exist. Safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlMeetings,
		ddlLiveSegments,
		ddlVersions,
		ddlJobs,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
