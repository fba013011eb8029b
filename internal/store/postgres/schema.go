package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlDialerJobs = `
CREATE TABLE IF NOT EXISTS dialer_jobs (
    id             TEXT         PRIMARY KEY,
    campaign_id    TEXT         NOT NULL DEFAULT '',
    lead_id        TEXT         NOT NULL DEFAULT '',
    tenant_id      TEXT         NOT NULL,
    phone_number   TEXT         NOT NULL,
    priority       INT          NOT NULL,
    status         TEXT         NOT NULL,
    attempt_number INT          NOT NULL,
    scheduled_at   TIMESTAMPTZ  NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL,
    processed_at   TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    last_outcome   TEXT         NOT NULL DEFAULT '',
    last_error     TEXT         NOT NULL DEFAULT '',
    call_id        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_dialer_jobs_tenant_status
    ON dialer_jobs (tenant_id, status);
`

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id                 TEXT         PRIMARY KEY,
    external_call_uuid TEXT         NOT NULL DEFAULT '',
    tenant_id          TEXT         NOT NULL,
    campaign_id        TEXT         NOT NULL DEFAULT '',
    lead_id            TEXT         NOT NULL DEFAULT '',
    started_at         TIMESTAMPTZ  NOT NULL,
    ended_at           TIMESTAMPTZ  NOT NULL,
    duration_seconds   DOUBLE PRECISION NOT NULL DEFAULT 0,
    outcome            TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_tenant
    ON calls (tenant_id, started_at);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    call_id    TEXT   PRIMARY KEY,
    tenant_id  TEXT   NOT NULL,
    turns      JSONB  NOT NULL,
    full_text  TEXT   NOT NULL DEFAULT '',
    word_count INT    NOT NULL DEFAULT 0,
    turn_count INT    NOT NULL DEFAULT 0
);
`

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    call_id          TEXT             PRIMARY KEY,
    tenant_id        TEXT             NOT NULL,
    storage_path     TEXT             NOT NULL,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    file_size_bytes  BIGINT           NOT NULL DEFAULT 0,
    status           TEXT             NOT NULL DEFAULT ''
);
`

const ddlActionPlans = `
CREATE TABLE IF NOT EXISTS action_plans (
    id              TEXT         PRIMARY KEY,
    tenant_id       TEXT         NOT NULL,
    conversation_id TEXT         NOT NULL DEFAULT '',
    user_id         TEXT         NOT NULL DEFAULT '',
    intent          TEXT         NOT NULL DEFAULT '',
    context         JSONB        NOT NULL DEFAULT '{}',
    actions         JSONB        NOT NULL,
    status          TEXT         NOT NULL,
    current_step    INT          NOT NULL DEFAULT 0,
    step_results    JSONB        NOT NULL DEFAULT '[]',
    error           TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL,
    updated_at      TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_plans_tenant
    ON action_plans (tenant_id, status);
`

const ddlAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id         BIGSERIAL    PRIMARY KEY,
    tenant_id  TEXT         NOT NULL,
    plan_id    TEXT         NOT NULL DEFAULT '',
    step_index INT,
    event      TEXT         NOT NULL,
    detail     JSONB,
    at         TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_tenant
    ON audit_log (tenant_id, at);
`

// Migrate creates every table and index the store needs. All statements are
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{
		ddlDialerJobs,
		ddlCalls,
		ddlTranscripts,
		ddlRecordings,
		ddlActionPlans,
		ddlAuditLog,
	} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
