// Package postgres is the production store implementation, backed by a
// single [pgxpool.Pool]. All statements are parameterized and all reads are
// tenant-scoped.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialvox/dialvox/internal/actionplan"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/store"
)

// Store is the PostgreSQL-backed persistence layer. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to the database at dsn, verifies the connection, and runs
// Migrate.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveJob implements store.JobStore as an upsert keyed on job_id.
func (s *Store) SaveJob(ctx context.Context, job *dialer.Job) error {
	const q = `
		INSERT INTO dialer_jobs
		    (id, campaign_id, lead_id, tenant_id, phone_number, priority,
		     status, attempt_number, scheduled_at, created_at, processed_at,
		     completed_at, last_outcome, last_error, call_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		    status         = EXCLUDED.status,
		    attempt_number = EXCLUDED.attempt_number,
		    scheduled_at   = EXCLUDED.scheduled_at,
		    processed_at   = EXCLUDED.processed_at,
		    completed_at   = EXCLUDED.completed_at,
		    last_outcome   = EXCLUDED.last_outcome,
		    last_error     = EXCLUDED.last_error,
		    call_id        = EXCLUDED.call_id`

	_, err := s.pool.Exec(ctx, q,
		job.ID, job.CampaignID, job.LeadID, job.TenantID, job.PhoneNumber,
		job.Priority, string(job.Status), job.AttemptNumber, job.ScheduledAt,
		job.CreatedAt, job.ProcessedAt, job.CompletedAt,
		string(job.LastOutcome), job.LastError, job.CallID,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(ctx context.Context, tenantID, jobID string) (*dialer.Job, error) {
	const q = `
		SELECT id, campaign_id, lead_id, tenant_id, phone_number, priority,
		       status, attempt_number, scheduled_at, created_at, processed_at,
		       completed_at, last_outcome, last_error, call_id
		FROM   dialer_jobs
		WHERE  id = $1 AND tenant_id = $2`

	var j dialer.Job
	err := s.pool.QueryRow(ctx, q, jobID, tenantID).Scan(
		&j.ID, &j.CampaignID, &j.LeadID, &j.TenantID, &j.PhoneNumber,
		&j.Priority, &j.Status, &j.AttemptNumber, &j.ScheduledAt,
		&j.CreatedAt, &j.ProcessedAt, &j.CompletedAt,
		&j.LastOutcome, &j.LastError, &j.CallID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: job %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get job %s: %w", jobID, err)
	}
	return &j, nil
}

// SaveCall implements store.CallStore.
func (s *Store) SaveCall(ctx context.Context, call *store.Call) error {
	const q = `
		INSERT INTO calls
		    (id, external_call_uuid, tenant_id, campaign_id, lead_id,
		     started_at, ended_at, duration_seconds, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    ended_at         = EXCLUDED.ended_at,
		    duration_seconds = EXCLUDED.duration_seconds,
		    outcome          = EXCLUDED.outcome`

	_, err := s.pool.Exec(ctx, q,
		call.ID, call.ExternalCallUUID, call.TenantID, call.CampaignID,
		call.LeadID, call.StartedAt, call.EndedAt, call.DurationSeconds,
		call.Outcome,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save call %s: %w", call.ID, err)
	}
	return nil
}

// GetCall implements store.CallStore.
func (s *Store) GetCall(ctx context.Context, tenantID, callID string) (*store.Call, error) {
	const q = `
		SELECT id, external_call_uuid, tenant_id, campaign_id, lead_id,
		       started_at, ended_at, duration_seconds, outcome
		FROM   calls
		WHERE  id = $1 AND tenant_id = $2`

	var c store.Call
	err := s.pool.QueryRow(ctx, q, callID, tenantID).Scan(
		&c.ID, &c.ExternalCallUUID, &c.TenantID, &c.CampaignID, &c.LeadID,
		&c.StartedAt, &c.EndedAt, &c.DurationSeconds, &c.Outcome,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: call %s: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get call %s: %w", callID, err)
	}
	return &c, nil
}

// SaveTranscript implements store.TranscriptStore.
func (s *Store) SaveTranscript(ctx context.Context, tr *store.Transcript) error {
	turns, err := json.Marshal(tr.Turns)
	if err != nil {
		return fmt.Errorf("postgres store: marshal turns %s: %w", tr.CallID, err)
	}

	const q = `
		INSERT INTO transcripts
		    (call_id, tenant_id, turns, full_text, word_count, turn_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO UPDATE SET
		    turns      = EXCLUDED.turns,
		    full_text  = EXCLUDED.full_text,
		    word_count = EXCLUDED.word_count,
		    turn_count = EXCLUDED.turn_count`

	_, err = s.pool.Exec(ctx, q,
		tr.CallID, tr.TenantID, turns, tr.FullText, tr.WordCount, tr.TurnCount,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save transcript %s: %w", tr.CallID, err)
	}
	return nil
}

// GetTranscript implements store.TranscriptStore.
func (s *Store) GetTranscript(ctx context.Context, tenantID, callID string) (*store.Transcript, error) {
	const q = `
		SELECT call_id, tenant_id, turns, full_text, word_count, turn_count
		FROM   transcripts
		WHERE  call_id = $1 AND tenant_id = $2`

	var (
		tr    store.Transcript
		turns []byte
	)
	err := s.pool.QueryRow(ctx, q, callID, tenantID).Scan(
		&tr.CallID, &tr.TenantID, &turns, &tr.FullText, &tr.WordCount, &tr.TurnCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: transcript %s: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get transcript %s: %w", callID, err)
	}
	if err := json.Unmarshal(turns, &tr.Turns); err != nil {
		return nil, fmt.Errorf("postgres store: decode turns %s: %w", callID, err)
	}
	return &tr, nil
}

// SaveRecording implements store.RecordingStore.
func (s *Store) SaveRecording(ctx context.Context, rec *store.Recording) error {
	const q = `
		INSERT INTO recordings
		    (call_id, tenant_id, storage_path, duration_seconds,
		     file_size_bytes, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO UPDATE SET
		    storage_path     = EXCLUDED.storage_path,
		    duration_seconds = EXCLUDED.duration_seconds,
		    file_size_bytes  = EXCLUDED.file_size_bytes,
		    status           = EXCLUDED.status`

	_, err := s.pool.Exec(ctx, q,
		rec.CallID, rec.TenantID, rec.StoragePath, rec.DurationSeconds,
		rec.FileSizeBytes, rec.Status,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save recording %s: %w", rec.CallID, err)
	}
	return nil
}

// GetRecording implements store.RecordingStore.
func (s *Store) GetRecording(ctx context.Context, tenantID, callID string) (*store.Recording, error) {
	const q = `
		SELECT call_id, tenant_id, storage_path, duration_seconds,
		       file_size_bytes, status
		FROM   recordings
		WHERE  call_id = $1 AND tenant_id = $2`

	var r store.Recording
	err := s.pool.QueryRow(ctx, q, callID, tenantID).Scan(
		&r.CallID, &r.TenantID, &r.StoragePath, &r.DurationSeconds,
		&r.FileSizeBytes, &r.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: recording %s: %w", callID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get recording %s: %w", callID, err)
	}
	return &r, nil
}

// SavePlan implements store.PlanStore.
func (s *Store) SavePlan(ctx context.Context, plan *actionplan.Plan) error {
	actions, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("postgres store: marshal plan %s: %w", plan.ID, err)
	}
	planCtx, err := json.Marshal(plan.Context)
	if err != nil {
		return fmt.Errorf("postgres store: marshal plan context %s: %w", plan.ID, err)
	}
	results, err := json.Marshal(plan.StepResults)
	if err != nil {
		return fmt.Errorf("postgres store: marshal step results %s: %w", plan.ID, err)
	}

	const q = `
		INSERT INTO action_plans
		    (id, tenant_id, conversation_id, user_id, intent, context,
		     actions, status, current_step, step_results, error,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		    status       = EXCLUDED.status,
		    current_step = EXCLUDED.current_step,
		    step_results = EXCLUDED.step_results,
		    error        = EXCLUDED.error,
		    updated_at   = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, q,
		plan.ID, plan.TenantID, plan.ConversationID, plan.UserID, plan.Intent,
		planCtx, actions, string(plan.Status), plan.CurrentStep, results,
		plan.Error, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save plan %s: %w", plan.ID, err)
	}
	return nil
}

// GetPlan implements store.PlanStore.
func (s *Store) GetPlan(ctx context.Context, tenantID, planID string) (*actionplan.Plan, error) {
	const q = `
		SELECT id, tenant_id, conversation_id, user_id, intent, context,
		       actions, status, current_step, step_results, error,
		       created_at, updated_at
		FROM   action_plans
		WHERE  id = $1 AND tenant_id = $2`

	var (
		p                        actionplan.Plan
		planCtx, actions, results []byte
	)
	err := s.pool.QueryRow(ctx, q, planID, tenantID).Scan(
		&p.ID, &p.TenantID, &p.ConversationID, &p.UserID, &p.Intent,
		&planCtx, &actions, &p.Status, &p.CurrentStep, &results,
		&p.Error, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: plan %s: %w", planID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get plan %s: %w", planID, err)
	}
	if err := json.Unmarshal(planCtx, &p.Context); err != nil {
		return nil, fmt.Errorf("postgres store: decode plan context %s: %w", planID, err)
	}
	if err := json.Unmarshal(actions, &p.Steps); err != nil {
		return nil, fmt.Errorf("postgres store: decode plan actions %s: %w", planID, err)
	}
	if err := json.Unmarshal(results, &p.StepResults); err != nil {
		return nil, fmt.Errorf("postgres store: decode step results %s: %w", planID, err)
	}
	return &p, nil
}

// Record implements actionplan.AuditLog.
func (s *Store) Record(ctx context.Context, entry actionplan.AuditEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("postgres store: marshal audit detail: %w", err)
	}

	const q = `
		INSERT INTO audit_log (tenant_id, plan_id, step_index, event, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.pool.Exec(ctx, q,
		entry.TenantID, entry.PlanID, entry.StepIndex, entry.Event, detail, entry.At,
	)
	if err != nil {
		return fmt.Errorf("postgres store: record audit: %w", err)
	}
	return nil
}
