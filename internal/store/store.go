// Package store defines the persistence interfaces for dialer jobs, calls,
// transcripts, recordings, and action plans, plus the tenant-scoped audit
// log. Every row carries a tenant_id and reads are tenant-scoped; a row is
// never visible across tenants.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dialvox/dialvox/internal/actionplan"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/transcript"
)

// ErrNotFound is returned when a row does not exist under the given tenant.
var ErrNotFound = errors.New("store: not found")

// Call is the persisted record of one placed call.
type Call struct {
	ID               string    `json:"id"`
	ExternalCallUUID string    `json:"external_call_uuid"`
	TenantID         string    `json:"tenant_id"`
	CampaignID       string    `json:"campaign_id"`
	LeadID           string    `json:"lead_id"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	DurationSeconds  float64   `json:"duration_seconds"`
	Outcome          string    `json:"outcome"`
}

// Transcript is the persisted transcript of one call.
type Transcript struct {
	CallID    string            `json:"call_id"`
	TenantID  string            `json:"tenant_id"`
	Turns     []transcript.Turn `json:"turns"`
	FullText  string            `json:"full_text"`
	WordCount int               `json:"word_count"`
	TurnCount int               `json:"turn_count"`
}

// Recording is the persisted metadata of one call recording; the audio
// itself lives at StoragePath.
type Recording struct {
	CallID          string  `json:"call_id"`
	TenantID        string  `json:"tenant_id"`
	StoragePath     string  `json:"storage_path"`
	DurationSeconds float64 `json:"duration_seconds"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
	Status          string  `json:"status"`
}

// JobStore persists dialer job rows. SaveJob is an upsert keyed on job_id so
// worker steps stay idempotent.
type JobStore interface {
	SaveJob(ctx context.Context, job *dialer.Job) error
	GetJob(ctx context.Context, tenantID, jobID string) (*dialer.Job, error)
}

// CallStore persists call rows.
type CallStore interface {
	SaveCall(ctx context.Context, call *Call) error
	GetCall(ctx context.Context, tenantID, callID string) (*Call, error)
}

// TranscriptStore persists one transcript row per call.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, tr *Transcript) error
	GetTranscript(ctx context.Context, tenantID, callID string) (*Transcript, error)
}

// RecordingStore persists recording metadata rows.
type RecordingStore interface {
	SaveRecording(ctx context.Context, rec *Recording) error
	GetRecording(ctx context.Context, tenantID, callID string) (*Recording, error)
}

// PlanStore persists action plans, including their step results.
type PlanStore interface {
	SavePlan(ctx context.Context, plan *actionplan.Plan) error
	GetPlan(ctx context.Context, tenantID, planID string) (*actionplan.Plan, error)
}

// Store bundles every persistence concern behind one value.
type Store interface {
	JobStore
	CallStore
	TranscriptStore
	RecordingStore
	PlanStore
	actionplan.AuditLog

	Close()
}
