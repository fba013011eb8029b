// Package memory is the in-memory store implementation for development and
// tests. It honors the same tenant-scoping rules as the postgres backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dialvox/dialvox/internal/actionplan"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/store"
)

// Store keeps every row in process memory. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	jobs        map[string]dialer.Job
	calls       map[string]store.Call
	transcripts map[string]store.Transcript
	recordings  map[string]store.Recording
	plans       map[string]actionplan.Plan
	audit       []actionplan.AuditEntry
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]dialer.Job),
		calls:       make(map[string]store.Call),
		transcripts: make(map[string]store.Transcript),
		recordings:  make(map[string]store.Recording),
		plans:       make(map[string]actionplan.Plan),
	}
}

// SaveJob implements store.JobStore.
func (s *Store) SaveJob(_ context.Context, job *dialer.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

// GetJob implements store.JobStore.
func (s *Store) GetJob(_ context.Context, tenantID, jobID string) (*dialer.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, fmt.Errorf("memory: job %s: %w", jobID, store.ErrNotFound)
	}
	cp := j
	return &cp, nil
}

// SaveCall implements store.CallStore.
func (s *Store) SaveCall(_ context.Context, call *store.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.ID] = *call
	return nil
}

// GetCall implements store.CallStore.
func (s *Store) GetCall(_ context.Context, tenantID, callID string) (*store.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[callID]
	if !ok || c.TenantID != tenantID {
		return nil, fmt.Errorf("memory: call %s: %w", callID, store.ErrNotFound)
	}
	cp := c
	return &cp, nil
}

// SaveTranscript implements store.TranscriptStore.
func (s *Store) SaveTranscript(_ context.Context, tr *store.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[tr.CallID] = *tr
	return nil
}

// GetTranscript implements store.TranscriptStore.
func (s *Store) GetTranscript(_ context.Context, tenantID, callID string) (*store.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.transcripts[callID]
	if !ok || tr.TenantID != tenantID {
		return nil, fmt.Errorf("memory: transcript %s: %w", callID, store.ErrNotFound)
	}
	cp := tr
	return &cp, nil
}

// SaveRecording implements store.RecordingStore.
func (s *Store) SaveRecording(_ context.Context, rec *store.Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings[rec.CallID] = *rec
	return nil
}

// GetRecording implements store.RecordingStore.
func (s *Store) GetRecording(_ context.Context, tenantID, callID string) (*store.Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recordings[callID]
	if !ok || r.TenantID != tenantID {
		return nil, fmt.Errorf("memory: recording %s: %w", callID, store.ErrNotFound)
	}
	cp := r
	return &cp, nil
}

// SavePlan implements store.PlanStore.
func (s *Store) SavePlan(_ context.Context, plan *actionplan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = *plan
	return nil
}

// GetPlan implements store.PlanStore.
func (s *Store) GetPlan(_ context.Context, tenantID, planID string) (*actionplan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok || p.TenantID != tenantID {
		return nil, fmt.Errorf("memory: plan %s: %w", planID, store.ErrNotFound)
	}
	cp := p
	return &cp, nil
}

// Record implements actionplan.AuditLog.
func (s *Store) Record(_ context.Context, entry actionplan.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns the audit trail for one tenant.
func (s *Store) AuditEntries(tenantID string) []actionplan.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []actionplan.AuditEntry
	for _, e := range s.audit {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// Close implements store.Store.
func (s *Store) Close() {}
