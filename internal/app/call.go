package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dialvox/dialvox/internal/actionplan"
	"github.com/dialvox/dialvox/internal/config"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/pipeline"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/pkg/media"
)

// persistTimeout bounds the post-call writes so a slow database cannot hold
// a worker slot hostage.
const persistTimeout = 15 * time.Second

// runCall is the dialer's PipelineFunc: it drives the voice pipeline over
// the connected media stream, then persists the call record, transcript,
// recording, and any post-call action plan the agent requested.
func (a *App) runCall(ctx context.Context, gw media.Gateway, job *dialer.Job) pipeline.Result {
	def := a.agentFor(job)
	if def == nil {
		gw.Close()
		a.log.Error("no agent configured", "job_id", job.ID, "agent", job.AgentName)
		return pipeline.Result{
			Outcome: pipeline.OutcomeFailed,
			Reason:  "no agent configured",
		}
	}

	p := pipeline.New(gw, a.providers.STT, a.providers.LLM, a.providers.TTS,
		pipeline.Config{
			CallID:   job.CallID,
			Agent:    def.Pipeline(),
			Language: def.Language,
			Tools:    toolDefinitions(def.Tools),
		},
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.met),
	)

	started := time.Now().UTC()
	res := p.Run(ctx)
	ended := time.Now().UTC()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	a.persistCall(persistCtx, job, res, started, ended)
	a.persistTranscript(persistCtx, p, job, def)
	a.persistRecording(persistCtx, job)
	a.runPlan(persistCtx, job, res)

	return res
}

// agentFor resolves the job's agent binding, falling back to the first
// configured agent. The returned pointer stays valid across a hot reload:
// [App.ReloadAgents] replaces the slice wholesale, it never mutates entries
// in place.
func (a *App) agentFor(job *dialer.Job) *config.AgentDef {
	a.agentMu.RLock()
	defer a.agentMu.RUnlock()
	if def := a.cfg.Agent(job.AgentName); def != nil {
		return def
	}
	if job.AgentName != "" {
		a.log.Warn("unknown agent, using default", "agent", job.AgentName, "job_id", job.ID)
	}
	if len(a.cfg.Agents) > 0 {
		return &a.cfg.Agents[0]
	}
	return nil
}

func (a *App) persistCall(ctx context.Context, job *dialer.Job, res pipeline.Result, started, ended time.Time) {
	call := &store.Call{
		ID:              job.CallID,
		TenantID:        job.TenantID,
		CampaignID:      job.CampaignID,
		LeadID:          job.LeadID,
		StartedAt:       started,
		EndedAt:         ended,
		DurationSeconds: ended.Sub(started).Seconds(),
		Outcome:         string(res.Outcome),
	}
	if err := a.store.SaveCall(ctx, call); err != nil {
		a.log.Error("persist call failed", "call_id", job.CallID, "err", err)
	}
}

func (a *App) persistTranscript(ctx context.Context, p *pipeline.Pipeline, job *dialer.Job, def *config.AgentDef) {
	tr := p.Transcript().Finalize()
	if tr.TurnCount == 0 {
		return
	}

	// Restore tenant vocabulary the STT provider mangled before the
	// transcript lands in storage. A correction failure is not worth
	// losing the raw transcript over.
	if a.corrector != nil && len(def.Vocabulary) > 0 {
		corrected, corrections, err := a.corrector.Correct(ctx, tr, def.Vocabulary)
		if err != nil {
			a.log.Warn("transcript correction failed, persisting raw transcript",
				"call_id", job.CallID, "err", err)
		} else {
			tr = corrected
			if len(corrections) > 0 {
				a.log.Info("transcript corrected",
					"call_id", job.CallID, "corrections", len(corrections))
			}
		}
	}

	err := a.store.SaveTranscript(ctx, &store.Transcript{
		CallID:    job.CallID,
		TenantID:  job.TenantID,
		Turns:     tr.Turns,
		FullText:  tr.FullText,
		WordCount: tr.WordCount,
		TurnCount: tr.TurnCount,
	})
	if err != nil {
		a.log.Error("persist transcript failed", "call_id", job.CallID, "err", err)
	}
}

func (a *App) persistRecording(ctx context.Context, job *dialer.Job) {
	buf := a.recorders.take(job.CallID)
	if buf == nil {
		return
	}
	rec, ok := buf.Finalize()
	if !ok {
		return
	}

	path, err := a.recorders.sink.Store(ctx, rec)
	if err != nil {
		a.log.Error("store recording failed", "call_id", job.CallID, "err", err)
		return
	}
	err = a.store.SaveRecording(ctx, &store.Recording{
		CallID:          job.CallID,
		TenantID:        job.TenantID,
		StoragePath:     path,
		DurationSeconds: rec.Duration.Seconds(),
		FileSizeBytes:   int64(rec.SizeBytes),
		Status:          "stored",
	})
	if err != nil {
		a.log.Error("persist recording failed", "call_id", job.CallID, "err", err)
	}
}

// runPlan turns the tool calls the agent issued during the call into an
// action plan and executes it.
func (a *App) runPlan(ctx context.Context, job *dialer.Job, res pipeline.Result) {
	plan := planFromToolCalls(job, res)
	if plan == nil {
		return
	}
	if err := a.executor.Execute(ctx, plan); err != nil {
		a.log.Error("action plan failed",
			"call_id", job.CallID, "plan_id", plan.ID, "err", err)
	}
	if err := a.store.SavePlan(ctx, plan); err != nil {
		a.log.Error("persist plan failed", "plan_id", plan.ID, "err", err)
	}
}

// planFromToolCalls maps the call's tool invocations onto plan steps.
// end_call is a pipeline control signal, not an action; tool names outside
// the allowlist are dropped rather than failing the whole plan.
func planFromToolCalls(job *dialer.Job, res pipeline.Result) *actionplan.Plan {
	var steps []actionplan.Step
	for _, tc := range res.ToolCalls {
		if tc.Name == pipeline.EndCallTool {
			continue
		}
		st := actionplan.StepType(tc.Name)
		if !actionplan.Allowed(st) {
			continue
		}
		params := make(map[string]any, len(tc.Args)+1)
		for k, v := range tc.Args {
			params[k] = v
		}
		if st == actionplan.TypeInitiateCall || st == actionplan.TypeStartCampaign {
			params["tenant_id"] = job.TenantID
		}
		steps = append(steps, actionplan.Step{Type: st, Params: params})
	}
	if len(steps) == 0 {
		return nil
	}

	now := time.Now().UTC()
	return &actionplan.Plan{
		ID:             uuid.NewString(),
		TenantID:       job.TenantID,
		ConversationID: job.CallID,
		UserID:         job.LeadID,
		Intent:         "post_call_followup",
		Context: map[string]any{
			"campaign_id": job.CampaignID,
			"outcome":     string(res.Outcome),
		},
		Steps:     steps,
		Status:    actionplan.PlanPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
