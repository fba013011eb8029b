package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/pipeline"
	"github.com/dialvox/dialvox/internal/session"
	"github.com/dialvox/dialvox/pkg/media"
	"github.com/dialvox/dialvox/pkg/provider/telephony"
)

// Queue is the slice of the queue service the worker consumes.
type Queue interface {
	Dequeue(ctx context.Context, tenantIDs []string) (*Job, error)
	ScheduleRetry(ctx context.Context, job *Job, at time.Time) error
	Complete(ctx context.Context, job *Job) error
}

// GatewayHub hands the worker the media gateway for a call once the carrier's
// media stream connects to the control surface.
type GatewayHub interface {
	// Await blocks until the gateway for callID arrives or ctx expires.
	Await(ctx context.Context, callID string) (media.Gateway, error)
}

// JobPersister writes the job row after every status change. Implementations
// must be idempotent on job_id.
type JobPersister interface {
	SaveJob(ctx context.Context, job *Job) error
}

// PipelineFunc runs the voice pipeline for a connected call and returns its
// result. The worker owns the job; the function owns the gateway.
type PipelineFunc func(ctx context.Context, gw media.Gateway, job *Job) pipeline.Result

// WorkerConfig tunes the dialing loop.
type WorkerConfig struct {
	// Tenants is the set of tenant queues this worker serves. The list is
	// rotated between dequeues so every tenant gets a turn.
	Tenants []string

	// Concurrency is how many jobs are processed in parallel. Zero selects 1.
	Concurrency int

	// FromNumber is the caller ID for originated calls.
	FromNumber string

	// StreamURL is the media WebSocket endpoint handed to the carrier.
	StreamURL string

	// RingTimeout bounds the ringing phase. Zero selects the carrier default.
	RingTimeout time.Duration

	// MaxCallDuration force-ends a call that never reaches a terminal
	// outcome. Zero selects 30 minutes.
	MaxCallDuration time.Duration

	// ConnectTimeout bounds the wait for the media stream after answer.
	// Zero selects 15 seconds.
	ConnectTimeout time.Duration

	// PollInterval is the idle sleep when every queue is empty. Zero selects
	// one second.
	PollInterval time.Duration

	// Policy decides retries. The zero value selects the defaults.
	Policy RetryPolicy
}

func (c *WorkerConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Worker turns queued jobs into outbound calls.
type Worker struct {
	cfg      WorkerConfig
	queue    Queue
	caller   telephony.Caller
	hub      GatewayHub
	sessions *session.Manager
	persist  JobPersister
	runCall  PipelineFunc

	log *slog.Logger
	met *observe.Metrics

	rotation atomic.Int64
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.met = m }
}

// NewWorker wires the dialing loop to its collaborators.
func NewWorker(cfg WorkerConfig, q Queue, caller telephony.Caller, hub GatewayHub, sessions *session.Manager, persist JobPersister, run PipelineFunc, opts ...WorkerOption) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		cfg:      cfg,
		queue:    q,
		caller:   caller,
		hub:      hub,
		sessions: sessions,
		persist:  persist,
		runCall:  run,
	}
	for _, o := range opts {
		o(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.met == nil {
		w.met = observe.DefaultMetrics()
	}
	return w
}

// Run dials until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx, w.rotateTenants())
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			if !errors.Is(err, ErrNoJob) {
				w.log.Error("dequeue failed", slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.Process(ctx, job)
	}
}

// rotateTenants returns the tenant list advanced by one position per call.
func (w *Worker) rotateTenants() []string {
	n := len(w.cfg.Tenants)
	if n == 0 {
		return nil
	}
	start := int(w.rotation.Add(1)-1) % n
	out := make([]string, 0, n)
	out = append(out, w.cfg.Tenants[start:]...)
	out = append(out, w.cfg.Tenants[:start]...)
	return out
}

// Process runs one dequeued job to a settled state.
func (w *Worker) Process(ctx context.Context, job *Job) {
	log := w.log.With(
		slog.String("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.Int("attempt", job.AttemptNumber),
	)

	now := time.Now().UTC()
	job.Status = StatusProcessing
	job.ProcessedAt = &now
	job.CallID = uuid.NewString()
	if err := w.persist.SaveJob(ctx, job); err != nil {
		log.Error("persist processing status failed", slog.String("error", err.Error()))
	}

	sess := &session.CallSession{
		CallID:     job.CallID,
		TenantID:   job.TenantID,
		CampaignID: job.CampaignID,
		LeadID:     job.LeadID,
	}
	if err := w.sessions.Create(ctx, sess); err != nil {
		log.Error("session create failed", slog.String("error", err.Error()))
		w.settle(ctx, job, OutcomeFailed, err)
		return
	}
	defer func() {
		if err := w.sessions.End(context.WithoutCancel(ctx), job.CallID); err != nil {
			log.Warn("session end failed", slog.String("error", err.Error()))
		}
	}()

	outcome, err := w.attempt(ctx, job, log)
	w.met.RecordCallPlaced(ctx, job.TenantID, string(outcome))
	w.settle(ctx, job, outcome, err)
}

// attempt places the call and drives it to an outcome.
func (w *Worker) attempt(ctx context.Context, job *Job, log *slog.Logger) (CallOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.MaxCallDuration)
	defer cancel()

	ref, err := w.caller.PlaceCall(callCtx, telephony.CallRequest{
		CallID:      job.CallID,
		To:          job.PhoneNumber,
		From:        w.cfg.FromNumber,
		StreamURL:   w.cfg.StreamURL,
		RingTimeout: w.cfg.RingTimeout,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("dialer: place call: %w", err)
	}

	for {
		select {
		case <-callCtx.Done():
			_ = w.caller.Hangup(context.WithoutCancel(ctx), ref.ProviderCallID)
			return OutcomeTimeout, nil

		case ev, ok := <-ref.Events:
			if !ok {
				// Carrier closed the stream without a terminal status.
				return OutcomeFailed, errors.New("dialer: carrier event stream closed")
			}
			log.Debug("call status", slog.String("status", string(ev.Status)))

			switch ev.Status {
			case telephony.StatusBusy:
				return OutcomeBusy, nil
			case telephony.StatusNoAnswer:
				return OutcomeNoAnswer, nil
			case telephony.StatusFailed:
				return OutcomeFailed, nil
			case telephony.StatusCompleted:
				// Ended before media ever connected.
				return OutcomeNoAnswer, nil
			case telephony.StatusAnswered:
				return w.converse(callCtx, job, ref, log)
			}
		}
	}
}

// converse waits for the media stream, runs the pipeline, and maps its result.
func (w *Worker) converse(ctx context.Context, job *Job, ref *telephony.CallRef, log *slog.Logger) (CallOutcome, error) {
	connectCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	gw, err := w.hub.Await(connectCtx, job.CallID)
	cancel()
	if err != nil {
		_ = w.caller.Hangup(context.WithoutCancel(ctx), ref.ProviderCallID)
		return OutcomeFailed, fmt.Errorf("dialer: media stream never connected: %w", err)
	}

	res := w.runCall(ctx, gw, job)
	_ = w.caller.Hangup(context.WithoutCancel(ctx), ref.ProviderCallID)

	switch res.Outcome {
	case pipeline.OutcomeGoalAchieved:
		return OutcomeGoalAchieved, nil
	case pipeline.OutcomeFailed:
		return OutcomeFailed, res.Err
	default:
		return OutcomeAnswered, nil
	}
}

// settle applies the retry policy and persists the job's settled state.
func (w *Worker) settle(ctx context.Context, job *Job, outcome CallOutcome, callErr error) {
	now := time.Now().UTC()
	job.LastOutcome = outcome
	job.LastError = ""
	if callErr != nil {
		job.LastError = callErr.Error()
	}

	decision := w.cfg.Policy.Decide(outcome, job.AttemptNumber, now)
	log := w.log.With(
		slog.String("job_id", job.ID),
		slog.String("outcome", string(outcome)),
		slog.String("action", string(decision.Action)),
	)

	switch decision.Action {
	case ActionSuccess:
		job.Status = StatusCompleted
		job.CompletedAt = &now
		if err := w.queue.Complete(ctx, job); err != nil {
			log.Error("queue complete failed", slog.String("error", err.Error()))
		}

	case ActionRetry:
		job.AttemptNumber++
		if err := w.queue.ScheduleRetry(ctx, job, decision.RetryAt); err != nil {
			log.Error("schedule retry failed", slog.String("error", err.Error()))
			job.Status = StatusFailed
			job.CompletedAt = &now
		}

	case ActionGiveUp:
		job.Status = StatusFailed
		job.CompletedAt = &now
		if err := w.queue.Complete(ctx, job); err != nil {
			log.Error("queue complete failed", slog.String("error", err.Error()))
		}

	case ActionNonRetryable:
		job.Status = StatusNonRetryable
		job.CompletedAt = &now
		if err := w.queue.Complete(ctx, job); err != nil {
			log.Error("queue complete failed", slog.String("error", err.Error()))
		}
	}

	if err := w.persist.SaveJob(ctx, job); err != nil {
		log.Error("persist settled job failed", slog.String("error", err.Error()))
	}
	log.Info("job settled", slog.String("status", string(job.Status)))
}
