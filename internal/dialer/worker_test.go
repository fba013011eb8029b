package dialer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dialvox/dialvox/internal/pipeline"
	"github.com/dialvox/dialvox/internal/session"
	"github.com/dialvox/dialvox/pkg/media"
	gwmock "github.com/dialvox/dialvox/pkg/media/mock"
	"github.com/dialvox/dialvox/pkg/provider/telephony"
	telmock "github.com/dialvox/dialvox/pkg/provider/telephony/mock"
)

type retryCall struct {
	job *Job
	at  time.Time
}

type fakeQueue struct {
	mu        sync.Mutex
	retries   []retryCall
	completes []*Job
}

func (q *fakeQueue) Dequeue(context.Context, []string) (*Job, error) {
	return nil, ErrNoJob
}

func (q *fakeQueue) ScheduleRetry(_ context.Context, job *Job, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	q.retries = append(q.retries, retryCall{job: &cp, at: at})
	return nil
}

func (q *fakeQueue) Complete(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	q.completes = append(q.completes, &cp)
	return nil
}

type fakePersister struct {
	mu    sync.Mutex
	saves []Job
}

func (p *fakePersister) SaveJob(_ context.Context, job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, *job)
	return nil
}

func (p *fakePersister) last(t *testing.T) Job {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saves) == 0 {
		t.Fatal("no job rows persisted")
	}
	return p.saves[len(p.saves)-1]
}

type fakeHub struct {
	gw  media.Gateway
	err error
}

func (h *fakeHub) Await(ctx context.Context, _ string) (media.Gateway, error) {
	if h.err != nil {
		return nil, h.err
	}
	if h.gw == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return h.gw, nil
}

type workerHarness struct {
	queue   *fakeQueue
	caller  *telmock.Caller
	hub     *fakeHub
	persist *fakePersister
	w       *Worker
}

func newHarness(t *testing.T, script []telephony.CallStatus, result pipeline.Result) *workerHarness {
	t.Helper()
	sessions, err := session.NewManager(nil, true)
	if err != nil {
		t.Fatalf("session.NewManager() error: %v", err)
	}
	h := &workerHarness{
		queue:   &fakeQueue{},
		caller:  &telmock.Caller{Script: script},
		hub:     &fakeHub{gw: &gwmock.Gateway{}},
		persist: &fakePersister{},
	}
	run := func(context.Context, media.Gateway, *Job) pipeline.Result { return result }
	h.w = NewWorker(WorkerConfig{
		Tenants:        []string{"acme"},
		FromNumber:     "+15550000",
		StreamURL:      "wss://dialvox.test/media",
		ConnectTimeout: 100 * time.Millisecond,
	}, h.queue, h.caller, h.hub, sessions, h.persist, run)
	return h
}

func TestProcessBusySchedulesRetry(t *testing.T) {
	h := newHarness(t, []telephony.CallStatus{telephony.StatusQueued, telephony.StatusRinging, telephony.StatusBusy}, pipeline.Result{})
	job := validJob()

	before := time.Now()
	h.w.Process(context.Background(), job)

	if len(h.queue.retries) != 1 {
		t.Fatalf("retries = %d, want 1", len(h.queue.retries))
	}
	r := h.queue.retries[0]
	if r.job.AttemptNumber != 2 {
		t.Errorf("attempt = %d, want incremented to 2", r.job.AttemptNumber)
	}
	delay := r.at.Sub(before)
	if delay < 2*time.Hour-time.Minute || delay > 2*time.Hour+time.Minute {
		t.Errorf("retry delay = %v, want ~2h", delay)
	}
	saved := h.persist.last(t)
	if saved.Status != StatusRetryScheduled || saved.LastOutcome != OutcomeBusy {
		t.Errorf("persisted status/outcome = %s/%s", saved.Status, saved.LastOutcome)
	}
	if len(h.queue.completes) != 0 {
		t.Error("retryable outcome released the job as complete")
	}
}

func TestProcessMaxAttemptsFails(t *testing.T) {
	h := newHarness(t, []telephony.CallStatus{telephony.StatusNoAnswer}, pipeline.Result{})
	job := validJob()
	job.AttemptNumber = 3

	h.w.Process(context.Background(), job)

	if len(h.queue.retries) != 0 {
		t.Error("attempt 3 was scheduled for retry")
	}
	saved := h.persist.last(t)
	if saved.Status != StatusFailed {
		t.Errorf("status = %s, want failed after exhausting attempts", saved.Status)
	}
	if saved.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal status")
	}
}

func TestProcessAnsweredRunsPipeline(t *testing.T) {
	h := newHarness(t,
		[]telephony.CallStatus{telephony.StatusRinging, telephony.StatusAnswered},
		pipeline.Result{Outcome: pipeline.OutcomeGoalAchieved, Turns: 4},
	)
	job := validJob()

	h.w.Process(context.Background(), job)

	saved := h.persist.last(t)
	if saved.Status != StatusCompleted || saved.LastOutcome != OutcomeGoalAchieved {
		t.Errorf("persisted status/outcome = %s/%s", saved.Status, saved.LastOutcome)
	}
	if saved.CallID == "" {
		t.Error("job not linked to a call_id")
	}
	if len(h.caller.Hangups()) != 1 {
		t.Errorf("hangups = %d, want 1 after the conversation", len(h.caller.Hangups()))
	}
	placed := h.caller.Placed()
	if len(placed) != 1 || placed[0].To != job.PhoneNumber || placed[0].From != "+15550000" {
		t.Errorf("placed = %+v", placed)
	}
}

func TestProcessPipelineFailureRetries(t *testing.T) {
	h := newHarness(t,
		[]telephony.CallStatus{telephony.StatusAnswered},
		pipeline.Result{Outcome: pipeline.OutcomeFailed, Err: errors.New("stt died")},
	)
	job := validJob()

	h.w.Process(context.Background(), job)

	if len(h.queue.retries) != 1 {
		t.Fatalf("retries = %d, want 1 for a failed call", len(h.queue.retries))
	}
	if h.queue.retries[0].job.LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestProcessMediaNeverConnects(t *testing.T) {
	h := newHarness(t, []telephony.CallStatus{telephony.StatusAnswered}, pipeline.Result{})
	h.hub.gw = nil // Await blocks until the connect timeout.
	job := validJob()

	h.w.Process(context.Background(), job)

	saved := h.persist.last(t)
	if saved.LastOutcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed when media never connects", saved.LastOutcome)
	}
	if len(h.caller.Hangups()) != 1 {
		t.Error("dangling carrier call not hung up")
	}
}

func TestProcessPlaceCallError(t *testing.T) {
	h := newHarness(t, nil, pipeline.Result{})
	h.caller.PlaceErr = errors.New("carrier 500")
	job := validJob()

	h.w.Process(context.Background(), job)

	saved := h.persist.last(t)
	if saved.LastOutcome != OutcomeFailed || saved.LastError == "" {
		t.Errorf("persisted outcome/error = %s/%q", saved.LastOutcome, saved.LastError)
	}
}

func TestSettleNonRetryableSpam(t *testing.T) {
	h := newHarness(t, nil, pipeline.Result{})
	job := validJob()

	h.w.settle(context.Background(), job, OutcomeSpam, nil)

	if len(h.queue.retries) != 0 {
		t.Error("spam outcome entered the scheduled set")
	}
	saved := h.persist.last(t)
	if saved.Status != StatusNonRetryable {
		t.Errorf("status = %s, want non_retryable", saved.Status)
	}
}

func TestRotateTenantsRoundRobin(t *testing.T) {
	h := newHarness(t, nil, pipeline.Result{})
	h.w.cfg.Tenants = []string{"a", "b", "c"}
	h.w.rotation.Store(0)

	got := [][]string{h.w.rotateTenants(), h.w.rotateTenants(), h.w.rotateTenants(), h.w.rotateTenants()}
	want := [][]string{
		{"a", "b", "c"},
		{"b", "c", "a"},
		{"c", "a", "b"},
		{"a", "b", "c"},
	}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("rotation %d = %v, want %v", i, got[i], want[i])
			}
		}
	}
}
