package queue

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/dialer"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

// inProcessing reports membership of the processing set.
func inProcessing(t *testing.T, mr *miniredis.Miniredis, jobID string) bool {
	t.Helper()
	if !mr.Exists("dialer:processing") {
		return false
	}
	ok, err := mr.IsMember("dialer:processing", jobID)
	if err != nil {
		t.Fatalf("IsMember() error: %v", err)
	}
	return ok
}

func testJob(id, tenant string, priority int) *dialer.Job {
	return &dialer.Job{
		ID:            id,
		CampaignID:    "camp-1",
		LeadID:        "lead-" + id,
		TenantID:      tenant,
		PhoneNumber:   "+15550100",
		Priority:      priority,
		Status:        dialer.StatusPending,
		AttemptNumber: 1,
		CreatedAt:     time.Unix(1700000000, 0).UTC(),
		ScheduledAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestEnqueuePriorityRouting(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	// Exactly at the threshold routes to the priority queue; one below does not.
	if err := s.Enqueue(ctx, testJob("high", "acme", 8)); err != nil {
		t.Fatalf("Enqueue(p=8) error: %v", err)
	}
	if err := s.Enqueue(ctx, testJob("normal", "acme", 7)); err != nil {
		t.Fatalf("Enqueue(p=7) error: %v", err)
	}

	if n, _ := mr.List("dialer:priority:queue"); len(n) != 1 {
		t.Errorf("priority queue depth = %d, want 1", len(n))
	}
	if n, _ := mr.List("dialer:tenant:acme:queue"); len(n) != 1 {
		t.Errorf("tenant queue depth = %d, want 1", len(n))
	}
}

func TestPriorityQueueIsLIFO(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, testJob("older", "acme", 9))
	_ = s.Enqueue(ctx, testJob("fresher", "acme", 9))

	job, err := s.Dequeue(ctx, nil)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job.ID != "fresher" {
		t.Errorf("dequeued %q, want the freshest high-priority job", job.ID)
	}
}

func TestTenantQueueIsFIFO(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, testJob("first", "acme", 5))
	_ = s.Enqueue(ctx, testJob("second", "acme", 5))

	job, err := s.Dequeue(ctx, []string{"acme"})
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job.ID != "first" {
		t.Errorf("dequeued %q, want FIFO order", job.ID)
	}
}

func TestDequeuePrefersPriorityQueue(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, testJob("normal", "acme", 5))
	_ = s.Enqueue(ctx, testJob("urgent", "acme", 9))

	job, err := s.Dequeue(ctx, []string{"acme"})
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job.ID != "urgent" {
		t.Errorf("dequeued %q, want the priority job first", job.ID)
	}
}

func TestDequeueFollowsTenantOrder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, testJob("a-job", "alpha", 5))
	_ = s.Enqueue(ctx, testJob("b-job", "beta", 5))

	job, err := s.Dequeue(ctx, []string{"beta", "alpha"})
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job.TenantID != "beta" {
		t.Errorf("dequeued tenant %q, want the first in caller order", job.TenantID)
	}
}

func TestDequeueEmptyReturnsErrEmpty(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Dequeue(context.Background(), []string{"acme"}); !errors.Is(err, ErrEmpty) {
		t.Errorf("Dequeue() error = %v, want ErrEmpty", err)
	}
}

func TestDequeueMarksProcessing(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, testJob("j1", "acme", 5))
	job, err := s.Dequeue(ctx, []string{"acme"})
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job.Status != dialer.StatusProcessing {
		t.Errorf("status = %q, want processing", job.Status)
	}
	if !inProcessing(t, mr, "j1") {
		t.Error("job not in processing set")
	}

	if err := s.Complete(ctx, job); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if inProcessing(t, mr, "j1") {
		t.Error("job still in processing set after Complete")
	}
}

func TestDequeueMovesJobServerSide(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	_ = s.Enqueue(ctx, testJob("mv1", "acme", 9))
	job, err := s.Dequeue(ctx, nil)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job.ID != "mv1" {
		t.Fatalf("dequeued %q, want mv1", job.ID)
	}

	// The pop and the processing insert run as one script, so after Dequeue
	// the job must be out of the queue, in the processing set, and counted —
	// there is no window where it sits in neither place.
	if lst, _ := mr.List("dialer:priority:queue"); len(lst) != 0 {
		t.Errorf("priority queue depth = %d, want 0", len(lst))
	}
	if !inProcessing(t, mr, "mv1") {
		t.Error("job not in processing set")
	}
	if got := mr.HGet("dialer:stats", "dequeued"); got != "1" {
		t.Errorf("dequeued counter = %q, want 1", got)
	}
}

func TestJobSurvivesRoundTrip(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	want := testJob("rt", "acme", 5)
	want.LastOutcome = dialer.OutcomeBusy
	want.LastError = "line busy"
	want.CallID = "call-7"
	_ = s.Enqueue(ctx, want)

	got, err := s.Dequeue(ctx, []string{"acme"})
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	got.Status = want.Status // Dequeue moves it to processing.
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round-tripped job differs:\n got %+v\nwant %+v", got, want)
	}
}

func TestScheduleRetryAndPromoteDue(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	job := testJob("r1", "acme", 5)
	_ = s.Enqueue(ctx, job)
	job, _ = s.Dequeue(ctx, []string{"acme"})

	job.AttemptNumber = 2
	if err := s.ScheduleRetry(ctx, job, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("ScheduleRetry() error: %v", err)
	}
	if inProcessing(t, mr, "r1") {
		t.Error("job still processing after ScheduleRetry")
	}

	// Not due yet.
	n, err := s.PromoteDue(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("PromoteDue() error: %v", err)
	}
	if n != 0 {
		t.Errorf("promoted %d jobs before due time", n)
	}

	// Due: back on the tenant queue with status pending.
	n, err = s.PromoteDue(ctx, now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("PromoteDue() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d jobs, want 1", n)
	}

	got, err := s.Dequeue(ctx, []string{"acme"})
	if err != nil {
		t.Fatalf("Dequeue() after promotion error: %v", err)
	}
	if got.AttemptNumber != 2 {
		t.Errorf("attempt = %d, want 2 preserved through the scheduled set", got.AttemptNumber)
	}
}

func TestPromoteDueExactlyOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s1 := New(rdb)
	s2 := New(rdb)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	job := testJob("once", "acme", 5)
	if err := s1.ScheduleRetry(ctx, job, now); err != nil {
		t.Fatalf("ScheduleRetry() error: %v", err)
	}

	n1, err := s1.PromoteDue(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("first PromoteDue() error: %v", err)
	}
	n2, err := s2.PromoteDue(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("second PromoteDue() error: %v", err)
	}
	if n1+n2 != 1 {
		t.Errorf("total promotions = %d, want exactly 1", n1+n2)
	}
	if depth, _ := s1.TenantDepth(ctx, "acme"); depth != 1 {
		t.Errorf("tenant queue depth = %d, want 1", depth)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	_ = s.Enqueue(ctx, testJob("s1", "acme", 9))
	_ = s.Enqueue(ctx, testJob("s2", "acme", 5))
	job, _ := s.Dequeue(ctx, []string{"acme"})
	_ = s.ScheduleRetry(ctx, job, now.Add(time.Hour))

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if st.PriorityDepth != 0 {
		t.Errorf("PriorityDepth = %d, want 0 after dequeue", st.PriorityDepth)
	}
	if st.ScheduledCount != 1 {
		t.Errorf("ScheduledCount = %d, want 1", st.ScheduledCount)
	}
	if st.Counters["enqueued"] != 2 || st.Counters["retried"] != 1 {
		t.Errorf("Counters = %v", st.Counters)
	}
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	s, _ := newTestService(t)
	bad := testJob("", "acme", 5)
	if err := s.Enqueue(context.Background(), bad); err == nil {
		t.Error("Enqueue() accepted a job without job_id")
	}
}
