// Package queue implements the Redis-backed dialer job queues: a shared
// priority queue, per-tenant FIFO queues, a scheduled-retry sorted set, and
// the in-flight processing set.
//
// All coordination is Redis-side atomic operations; the service holds no
// application-level locks, so any number of workers and promoters can share
// the same keys.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/observe"
)

const (
	keyPriority   = "dialer:priority:queue"
	keyScheduled  = "dialer:scheduled"
	keyProcessing = "dialer:processing"
	keyStats      = "dialer:stats"
)

// tenantKey returns the FIFO list key for one tenant's normal-priority jobs.
func tenantKey(tenantID string) string {
	return "dialer:tenant:" + tenantID + ":queue"
}

// ErrEmpty is returned by Dequeue when no job is available on any consulted
// queue. It aliases the dialer's sentinel so workers can match it without a
// circular import.
var ErrEmpty = dialer.ErrNoJob

// defaultPromoteInterval is how often the promoter scans the scheduled set.
const defaultPromoteInterval = 30 * time.Second

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	PriorityDepth  int64
	ScheduledCount int64
	ProcessingSize int64

	// Counters mirrors the dialer:stats hash (enqueued, dequeued, retried,
	// completed).
	Counters map[string]int64
}

// Service is the queue client. Safe for concurrent use.
type Service struct {
	rdb             redis.UniversalClient
	log             *slog.Logger
	met             *observe.Metrics
	promoteInterval time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.met = m }
}

// WithPromoteInterval overrides the promoter scan interval.
func WithPromoteInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.promoteInterval = d
		}
	}
}

// New constructs a Service over an established Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Service {
	s := &Service{
		rdb:             rdb,
		promoteInterval: defaultPromoteInterval,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.met == nil {
		s.met = observe.DefaultMetrics()
	}
	return s
}

// Enqueue routes the job by priority: at or above the threshold it is pushed
// to the head of the shared priority queue (deliberately LIFO, so freshly
// escalated jobs jump the line); below it, to the tail of the tenant FIFO.
func (s *Service) Enqueue(ctx context.Context, job *dialer.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	payload, err := job.Encode()
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	if job.Priority >= dialer.PriorityThreshold {
		pipe.LPush(ctx, keyPriority, payload)
	} else {
		pipe.RPush(ctx, tenantKey(job.TenantID), payload)
	}
	pipe.HIncrBy(ctx, keyStats, "enqueued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}

	s.met.JobsEnqueued.Add(ctx, 1)
	s.log.Debug("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.Int("priority", job.Priority),
	)
	return nil
}

// dequeueScript pops a job and records it in the processing set in one
// server-side step, so a worker crash between the two can never leave a job
// in neither place.
var dequeueScript = redis.NewScript(`
local payload = redis.call("LPOP", KEYS[1])
if not payload then
  return false
end
local job = cjson.decode(payload)
redis.call("SADD", KEYS[2], job.job_id)
redis.call("HINCRBY", KEYS[3], "dequeued", 1)
return payload
`)

// Dequeue pops the next job: the priority queue first, then each tenant queue
// in the caller's order. Callers rotate tenantIDs between calls for fairness.
// The pop and the processing-set insert happen atomically on the Redis side.
func (s *Service) Dequeue(ctx context.Context, tenantIDs []string) (*dialer.Job, error) {
	payload, err := s.popToProcessing(ctx, keyPriority)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		for _, tid := range tenantIDs {
			payload, err = s.popToProcessing(ctx, tenantKey(tid))
			if err != nil {
				return nil, err
			}
			if payload != nil {
				break
			}
		}
	}
	if payload == nil {
		return nil, ErrEmpty
	}

	job, err := dialer.DecodeJob(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	job.Status = dialer.StatusProcessing
	return job, nil
}

func (s *Service) popToProcessing(ctx context.Context, key string) ([]byte, error) {
	res, err := dequeueScript.Run(ctx, s.rdb, []string{key, keyProcessing, keyStats}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("queue: pop %s: %w", key, err)
	}
	payload, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("queue: pop %s: unexpected script result %T", key, res)
	}
	return []byte(payload), nil
}

// ScheduleRetry parks the job in the scheduled set keyed by its execute-at
// time and releases its processing membership.
func (s *Service) ScheduleRetry(ctx context.Context, job *dialer.Job, at time.Time) error {
	job.Status = dialer.StatusRetryScheduled
	job.ScheduledAt = at
	payload, err := job.Encode()
	if err != nil {
		return fmt.Errorf("queue: schedule retry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyScheduled, redis.Z{Score: float64(at.Unix()), Member: payload})
	pipe.SRem(ctx, keyProcessing, job.ID)
	pipe.HIncrBy(ctx, keyStats, "retried", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: schedule retry %s: %w", job.ID, err)
	}

	s.met.JobsRetried.Add(ctx, 1)
	s.log.Info("retry scheduled",
		slog.String("job_id", job.ID),
		slog.Time("at", at),
		slog.Int("attempt", job.AttemptNumber),
	)
	return nil
}

// PromoteDue moves every scheduled job whose execute-at has passed back onto
// its queue and returns how many were promoted. ZRem guards each member: a
// job is promoted only by the promoter that actually removed it, so
// concurrent promoters never double-enqueue.
func (s *Service) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := s.rdb.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan scheduled: %w", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := s.rdb.ZRem(ctx, keyScheduled, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("queue: remove scheduled: %w", err)
		}
		if removed == 0 {
			// Another promoter won this member.
			continue
		}

		job, err := dialer.DecodeJob([]byte(member))
		if err != nil {
			s.log.Error("dropping undecodable scheduled job", slog.String("error", err.Error()))
			continue
		}
		job.Status = dialer.StatusPending
		if err := s.rdb.SRem(ctx, keyProcessing, job.ID).Err(); err != nil {
			return promoted, fmt.Errorf("queue: clear processing %s: %w", job.ID, err)
		}
		if err := s.Enqueue(ctx, job); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Complete releases the job's processing membership after a terminal outcome.
func (s *Service) Complete(ctx context.Context, job *dialer.Job) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, keyProcessing, job.ID)
	pipe.HIncrBy(ctx, keyStats, "completed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.ID, err)
	}
	return nil
}

// Stats reads queue depths and hash counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	var err error
	if st.PriorityDepth, err = s.rdb.LLen(ctx, keyPriority).Result(); err != nil {
		return st, fmt.Errorf("queue: stats: %w", err)
	}
	if st.ScheduledCount, err = s.rdb.ZCard(ctx, keyScheduled).Result(); err != nil {
		return st, fmt.Errorf("queue: stats: %w", err)
	}
	if st.ProcessingSize, err = s.rdb.SCard(ctx, keyProcessing).Result(); err != nil {
		return st, fmt.Errorf("queue: stats: %w", err)
	}

	raw, err := s.rdb.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return st, fmt.Errorf("queue: stats: %w", err)
	}
	st.Counters = make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		st.Counters[k] = n
	}
	return st, nil
}

// TenantDepth returns the FIFO depth for one tenant.
func (s *Service) TenantDepth(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.rdb.LLen(ctx, tenantKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: tenant depth %s: %w", tenantID, err)
	}
	return n, nil
}

// RunPromoter periodically promotes due scheduled jobs until ctx is done.
func (s *Service) RunPromoter(ctx context.Context) {
	ticker := time.NewTicker(s.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PromoteDue(ctx, time.Now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("promoter pass failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.log.Info("promoted scheduled jobs", slog.Int("count", n))
			}
		}
	}
}
