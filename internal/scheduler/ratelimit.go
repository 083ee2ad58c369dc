package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/metrics"
	"github.com/ChuLiYu/falcon-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// rateLimitOrQueue moves due jobs forward: to rate-limited when the policy
// yields keys for them, straight to queued otherwise.
func (s *Scheduler) rateLimitOrQueue(epoch uint64, docs []types.JobDocument) {
	if len(docs) == 0 {
		return
	}
	var direct []types.JobDocument
	for _, doc := range docs {
		keys := s.cfg.Policy.Keys(doc.Definition)
		if len(keys) == 0 {
			direct = append(direct, doc)
			continue
		}
		if !s.current(epoch) {
			return
		}
		err := s.ds.MarkRateLimited(s.ctx, doc, keys)
		if s.expected("mark_rate_limited", doc.ID(), err) {
			continue
		}
		s.cfg.Metrics.RecordRateLimited()
		s.log.Debug("job rate limited", "jobID", doc.ID(), "keys", keys)
	}

	if len(direct) == 0 || !s.current(epoch) {
		return
	}
	err := s.ds.QueueJobs(s.ctx, direct)
	failed := 0
	for _, e := range splitJoined(err) {
		failed++
		s.expected("queue", "", e)
	}
	s.cfg.Metrics.RecordQueued(metrics.SourceDirect, len(direct)-failed)
	s.log.Debug("jobs queued", "jobs", len(direct)-failed, "failed", failed)
}

// expected handles the error of one transition. Precondition failures and
// missing jobs are normal under duplicate delivery and only logged; anything
// else is reported. It returns true when err was not nil.
func (s *Scheduler) expected(op string, id types.JobID, err error) bool {
	switch {
	case err == nil:
		return false
	case datastore.IsPrecondition(err):
		s.cfg.Metrics.RecordPreconditionFailure(op)
		s.log.Debug("transition skipped", "op", op, "jobID", id, "error", err)
	case errors.Is(err, datastore.ErrNotFound):
		s.log.Debug("job vanished before transition", "op", op, "jobID", id)
	case errors.Is(err, context.Canceled), errors.Is(err, datastore.ErrClosed):
		s.log.Debug("transition abandoned", "op", op, "jobID", id, "error", err)
	default:
		s.cfg.Reporter.Report("scheduler", fmt.Errorf("%s: %w", op, err), "jobID", id)
	}
	return true
}

func splitJoined(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// onRateLimits feeds each unsatisfied row into the admission queue of its key.
func (s *Scheduler) onRateLimits(epoch uint64, rls []types.RateLimit) {
	for _, rl := range rls {
		if rl.Satisfied() {
			continue
		}
		q := s.queueFor(epoch, rl.Key)
		if q == nil {
			return
		}
		rl := rl
		_, err := q.Enqueue(ratelimit.Task{
			ID:       rl.ID(),
			Priority: rl.ScheduledAt,
			Run:      func(ctx context.Context) error { return s.satisfy(ctx, epoch, rl) },
		})
		if err != nil && !errors.Is(err, ratelimit.ErrQueueClosed) {
			s.cfg.Reporter.Report("scheduler", fmt.Errorf("enqueue rate limit %s: %w", rl.ID(), err))
		}
	}
}

// queueFor returns the admission queue of key, creating it on first use.
func (s *Scheduler) queueFor(epoch uint64, key string) *ratelimit.AdmissionQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning || s.epoch != epoch {
		return nil
	}
	if q, ok := s.queues[key]; ok {
		return q
	}
	q := ratelimit.NewAdmissionQueue(ratelimit.QueueConfig{
		Key:    key,
		QPS:    s.cfg.Policy.QPS(key),
		Clock:  s.cfg.Clock,
		Logger: s.log,
		OnError: func(t ratelimit.Task, err error) {
			s.cfg.Reporter.Report("scheduler", fmt.Errorf("admission task %s: %w", t.ID, err), "key", key)
		},
	})
	s.queues[key] = q
	s.cfg.Metrics.SetAdmissionQueues(len(s.queues))
	s.log.Debug("admission queue opened", "key", key, "qps", s.cfg.Policy.QPS(key))
	return q
}

// satisfy runs inside an admission queue. Expected failures are swallowed
// so that OnError only sees real ones.
func (s *Scheduler) satisfy(ctx context.Context, epoch uint64, rl types.RateLimit) error {
	if !s.enter(epoch) {
		return nil
	}
	defer s.leave()

	queued, err := s.ds.MarkRateLimitSatisfied(ctx, rl)
	switch {
	case err == nil:
	case datastore.IsPrecondition(err):
		s.cfg.Metrics.RecordPreconditionFailure("mark_rate_limit_satisfied")
		s.log.Debug("rate limit already satisfied", "rateLimit", rl.ID(), "error", err)
		return nil
	case errors.Is(err, datastore.ErrNotFound), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
	if queued {
		s.cfg.Metrics.RecordQueued(metrics.SourceRateLimit, 1)
		s.log.Debug("rate-limited job queued", "jobID", rl.JobID)
	}
	return nil
}
