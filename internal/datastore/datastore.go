// ============================================================================
// Falcon Scheduler - Datastore 邊界
// ============================================================================
//
// Package: internal/datastore
// 文件: datastore.go
// 功能: scheduler、processor 與 watchdog 使用的儲存契約
//
// 狀態轉移:
//   每次狀態變更都是一個交易，並以儲存中的狀態作為前置條件。
//   不符時返回 *PreconditionError（errors.Is ErrPreconditionFailed），
//   呼叫者視為「別的節點已經處理」。
//
//   registered   --QueueJobs-------------->  queued
//   registered   --MarkRateLimited-------->  rate-limited（+ RateLimit 紀錄）
//   rate-limited --MarkRateLimitSatisfied->  queued（所有紀錄都滿足後）
//   queued       --MarkJobAsRunning------->  running
//   running      --MarkJobAsComplete------>  completed
//   running      --MarkJobAsDead---------->  dead
//
// 排序:
//   分頁讀取依 (scheduledAt, id) 排序，從 Cursor 之後嚴格接續。
//
// ============================================================================

package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/sharding"
	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("datastore: job not found")
	// ErrDuplicateJob is returned when scheduling an ID twice.
	ErrDuplicateJob = errors.New("datastore: job already exists")
	// ErrPreconditionFailed matches every *PreconditionError.
	ErrPreconditionFailed = errors.New("datastore: precondition failed")
	// ErrInvalidArgument wraps synchronous validation failures.
	ErrInvalidArgument = errors.New("datastore: invalid argument")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("datastore: closed")
)

// PreconditionError reports a transition attempted from the wrong status.
type PreconditionError struct {
	JobID    types.JobID
	Expected []types.StatusValue
	Actual   types.StatusValue
}

func (e *PreconditionError) Error() string {
	want := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		want[i] = string(s)
	}
	return fmt.Sprintf("datastore: precondition failed for job %s: status is %s, want %s",
		e.JobID, e.Actual, strings.Join(want, "|"))
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

// CheckStatus returns a *PreconditionError unless actual is one of expected.
func CheckStatus(id types.JobID, actual types.StatusValue, expected ...types.StatusValue) error {
	for _, s := range expected {
		if s == actual {
			return nil
		}
	}
	return &PreconditionError{JobID: id, Expected: expected, Actual: actual}
}

// IsPrecondition reports whether err is (or wraps) a precondition failure.
func IsPrecondition(err error) bool { return errors.Is(err, ErrPreconditionFailed) }

// Cursor resumes pagination strictly after (ScheduledAt, ID).
type Cursor struct {
	ScheduledAt time.Time
	ID          types.JobID
}

// CursorOf returns the cursor positioned on doc.
func CursorOf(doc types.JobDocument) *Cursor {
	return &Cursor{ScheduledAt: doc.Definition.ScheduledAt, ID: doc.ID()}
}

// After reports whether doc sorts strictly after c. A nil cursor admits all.
func (c *Cursor) After(doc types.JobDocument) bool {
	if c == nil {
		return true
	}
	at := doc.Definition.ScheduledAt
	if at.Equal(c.ScheduledAt) {
		return doc.ID() > c.ID
	}
	return at.After(c.ScheduledAt)
}

// Less orders documents by (scheduledAt, id).
func Less(a, b types.JobDocument) bool {
	if a.Definition.ScheduledAt.Equal(b.Definition.ScheduledAt) {
		return a.ID() < b.ID()
	}
	return a.Definition.ScheduledAt.Before(b.Definition.ScheduledAt)
}

// ScheduleArgs registers a job. An empty ID gets a generated one.
type ScheduleArgs struct {
	ID          types.JobID
	ScheduledAt time.Time
	Request     types.HTTPRequestSpec
}

// Validate checks the arguments that do not depend on storage.
func (a ScheduleArgs) Validate() error {
	if a.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduled_at is required", ErrInvalidArgument)
	}
	if a.Request.URL == "" {
		return fmt.Errorf("%w: request url is required", ErrInvalidArgument)
	}
	return nil
}

// ShardsForSchedule runs fn and validates its output.
func ShardsForSchedule(id types.JobID, fn sharding.Func) ([]string, error) {
	if fn == nil {
		fn = sharding.Default
	}
	shards := fn(id)
	if err := sharding.ValidateShards(shards); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return shards, nil
}

// RegisteredQuery selects registered jobs with
// MinScheduledAt <= scheduledAt < MaxScheduledAt.
type RegisteredQuery struct {
	MinScheduledAt *time.Time // nil means unbounded
	MaxScheduledAt time.Time
	Limit          int
	After          *Cursor
	Shards         *types.ShardsToListenTo
}

// Admits reports whether doc falls inside the query bounds, ignoring status
// and limit.
func (q RegisteredQuery) Admits(doc types.JobDocument) bool {
	at := doc.Definition.ScheduledAt
	if q.MinScheduledAt != nil && at.Before(*q.MinScheduledAt) {
		return false
	}
	if !at.Before(q.MaxScheduledAt) {
		return false
	}
	return q.After.After(doc) && q.Shards.Matches(doc.Shards)
}

// QueueQuery selects queued jobs.
type QueueQuery struct {
	Limit  int
	After  *Cursor
	Shards *types.ShardsToListenTo
}

// IsShortNotice reports whether a job was registered less than maxNotice
// before it is due.
func IsShortNotice(doc types.JobDocument, maxNotice time.Duration) bool {
	if doc.Status.RegisteredAt == nil {
		return false
	}
	return doc.Definition.ScheduledAt.Sub(*doc.Status.RegisteredAt) < maxNotice
}

// Datastore is the persistent job store.
type Datastore interface {
	// Schedule creates a registered job. Shards come from shardFn and must be
	// contiguous from node count 2.
	Schedule(ctx context.Context, args ScheduleArgs, shardFn sharding.Func) (types.JobID, error)

	GetRegisteredJobsByScheduledAt(ctx context.Context, q RegisteredQuery) ([]types.JobDocument, error)
	// WaitForRegisteredJobsByRegisteredAt pushes jobs registered after the
	// subscription whose notice is shorter than maxNotice.
	WaitForRegisteredJobsByRegisteredAt(maxNotice time.Duration, shards *types.ShardsToListenTo,
		fn func([]types.JobDocument)) (stream.Subscription, error)

	GetJobsInQueue(ctx context.Context, q QueueQuery) ([]types.JobDocument, error)
	// WaitForNextJobsInQueue pushes newly queued jobs, and the current queue
	// on subscribe when it is not empty.
	WaitForNextJobsInQueue(shards *types.ShardsToListenTo, fn func([]types.JobDocument)) (stream.Subscription, error)
	// WaitForRateLimits pushes every unsatisfied rate-limit row on
	// subscribe and new rows as they are created.
	WaitForRateLimits(shards *types.ShardsToListenTo, fn func([]types.RateLimit)) (stream.Subscription, error)

	// QueueJobs moves registered jobs to queued, one transaction per job.
	// Failures are joined.
	QueueJobs(ctx context.Context, jobs []types.JobDocument) error
	// MarkRateLimited moves a registered job to rate-limited and creates one
	// RateLimit row per key in the same transaction.
	MarkRateLimited(ctx context.Context, job types.JobDocument, keys []string) error
	// MarkRateLimitSatisfied satisfies one row and queues the job when it was
	// the last unsatisfied one. It reports whether the job was queued.
	MarkRateLimitSatisfied(ctx context.Context, rl types.RateLimit) (bool, error)
	// MarkJobAsRunning stores status if the job is queued.
	MarkJobAsRunning(ctx context.Context, id types.JobID, status types.JobStatus) error
	// MarkJobAsComplete stores status if the job still has lastStatus.
	MarkJobAsComplete(ctx context.Context, id types.JobID, lastStatus, status types.JobStatus) error
	// MarkJobAsDead stores status if the job is running.
	MarkJobAsDead(ctx context.Context, id types.JobID, status types.JobStatus) error
	GetRunningJobsStartedBefore(ctx context.Context, before time.Time, limit int,
		shards *types.ShardsToListenTo) ([]types.JobDocument, error)

	// Cancel deletes a registered or rate-limited job.
	Cancel(ctx context.Context, id types.JobID) error
	Get(ctx context.Context, id types.JobID) (types.JobDocument, error)
	CountByStatus(ctx context.Context) (map[types.StatusValue]int, error)
	Close() error
}
