// Package datastoretest holds the behaviour every datastore.Datastore
// adapter must share. Adapters call Run from their own tests.
package datastoretest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/sharding"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// Epoch is the virtual clock start used by the suite.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness is one fresh store under test.
type Harness struct {
	Store datastore.Datastore
	Clock *clock.Virtual
	// Sync lets pending watch deliveries happen. Push-based stores leave it
	// nil; polling stores advance the clock by one poll interval.
	Sync func()
}

func (h Harness) sync() {
	if h.Sync != nil {
		h.Sync()
	}
}

// Factory builds a Harness whose store is backed by clock c.
type Factory func(t *testing.T, c *clock.Virtual) Harness

// FixedShards returns a sharding function that puts every job on the
// given node for node count 2 and on node 0 beyond.
func FixedShards(nodeForTwo int) sharding.Func {
	return func(types.JobID) []string {
		return []string{fmt.Sprintf("2-%d", nodeForTwo), "3-0"}
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"ScheduleValidatesShards", testScheduleValidatesShards},
		{"ScheduleRejectsDuplicates", testScheduleRejectsDuplicates},
		{"RegisteredPagination", testRegisteredPagination},
		{"RegisteredWindowBounds", testRegisteredWindowBounds},
		{"ShardFiltering", testShardFiltering},
		{"QueueJobsPrecondition", testQueueJobsPrecondition},
		{"RunningTwiceFails", testRunningTwiceFails},
		{"CompleteAndDead", testCompleteAndDead},
		{"RateLimitGating", testRateLimitGating},
		{"Cancel", testCancel},
		{"ShortNoticeWatch", testShortNoticeWatch},
		{"QueueWatch", testQueueWatch},
		{"RateLimitWatch", testRateLimitWatch},
		{"CountByStatus", testCountByStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := factory(t, clock.NewVirtual(Epoch))
			t.Cleanup(func() { _ = h.Store.Close() })
			tt.fn(t, h)
		})
	}
}

func schedule(t *testing.T, s datastore.Datastore, id string, at time.Time) types.JobDocument {
	t.Helper()
	return scheduleSharded(t, s, id, at, nil)
}

func scheduleSharded(t *testing.T, s datastore.Datastore, id string, at time.Time, fn sharding.Func) types.JobDocument {
	t.Helper()
	ctx := context.Background()
	got, err := s.Schedule(ctx, datastore.ScheduleArgs{
		ID:          types.JobID(id),
		ScheduledAt: at,
		Request:     types.HTTPRequestSpec{URL: "https://example.com/" + id, Method: "POST"},
	}, fn)
	require.NoError(t, err)
	doc, err := s.Get(ctx, got)
	require.NoError(t, err)
	return doc
}

func ids(docs []types.JobDocument) []types.JobID {
	out := make([]types.JobID, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func testScheduleValidatesShards(t *testing.T, h Harness) {
	ctx := context.Background()
	_, err := h.Store.Schedule(ctx, datastore.ScheduleArgs{
		ID: "bad", ScheduledAt: Epoch, Request: types.HTTPRequestSpec{URL: "https://x.io"},
	}, func(types.JobID) []string { return []string{"3-0"} })
	assert.ErrorIs(t, err, datastore.ErrInvalidArgument)
	assert.ErrorIs(t, err, sharding.ErrInvalidShards)

	_, err = h.Store.Get(ctx, "bad")
	assert.ErrorIs(t, err, datastore.ErrNotFound)

	_, err = h.Store.Schedule(ctx, datastore.ScheduleArgs{ScheduledAt: Epoch}, nil)
	assert.ErrorIs(t, err, datastore.ErrInvalidArgument)

	id, err := h.Store.Schedule(ctx, datastore.ScheduleArgs{
		ScheduledAt: Epoch, Request: types.HTTPRequestSpec{URL: "https://x.io"},
	}, nil)
	require.NoError(t, err)
	doc, err := h.Store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRegistered, doc.Status.Value)
	assert.Equal(t, sharding.ShardIndexes(id), doc.Shards)
	assert.Equal(t, "POST", doc.Definition.Request.Method)
}

func testScheduleRejectsDuplicates(t *testing.T, h Harness) {
	schedule(t, h.Store, "dup", Epoch)
	_, err := h.Store.Schedule(context.Background(), datastore.ScheduleArgs{
		ID: "dup", ScheduledAt: Epoch, Request: types.HTTPRequestSpec{URL: "https://x.io"},
	}, nil)
	assert.ErrorIs(t, err, datastore.ErrDuplicateJob)
}

func testRegisteredPagination(t *testing.T, h Harness) {
	ctx := context.Background()
	at := Epoch.Add(time.Minute)
	for _, id := range []string{"c", "a", "b"} {
		schedule(t, h.Store, id, at)
	}
	schedule(t, h.Store, "early", Epoch.Add(time.Second))
	schedule(t, h.Store, "late", Epoch.Add(2*time.Minute))

	q := datastore.RegisteredQuery{MaxScheduledAt: Epoch.Add(time.Hour), Limit: 2}
	var pages [][]types.JobID
	for {
		docs, err := h.Store.GetRegisteredJobsByScheduledAt(ctx, q)
		require.NoError(t, err)
		pages = append(pages, ids(docs))
		if len(docs) < q.Limit {
			break
		}
		q.After = datastore.CursorOf(docs[len(docs)-1])
	}
	assert.Equal(t, [][]types.JobID{{"early", "a"}, {"b", "c"}, {"late"}}, pages)
}

func testRegisteredWindowBounds(t *testing.T, h Harness) {
	ctx := context.Background()
	schedule(t, h.Store, "before", Epoch.Add(59*time.Second))
	schedule(t, h.Store, "at-min", Epoch.Add(60*time.Second))
	schedule(t, h.Store, "inside", Epoch.Add(90*time.Second))
	schedule(t, h.Store, "at-max", Epoch.Add(120*time.Second))

	min := Epoch.Add(60 * time.Second)
	docs, err := h.Store.GetRegisteredJobsByScheduledAt(ctx, datastore.RegisteredQuery{
		MinScheduledAt: &min, MaxScheduledAt: Epoch.Add(120 * time.Second), Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"at-min", "inside"}, ids(docs))

	docs, err = h.Store.GetRegisteredJobsByScheduledAt(ctx, datastore.RegisteredQuery{
		MaxScheduledAt: Epoch.Add(60 * time.Second), Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"before"}, ids(docs))
}

func testShardFiltering(t *testing.T, h Harness) {
	ctx := context.Background()
	job := scheduleSharded(t, h.Store, "on-one", Epoch, FixedShards(1))
	require.NoError(t, h.Store.QueueJobs(ctx, []types.JobDocument{job}))

	query := func(shards *types.ShardsToListenTo) []types.JobID {
		docs, err := h.Store.GetJobsInQueue(ctx, datastore.QueueQuery{Limit: 10, Shards: shards})
		require.NoError(t, err)
		return ids(docs)
	}
	assert.Equal(t, []types.JobID{"on-one"}, query(&types.ShardsToListenTo{Prefix: 2, NodeIDs: []int{1}}))
	assert.Empty(t, query(&types.ShardsToListenTo{Prefix: 2, NodeIDs: []int{0}}))
	assert.Equal(t, []types.JobID{"on-one"}, query(nil))
}

func testQueueJobsPrecondition(t *testing.T, h Harness) {
	ctx := context.Background()
	a := schedule(t, h.Store, "a", Epoch)
	b := schedule(t, h.Store, "b", Epoch)
	require.NoError(t, h.Store.QueueJobs(ctx, []types.JobDocument{a}))

	err := h.Store.QueueJobs(ctx, []types.JobDocument{a, b})
	assert.ErrorIs(t, err, datastore.ErrPreconditionFailed)

	doc, err := h.Store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, doc.Status.Value, "the valid job in a batch still queues")
	assert.NotNil(t, doc.Status.QueuedAt)
}

func testRunningTwiceFails(t *testing.T, h Harness) {
	ctx := context.Background()
	job := schedule(t, h.Store, "job", Epoch)
	require.NoError(t, h.Store.QueueJobs(ctx, []types.JobDocument{job}))
	job, err := h.Store.Get(ctx, "job")
	require.NoError(t, err)

	running, err := job.Status.Running(h.Clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.Store.MarkJobAsRunning(ctx, job.ID(), running))

	err = h.Store.MarkJobAsRunning(ctx, job.ID(), running)
	require.Error(t, err)
	var pe *datastore.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.StatusRunning, pe.Actual)
	assert.Equal(t, []types.StatusValue{types.StatusQueued}, pe.Expected)

	err = h.Store.MarkJobAsRunning(ctx, "missing", running)
	assert.ErrorIs(t, err, datastore.ErrNotFound)
}

func testCompleteAndDead(t *testing.T, h Harness) {
	ctx := context.Background()
	for _, id := range []string{"done", "stuck"} {
		job := schedule(t, h.Store, id, Epoch)
		require.NoError(t, h.Store.QueueJobs(ctx, []types.JobDocument{job}))
		job, err := h.Store.Get(ctx, job.ID())
		require.NoError(t, err)
		running, err := job.Status.Running(Epoch.Add(time.Second))
		require.NoError(t, err)
		require.NoError(t, h.Store.MarkJobAsRunning(ctx, job.ID(), running))
	}

	done, err := h.Store.Get(ctx, "done")
	require.NoError(t, err)
	call := types.CallCompleted{StartedAt: Epoch.Add(time.Second), CompletedAt: Epoch.Add(2 * time.Second),
		Response: types.CallResponse{StatusCode: 503, StatusText: "Service Unavailable"}}
	completed, err := done.Status.Completed(Epoch.Add(2*time.Second), done.Definition.ScheduledAt, call)
	require.NoError(t, err)
	require.NoError(t, h.Store.MarkJobAsComplete(ctx, "done", done.Status, completed))
	err = h.Store.MarkJobAsComplete(ctx, "done", done.Status, completed)
	assert.ErrorIs(t, err, datastore.ErrPreconditionFailed)

	done, err = h.Store.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status.Value)
	assert.Equal(t, call, done.Status.LastCall)
	assert.Equal(t, time.Second, done.Status.ExecutionLag)

	stale, err := h.Store.GetRunningJobsStartedBefore(ctx, Epoch.Add(time.Minute), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"stuck"}, ids(stale))
	none, err := h.Store.GetRunningJobsStartedBefore(ctx, Epoch, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	dead, err := stale[0].Status.Dead(Epoch.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, h.Store.MarkJobAsDead(ctx, "stuck", dead))
	assert.ErrorIs(t, h.Store.MarkJobAsDead(ctx, "stuck", dead), datastore.ErrPreconditionFailed)
}

func testRateLimitGating(t *testing.T, h Harness) {
	for _, order := range [][]string{{"tld:example.com", "project:p"}, {"project:p", "tld:example.com"}} {
		ctx := context.Background()
		id := "rl-" + order[0]
		job := schedule(t, h.Store, id, Epoch)
		require.NoError(t, h.Store.MarkRateLimited(ctx, job, []string{"tld:example.com", "project:p"}))

		doc, err := h.Store.Get(ctx, job.ID())
		require.NoError(t, err)
		assert.Equal(t, types.StatusRateLimited, doc.Status.Value)
		assert.ErrorIs(t, h.Store.QueueJobs(ctx, []types.JobDocument{doc}), datastore.ErrPreconditionFailed)

		row := func(key string) types.RateLimit {
			return types.RateLimit{Key: key, JobID: job.ID(), ScheduledAt: Epoch, Shards: job.Shards}
		}
		queued, err := h.Store.MarkRateLimitSatisfied(ctx, row(order[0]))
		require.NoError(t, err)
		assert.False(t, queued)
		doc, err = h.Store.Get(ctx, job.ID())
		require.NoError(t, err)
		assert.Equal(t, types.StatusRateLimited, doc.Status.Value, "order %v", order)

		queued, err = h.Store.MarkRateLimitSatisfied(ctx, row(order[1]))
		require.NoError(t, err)
		assert.True(t, queued)
		doc, err = h.Store.Get(ctx, job.ID())
		require.NoError(t, err)
		assert.Equal(t, types.StatusQueued, doc.Status.Value, "order %v", order)
		assert.NotNil(t, doc.Status.RateLimitedAt)

		_, err = h.Store.MarkRateLimitSatisfied(ctx, row(order[1]))
		assert.ErrorIs(t, err, datastore.ErrPreconditionFailed)
	}

	assert.ErrorIs(t, h.Store.MarkRateLimited(context.Background(), schedule(t, h.Store, "nokeys", Epoch), nil),
		datastore.ErrInvalidArgument)
}

func testCancel(t *testing.T, h Harness) {
	ctx := context.Background()
	schedule(t, h.Store, "registered", Epoch)
	limited := schedule(t, h.Store, "limited", Epoch)
	queued := schedule(t, h.Store, "queued", Epoch)
	require.NoError(t, h.Store.MarkRateLimited(ctx, limited, []string{"tld:example.com"}))
	require.NoError(t, h.Store.QueueJobs(ctx, []types.JobDocument{queued}))

	require.NoError(t, h.Store.Cancel(ctx, "registered"))
	require.NoError(t, h.Store.Cancel(ctx, "limited"))
	assert.ErrorIs(t, h.Store.Cancel(ctx, "queued"), datastore.ErrPreconditionFailed)
	assert.ErrorIs(t, h.Store.Cancel(ctx, "registered"), datastore.ErrNotFound)

	var rows []types.RateLimit
	sub, err := h.Store.WaitForRateLimits(nil, func(rls []types.RateLimit) { rows = append(rows, rls...) })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	h.sync()
	assert.Empty(t, rows, "cancel removes rate-limit rows")
}

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(vs []T) {
	r.mu.Lock()
	r.got = append(r.got, vs...)
	r.mu.Unlock()
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func testShortNoticeWatch(t *testing.T, h Harness) {
	var rec recorder[types.JobDocument]
	sub, err := h.Store.WaitForRegisteredJobsByRegisteredAt(time.Minute, &types.ShardsToListenTo{Prefix: 2, NodeIDs: []int{0}}, rec.add)
	require.NoError(t, err)

	now := h.Clock.Now()
	scheduleSharded(t, h.Store, "soon", now.Add(30*time.Second), FixedShards(0))
	scheduleSharded(t, h.Store, "far", now.Add(2*time.Minute), FixedShards(0))
	scheduleSharded(t, h.Store, "other-shard", now.Add(10*time.Second), FixedShards(1))
	h.sync()
	assert.Equal(t, []types.JobID{"soon"}, ids(rec.values()))

	sub.Unsubscribe()
	scheduleSharded(t, h.Store, "after-unsubscribe", h.Clock.Now().Add(time.Second), FixedShards(0))
	h.sync()
	assert.Equal(t, []types.JobID{"soon"}, ids(rec.values()))
}

func testQueueWatch(t *testing.T, h Harness) {
	ctx := context.Background()
	first := schedule(t, h.Store, "first", Epoch)
	require.NoError(t, h.Store.QueueJobs(ctx, []types.JobDocument{first}))

	var rec recorder[types.JobDocument]
	sub, err := h.Store.WaitForNextJobsInQueue(nil, rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	h.sync()
	assert.Equal(t, []types.JobID{"first"}, ids(rec.values()), "current queue on subscribe")

	second := schedule(t, h.Store, "second", Epoch)
	h.sync()
	assert.Len(t, rec.values(), 1, "registration alone does not notify")
	require.NoError(t, h.Store.QueueJobs(ctx, []types.JobDocument{second}))
	h.sync()
	assert.Equal(t, []types.JobID{"first", "second"}, ids(rec.values()))
}

func testRateLimitWatch(t *testing.T, h Harness) {
	ctx := context.Background()
	before := schedule(t, h.Store, "before", Epoch)
	require.NoError(t, h.Store.MarkRateLimited(ctx, before, []string{"tld:example.com"}))

	var rec recorder[types.RateLimit]
	sub, err := h.Store.WaitForRateLimits(nil, rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	h.sync()
	require.Len(t, rec.values(), 1, "unsatisfied rows on subscribe")
	assert.Equal(t, "before/tld:example.com", rec.values()[0].ID())

	after := schedule(t, h.Store, "after", Epoch.Add(time.Second))
	require.NoError(t, h.Store.MarkRateLimited(ctx, after, []string{"project:p", "tld:example.com"}))
	h.sync()
	got := rec.values()
	require.Len(t, got, 3)
	assert.ElementsMatch(t, []string{"after/project:p", "after/tld:example.com"}, []string{got[1].ID(), got[2].ID()})
	assert.Equal(t, Epoch.Add(time.Second), got[1].ScheduledAt.UTC())
	assert.Equal(t, after.Shards, got[1].Shards)
}

func testCountByStatus(t *testing.T, h Harness) {
	ctx := context.Background()
	schedule(t, h.Store, "a", Epoch)
	b := schedule(t, h.Store, "b", Epoch)
	require.NoError(t, h.Store.QueueJobs(ctx, []types.JobDocument{b}))

	counts, err := h.Store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StatusRegistered])
	assert.Equal(t, 1, counts[types.StatusQueued])
	assert.Equal(t, 0, counts[types.StatusDead])
	assert.Len(t, counts, len(types.AllStatuses))
}
