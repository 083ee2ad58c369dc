package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/datastoretest"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/memstore"
	"github.com/ChuLiYu/falcon-scheduler/internal/sharding"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

func setup(t *testing.T) (*clock.Virtual, *memstore.Store) {
	t.Helper()
	c := clock.NewVirtual(datastoretest.Epoch)
	store, err := memstore.New(memstore.Config{Clock: c})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return c, store
}

// startRunning registers a job and drives it to running at the current time.
func startRunning(t *testing.T, c clock.Clock, s *memstore.Store, id string, fn sharding.Func) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Schedule(ctx, datastore.ScheduleArgs{
		ID: types.JobID(id), ScheduledAt: c.Now(), Request: types.HTTPRequestSpec{URL: "https://example.com"},
	}, fn)
	require.NoError(t, err)
	doc, err := s.Get(ctx, types.JobID(id))
	require.NoError(t, err)
	require.NoError(t, s.QueueJobs(ctx, []types.JobDocument{doc}))
	doc, err = s.Get(ctx, types.JobID(id))
	require.NoError(t, err)
	running, err := doc.Status.Running(c.Now())
	require.NoError(t, err)
	require.NoError(t, s.MarkJobAsRunning(ctx, doc.ID(), running))
}

func status(t *testing.T, s *memstore.Store, id string) types.StatusValue {
	t.Helper()
	doc, err := s.Get(context.Background(), types.JobID(id))
	require.NoError(t, err)
	return doc.Status.Value
}

func TestPeriodicSweepMarksStuckJobs(t *testing.T) {
	c, store := setup(t)
	startRunning(t, c, store, "stuck", nil)

	w, err := New(Config{Datastore: store, Interval: time.Minute, MaxRunning: 5 * time.Minute, Clock: c})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close(context.Background())

	c.Advance(2 * time.Minute)
	startRunning(t, c, store, "fresh", nil)

	c.Advance(3 * time.Minute)
	assert.Equal(t, types.StatusRunning, status(t, store, "stuck"), "exactly MaxRunning is not yet stuck")

	c.Advance(time.Minute)
	assert.Equal(t, types.StatusDead, status(t, store, "stuck"))
	assert.Equal(t, types.StatusRunning, status(t, store, "fresh"))

	doc, err := store.Get(context.Background(), "stuck")
	require.NoError(t, err)
	require.NotNil(t, doc.Status.CompletedAt)
	assert.Equal(t, c.Now(), *doc.Status.CompletedAt)
}

func TestSweepPagesAndHonoursShards(t *testing.T) {
	c, store := setup(t)
	for _, id := range []string{"a", "b", "c"} {
		startRunning(t, c, store, id, datastoretest.FixedShards(0))
	}
	startRunning(t, c, store, "other-node", datastoretest.FixedShards(1))
	c.Advance(time.Hour)

	w, err := New(Config{
		Datastore: store, Client: coordination.NewStatic(0, 2),
		MaxRunning: time.Minute, Batch: 2, Clock: c,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close(context.Background())

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, types.StatusRunning, status(t, store, "other-node"))

	n, err = w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseStopsSweeps(t *testing.T) {
	c, store := setup(t)
	startRunning(t, c, store, "stuck", nil)

	w, err := New(Config{Datastore: store, Interval: time.Minute, MaxRunning: time.Minute, Clock: c})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, w.Close(context.Background()))

	c.Advance(time.Hour)
	assert.Equal(t, types.StatusRunning, status(t, store, "stuck"))

	_, err = w.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Start(context.Background()), ErrClosed)
}
