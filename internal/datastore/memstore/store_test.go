package memstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/datastoretest"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

func TestConformance(t *testing.T) {
	datastoretest.Run(t, func(t *testing.T, c *clock.Virtual) datastoretest.Harness {
		s, err := New(Config{Clock: c})
		require.NoError(t, err)
		return datastoretest.Harness{Store: s, Clock: c}
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	c := clock.NewVirtual(datastoretest.Epoch)

	s, err := New(Config{Clock: c, SnapshotPath: path})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, datastore.ScheduleArgs{
		ID: "kept", ScheduledAt: datastoretest.Epoch.Add(time.Hour),
		Request: types.HTTPRequestSpec{URL: "https://example.com/a"},
	}, nil)
	require.NoError(t, err)
	limited, err := s.Schedule(ctx, datastore.ScheduleArgs{
		ID: "limited", ScheduledAt: datastoretest.Epoch,
		Request: types.HTTPRequestSpec{URL: "https://example.com/b"},
	}, nil)
	require.NoError(t, err)
	doc, err := s.Get(ctx, limited)
	require.NoError(t, err)
	require.NoError(t, s.MarkRateLimited(ctx, doc, []string{"tld:example.com"}))
	require.NoError(t, s.Close())

	restored, err := New(Config{Clock: c, SnapshotPath: path})
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.Get(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRegistered, got.Status.Value)
	assert.Equal(t, "https://example.com/a", got.Definition.Request.URL)
	assert.Len(t, restored.RateLimitsFor("limited"), 1)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Schedule(context.Background(), datastore.ScheduleArgs{
		ScheduledAt: time.Now(), Request: types.HTTPRequestSpec{URL: "https://example.com"},
	}, nil)
	assert.ErrorIs(t, err, datastore.ErrClosed)
	_, err = s.WaitForNextJobsInQueue(nil, func([]types.JobDocument) {})
	assert.ErrorIs(t, err, datastore.ErrClosed)
}

func TestMemberStoreLeases(t *testing.T) {
	ctx := context.Background()
	c := clock.NewVirtual(datastoretest.Epoch)
	s, err := New(Config{Clock: c})
	require.NoError(t, err)

	a, err := s.Register(ctx, c.Now().Add(10*time.Second))
	require.NoError(t, err)
	b, err := s.Register(ctx, c.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Less(t, a, b)

	live, err := s.LiveMembers(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, live)

	c.Advance(6 * time.Second)
	live, err = s.LiveMembers(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{a}, live)
	assert.ErrorIs(t, s.Renew(ctx, b, c.Now().Add(time.Minute)), coordination.ErrLeaseExpired)
	require.NoError(t, s.Renew(ctx, a, c.Now().Add(time.Minute)))

	require.NoError(t, s.Release(ctx, a))
	live, err = s.LiveMembers(ctx, c.Now())
	require.NoError(t, err)
	assert.Empty(t, live)
}
