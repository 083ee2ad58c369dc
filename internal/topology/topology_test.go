package topology

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/sharding"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNoClientIsReadyImmediately(t *testing.T) {
	topo := New(Config{}, nil)
	assert.True(t, topo.Ready())
	require.NoError(t, topo.Start(context.Background()))
	assert.Nil(t, topo.Shards())
	assert.Equal(t, types.NodeInformation{CurrentNodeID: 0, ClusterSize: 1}, topo.Info())
}

func TestStaticClientAppliesShards(t *testing.T) {
	var changes []*types.ShardsToListenTo
	topo := New(Config{Client: coordination.NewStatic(1, 2)}, func(s *types.ShardsToListenTo) {
		changes = append(changes, s)
	})
	require.NoError(t, topo.Start(context.Background()))
	defer topo.Close()

	want := &types.ShardsToListenTo{Prefix: 2, NodeIDs: []int{1}}
	assert.Equal(t, want, topo.Shards())
	assert.Equal(t, []*types.ShardsToListenTo{want}, changes)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	reg := coordination.NewRegistry()
	self := reg.Join()

	changes := 0
	topo := New(Config{Client: self, Debounce: time.Second, Clock: vc}, func(*types.ShardsToListenTo) {
		changes++
	})

	done := make(chan error, 1)
	go func() { done <- topo.Start(context.Background()) }()
	require.Eventually(t, func() bool { return vc.Pending() >= 2 }, time.Second, time.Millisecond)

	reg.Join()
	reg.Join()
	assert.Equal(t, 0, changes)

	vc.Advance(time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, 1, changes)
	assert.Equal(t, types.NodeInformation{CurrentNodeID: 0, ClusterSize: 3}, topo.Info())
	topo.Close()
	topo.Close()
}

func TestStartTimesOut(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	reg := coordination.NewRegistry()
	self := reg.Join()
	topo := New(Config{Client: self, Debounce: time.Minute, ReadyTimeout: 10 * time.Second, Clock: vc}, nil)

	done := make(chan error, 1)
	go func() { done <- topo.Start(context.Background()) }()
	require.Eventually(t, func() bool { return vc.Pending() >= 2 }, time.Second, time.Millisecond)

	vc.Advance(10 * time.Second)
	assert.ErrorIs(t, <-done, ErrNotReady)
	assert.False(t, topo.Ready())
	topo.Close()
}

func TestCloseStopsUpdates(t *testing.T) {
	reg := coordination.NewRegistry()
	self := reg.Join()
	changes := 0
	topo := New(Config{Client: self}, func(*types.ShardsToListenTo) { changes++ })
	require.NoError(t, topo.Start(context.Background()))
	topo.Close()

	reg.Join()
	assert.Equal(t, 1, changes)
	assert.ErrorIs(t, topo.Start(context.Background()), ErrClosed)
}

func TestNodeBeyondShardTableStandsBy(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	size := sharding.MaxClusterSize + 2

	topo := New(Config{Client: coordination.NewStatic(size-1, size), Logger: logger}, nil)
	require.NoError(t, topo.Start(context.Background()))
	defer topo.Close()

	shards := topo.Shards()
	require.NotNil(t, shards)
	assert.Equal(t, sharding.MaxClusterSize, shards.Prefix)
	assert.Empty(t, shards.NodeIDs)
	assert.Contains(t, buf.String(), "node stands by")
	assert.Contains(t, buf.String(), "component=topology")
}
