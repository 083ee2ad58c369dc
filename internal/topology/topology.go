// ============================================================================
// Falcon Scheduler - 叢集拓撲
// ============================================================================
//
// Package: internal/topology
// 文件: topology.go
// 功能: 把 coordination 推送的 {nodeIndex, clusterSize} 事件流
//       轉成穩定的「本節點擁有哪些 shard」快照
//
// 狀態機:
//   uninitialized --(第一個 debounce 後的事件)--> ready
//
//   沒有 coordination client 時建立即 ready，位置 {0, 1}，shards 為 nil（擁有全部）
//
// 流程:
//   client 事件 -> Debouncer（靜默期）-> apply():
//     1. 重新計算 ShardsToListenTo
//     2. 呼叫 onChange(shards)
//     3. 第一次時關閉 ready channel
//
// ============================================================================

package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/sharding"
	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

var (
	// ErrNotReady is returned by Start when no topology arrived in time.
	ErrNotReady = errors.New("topology: not ready before timeout")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("topology: closed")
)

// Config configures a Topology.
type Config struct {
	Client       coordination.Client // nil means single node
	Debounce     time.Duration
	ReadyTimeout time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "topology")
	return c
}

// OnChange receives every stable shard assignment, including the first.
type OnChange func(shards *types.ShardsToListenTo)

// Topology tracks the shards the local node owns.
type Topology struct {
	cfg      Config
	onChange OnChange

	mu        sync.RWMutex
	info      types.NodeInformation
	shards    *types.ShardsToListenTo
	ready     chan struct{}
	readyOnce sync.Once
	started   bool
	closed    bool
	sub       stream.Subscription
	debouncer *stream.Debouncer[types.NodeInformation]
}

// New builds a topology. onChange may be nil.
func New(cfg Config, onChange OnChange) *Topology {
	cfg = cfg.withDefaults()
	t := &Topology{
		cfg:      cfg,
		onChange: onChange,
		info:     types.NodeInformation{CurrentNodeID: 0, ClusterSize: 1},
		ready:    make(chan struct{}),
	}
	if cfg.Client == nil {
		t.readyOnce.Do(func() { close(t.ready) })
	}
	return t
}

// Start subscribes to the coordination client and blocks until the first
// topology is applied, the context ends or ReadyTimeout elapses.
func (t *Topology) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.cfg.Client == nil || t.started {
		t.mu.Unlock()
		return t.wait(ctx)
	}
	t.started = true
	t.debouncer = stream.Debounce(t.cfg.Clock, t.cfg.Debounce, t.apply)
	debouncer := t.debouncer
	t.mu.Unlock()

	sub, err := t.cfg.Client.GetClusterNodeInformation(debouncer.Push)
	if err != nil {
		return fmt.Errorf("subscribe to cluster: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.Unsubscribe()
		return ErrClosed
	}
	t.sub = sub
	t.mu.Unlock()

	return t.wait(ctx)
}

func (t *Topology) wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.cfg.Clock.After(t.cfg.ReadyTimeout):
		return fmt.Errorf("%w (%s)", ErrNotReady, t.cfg.ReadyTimeout)
	}
}

func (t *Topology) apply(info types.NodeInformation) {
	shards, err := sharding.ShardsToListenTo(info.CurrentNodeID, info.ClusterSize)
	if err != nil {
		t.cfg.Logger.Error("ignoring invalid topology", "nodeIndex", info.CurrentNodeID,
			"clusterSize", info.ClusterSize, "error", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.info = info
	t.shards = shards
	t.mu.Unlock()

	t.cfg.Logger.Info("topology changed", "nodeIndex", info.CurrentNodeID,
		"clusterSize", info.ClusterSize, "shards", shards.String())
	if shards != nil && len(shards.NodeIDs) == 0 {
		t.cfg.Logger.Warn("cluster larger than shard table, node stands by",
			"nodeIndex", info.CurrentNodeID, "clusterSize", info.ClusterSize,
			"max", sharding.MaxClusterSize)
	}
	if t.onChange != nil {
		t.onChange(shards)
	}
	t.readyOnce.Do(func() { close(t.ready) })
}

// Ready reports whether a topology has been applied.
func (t *Topology) Ready() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

// Shards returns the current snapshot; nil means every shard.
func (t *Topology) Shards() *types.ShardsToListenTo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.shards
}

// Info returns the last applied node position.
func (t *Topology) Info() types.NodeInformation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

// Close unsubscribes from the coordination stream. Idempotent.
func (t *Topology) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	sub := t.sub
	debouncer := t.debouncer
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if debouncer != nil {
		debouncer.Stop()
	}
}
