// ============================================================================
// Falcon Scheduler 整合測試共用工具
// ============================================================================
//
// Package: test/integration
// 文件: helpers_test.go
// 功能: 在同一個行程中組出多節點叢集
//
//   - 共用一個 memstore 作為 datastore
//   - coordination.Registry 模擬臨時順序節點的成員表
//   - httptest 伺服器記錄每個 job 被呼叫的次數（X-Falcon-Job-Id）
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/memstore"
	"github.com/ChuLiYu/falcon-scheduler/internal/node"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// target 記錄每個 job 的呼叫次數
type target struct {
	*httptest.Server
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration
}

func newTarget(t testing.TB, delay time.Duration) *target {
	tg := &target{calls: make(map[string]int), delay: delay}
	tg.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tg.delay > 0 {
			time.Sleep(tg.delay)
		}
		tg.mu.Lock()
		tg.calls[r.Header.Get("X-Falcon-Job-Id")]++
		tg.mu.Unlock()
	}))
	t.Cleanup(tg.Close)
	return tg
}

func (tg *target) count(id string) int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.calls[id]
}

func (tg *target) total() int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	n := 0
	for _, c := range tg.calls {
		n += c
	}
	return n
}

// cluster 共用 store 與 registry 的多個節點
type cluster struct {
	t        testing.TB
	store    *memstore.Store
	registry *coordination.Registry
	base     node.Config

	mu      sync.Mutex
	nodes   []*node.Node
	members []*coordination.Member
}

func newCluster(t testing.TB, base node.Config) *cluster {
	t.Helper()
	store, err := memstore.New(memstore.Config{Logger: quiet})
	require.NoError(t, err)
	c := &cluster{t: t, store: store, registry: coordination.NewRegistry(), base: base}
	t.Cleanup(func() {
		c.closeAll()
		_ = store.Close()
	})
	return c
}

// join 啟動一個新節點並加入 registry
func (c *cluster) join() int {
	c.t.Helper()
	member := c.registry.Join()
	cfg := c.base
	cfg.Datastore = c.store
	cfg.Client = member
	if cfg.Logger == nil {
		cfg.Logger = quiet
	}

	n, err := node.New(context.Background(), cfg)
	require.NoError(c.t, err)
	require.NoError(c.t, n.Start(context.Background()))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = append(c.nodes, n)
	c.members = append(c.members, member)
	return len(c.nodes) - 1
}

// leave 關閉節點並離開 registry
func (c *cluster) leave(i int) {
	c.t.Helper()
	c.mu.Lock()
	n, member := c.nodes[i], c.members[i]
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, n.Close(ctx))
	require.NoError(c.t, member.Close())
}

func (c *cluster) closeAll() {
	c.mu.Lock()
	nodes, members := c.nodes, c.members
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range nodes {
		_ = nodes[i].Close(ctx)
		_ = members[i].Close()
	}
}

func (c *cluster) schedule(id string, at time.Time, url string) {
	c.t.Helper()
	_, err := c.store.Schedule(context.Background(), datastore.ScheduleArgs{
		ID:          types.JobID(id),
		ScheduledAt: at,
		Request:     types.HTTPRequestSpec{URL: url, Method: http.MethodPost},
	}, nil)
	require.NoError(c.t, err)
}

func (c *cluster) status(id string) types.StatusValue {
	doc, err := c.store.Get(context.Background(), types.JobID(id))
	if err != nil {
		return ""
	}
	return doc.Status.Value
}

// waitCompleted 等待所有 job 完成
func (c *cluster) waitCompleted(ids []string, timeout time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for _, id := range ids {
		for c.status(id) != types.StatusCompleted {
			if time.Now().After(deadline) {
				counts, _ := c.store.CountByStatus(context.Background())
				c.t.Fatalf("job %s is %q after %s (counts %v)", id, c.status(id), timeout, counts)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func jobIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%03d", prefix, i)
	}
	return ids
}
