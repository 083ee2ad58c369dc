// ============================================================================
// Falcon Scheduler 性能測試
// ============================================================================
//
// Package: test/integration
// 文件: performance_test.go
// 功能: 測量小型程序內叢集的端到端吞吐量
//
// TestClusterThroughput:
//   1. 在共用的記憶體 store 上啟動 3 個節點
//   2. 註冊 500 個已到期的任務
//   3. 等待全部完成（最多 30 秒）
//   4. 回報吞吐量；每個任務恰好被呼叫一次
//
// TestShortNoticeLatency:
//   節點運行中註冊、200ms 後到期的任務，透過 short-notice 訂閱
//   應在接近到期時間時執行
//
// -short 時跳過
//
// ============================================================================

package integration

import (
	"context"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/node"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

func TestClusterThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	tg := newTarget(t, time.Millisecond)
	c := newCluster(t, node.Config{})
	for i := 0; i < 3; i++ {
		c.join()
	}

	const totalJobs = 500
	ids := jobIDs("perf", totalJobs)
	startTime := time.Now()
	for _, id := range ids {
		c.schedule(id, startTime, tg.URL)
	}

	c.waitCompleted(ids, 30*time.Second)
	elapsed := time.Since(startTime)
	throughput := float64(totalJobs) / elapsed.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Elapsed time: %v", elapsed)
	t.Logf("Throughput: %.2f jobs/second", throughput)
	t.Logf("================================")

	assert.Equal(t, totalJobs, tg.total(), "every job is called exactly once")
}

func TestShortNoticeLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency test in short mode")
	}

	due := make(map[string]time.Time)
	tg := newTarget(t, 0)
	c := newCluster(t, node.Config{})
	c.join()
	c.join()

	ids := jobIDs("notice", 20)
	lags := make([]time.Duration, 0, len(ids))
	for _, id := range ids {
		at := time.Now().Add(200 * time.Millisecond)
		due[id] = at
		c.schedule(id, at, tg.URL)
	}
	c.waitCompleted(ids, 5*time.Second)

	for _, id := range ids {
		doc, err := c.store.Get(context.Background(), types.JobID(id))
		require.NoError(t, err)
		require.NotNil(t, doc.Status.StartedAt)
		lag := doc.Status.StartedAt.Sub(due[id])
		assert.GreaterOrEqual(t, lag, time.Duration(0), "%s started before it was due", id)
		lags = append(lags, lag)
	}

	sort.Slice(lags, func(i, j int) bool { return lags[i] < lags[j] })
	p50, worst := lags[len(lags)/2], lags[len(lags)-1]
	t.Logf("start lag p50=%v max=%v", p50, worst)
	assert.Less(t, worst, 2*time.Second)
}

func TestTimerFiresOncePerJobAcrossWindowRefetch(t *testing.T) {
	tg := newTarget(t, 0)
	c := newCluster(t, node.Config{})
	c.join()

	// 短通知與視窗讀取都會看到這個 job；只會有一次呼叫
	_, err := c.store.Schedule(context.Background(), datastore.ScheduleArgs{
		ID:          "single",
		ScheduledAt: time.Now().Add(150 * time.Millisecond),
		Request:     types.HTTPRequestSpec{URL: tg.URL, Method: http.MethodPost},
	}, nil)
	require.NoError(t, err)

	c.waitCompleted([]string{"single"}, 5*time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, tg.count("single"))
}
