// ============================================================================
// Falcon Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - falcon_jobs_rate_limited_total: 進入 rate-limited 的任務數
//      - falcon_jobs_queued_total: 進入 queued 的任務數（按來源 source 分）
//      - falcon_jobs_started_total: 開始執行的任務數
//      - falcon_jobs_completed_total: 完成的任務數（按 outcome 分：response / errored）
//      - falcon_jobs_dead_total: 被 watchdog 標記 dead 的任務數
//      - falcon_precondition_failures_total: 狀態前置條件失敗次數（按 op 分）
//      - falcon_scheduler_restarts_total: 拓撲變更導致的重啟次數
//      - falcon_errors_reported_total: 交給 Reporter 的非預期錯誤（按 component 分）
//
//   2. 性能指標 (Histogram)：
//      - falcon_job_execution_lag_seconds: startedAt - scheduledAt
//      - falcon_job_duration_seconds: completedAt - startedAt
//
//   3. 狀態指標 (Gauge)：
//      - falcon_planned_timeouts: 本地計時器數量
//      - falcon_admission_queues: 活躍的 rate-limit 佇列數
//      - falcon_jobs_in_flight: Processor 正在執行的任務數
//      - falcon_workers_in_use / falcon_workers_available: Worker 池使用情況
//      - falcon_cluster_size / falcon_node_index: 目前拓撲
//
// 使用:
//   所有方法都可以在 nil *Collector 上呼叫（不做任何事），
//   測試與未啟用 metrics 的節點不需要特判。
//
// HTTP 端點:
//   Handler(gatherer) 回傳 /metrics handler；cli 的 run 命令負責掛載
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "falcon"

// Queue sources for RecordQueued.
const (
	SourceDirect    = "direct"
	SourceRateLimit = "rate_limit"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsRateLimited      prometheus.Counter
	jobsQueued           *prometheus.CounterVec
	jobsStarted          prometheus.Counter
	jobsCompleted        *prometheus.CounterVec
	jobsDead             prometheus.Counter
	preconditionFailures *prometheus.CounterVec
	restarts             prometheus.Counter
	errorsReported       *prometheus.CounterVec

	// 效能指標
	executionLag prometheus.Histogram
	duration     prometheus.Histogram

	// 狀態指標
	plannedTimeouts  prometheus.Gauge
	admissionQueues  prometheus.Gauge
	jobsInFlight     prometheus.Gauge
	workersInUse     prometheus.Gauge
	workersAvailable prometheus.Gauge
	clusterSize      prometheus.Gauge
	nodeIndex        prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rate_limited_total",
			Help:      "Total number of jobs moved to rate-limited",
		}),
		jobsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Total number of jobs moved to queued",
		}, []string{"source"}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs marked running",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed, by call outcome",
		}, []string{"outcome"}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_total",
			Help:      "Total number of stuck jobs marked dead",
		}),
		preconditionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precondition_failures_total",
			Help:      "Status transitions rejected because the job was not in the expected status",
		}, []string{"op"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_restarts_total",
			Help:      "Scheduler restarts caused by topology changes",
		}),
		errorsReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_reported_total",
			Help:      "Unexpected asynchronous errors sent to the reporting sink",
		}, []string{"component"}),
		executionLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execution_lag_seconds",
			Help:      "Delay between a job's due time and its start",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "HTTP call duration of completed jobs",
			Buckets:   prometheus.DefBuckets,
		}),
		plannedTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "planned_timeouts",
			Help:      "Local timers armed for registered jobs",
		}),
		admissionQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_queues",
			Help:      "Rate-limit admission queues currently open",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed",
		}),
		workersInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_in_use",
			Help:      "HTTP workers currently borrowed",
		}),
		workersAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_available",
			Help:      "HTTP workers that can still be borrowed",
		}),
		clusterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_size",
			Help:      "Cluster size as seen by this node",
		}),
		nodeIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_index",
			Help:      "Index of this node in the cluster",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsRateLimited, c.jobsQueued, c.jobsStarted, c.jobsCompleted, c.jobsDead,
		c.preconditionFailures, c.restarts, c.errorsReported,
		c.executionLag, c.duration,
		c.plannedTimeouts, c.admissionQueues, c.jobsInFlight,
		c.workersInUse, c.workersAvailable, c.clusterSize, c.nodeIndex,
	)
	return c
}

// RecordRateLimited 記錄任務進入 rate-limited
func (c *Collector) RecordRateLimited() {
	if c == nil {
		return
	}
	c.jobsRateLimited.Inc()
}

// RecordQueued 記錄任務進入 queued；source 為 SourceDirect 或 SourceRateLimit
func (c *Collector) RecordQueued(source string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsQueued.WithLabelValues(source).Add(float64(n))
}

// RecordStarted 記錄任務開始執行
func (c *Collector) RecordStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(errored bool, lag, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "response"
	if errored {
		outcome = "errored"
	}
	c.jobsCompleted.WithLabelValues(outcome).Inc()
	c.executionLag.Observe(lag.Seconds())
	c.duration.Observe(duration.Seconds())
}

// RecordDead 記錄任務被標記 dead
func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.jobsDead.Inc()
}

// RecordPreconditionFailure 記錄狀態轉換前置條件失敗
func (c *Collector) RecordPreconditionFailure(op string) {
	if c == nil {
		return
	}
	c.preconditionFailures.WithLabelValues(op).Inc()
}

// RecordRestart 記錄排程器重啟
func (c *Collector) RecordRestart() {
	if c == nil {
		return
	}
	c.restarts.Inc()
}

// RecordReportedError 記錄送往 Reporter 的錯誤
func (c *Collector) RecordReportedError(component string) {
	if c == nil {
		return
	}
	c.errorsReported.WithLabelValues(component).Inc()
}

// SetPlannedTimeouts 設置本地計時器數量
func (c *Collector) SetPlannedTimeouts(n int) {
	if c == nil {
		return
	}
	c.plannedTimeouts.Set(float64(n))
}

// SetAdmissionQueues 設置 rate-limit 佇列數量
func (c *Collector) SetAdmissionQueues(n int) {
	if c == nil {
		return
	}
	c.admissionQueues.Set(float64(n))
}

// SetJobsInFlight 設置執行中任務數量
func (c *Collector) SetJobsInFlight(n int) {
	if c == nil {
		return
	}
	c.jobsInFlight.Set(float64(n))
}

// UpdatePoolStats 更新 Worker 池狀態統計
func (c *Collector) UpdatePoolStats(inUse, available int) {
	if c == nil {
		return
	}
	c.workersInUse.Set(float64(inUse))
	c.workersAvailable.Set(float64(available))
}

// SetTopology 設置目前拓撲
func (c *Collector) SetTopology(nodeIndex, clusterSize int) {
	if c == nil {
		return
	}
	c.nodeIndex.Set(float64(nodeIndex))
	c.clusterSize.Set(float64(clusterSize))
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
