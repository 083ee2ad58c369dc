// ============================================================================
// Falcon Scheduler - 時間驅動的任務排程器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 把 registered 任務在到期時轉成 rate-limited / queued，只處理本節點擁有的 shard
//
// 核心機制:
//   1. 視窗追趕 (windowed catch-up)：
//      原點視窗 [-inf, now+P) 一次撈出，之後每個視窗 [max, max+P) 在其起點到達時撈出
//   2. 本地計時器 (planned timeouts)：
//      視窗內尚未到期的任務各自掛一個計時器，到期後路由；同一 JobID 只會有一個
//   3. 短通知監聽 (short-notice watch)：
//      scheduledAt - registeredAt < MaxNoticePeriod 的新任務由 datastore 推送
//   4. 限流 (rate limiting)：
//      Policy 給出 key 的任務先轉 rate-limited，每個 key 一條 AdmissionQueue，
//      所有 key 都 satisfied 後由 datastore 原子地轉 queued
//   5. 拓撲變更：完整重啟（清掉計時器、取消監聽、關閉佇列，再從原點視窗開始）
//
// 並發控制:
//   - mu: 保護 planned / queues / subs / epoch / state
//   - epoch: 每次 restart 遞增，舊 epoch 的計時器與回呼一律丟棄
//   - restartMu: 序列化 restart 與 Close
//   - inflight: 追蹤正在寫 datastore 的回呼，Close 等它們結束
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/metrics"
	"github.com/ChuLiYu/falcon-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/falcon-scheduler/internal/report"
	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/internal/topology"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// MaxAllowedNoticePeriod bounds MaxNoticePeriod; the short-notice watch
// keeps every such job in memory.
const MaxAllowedNoticePeriod = time.Hour

var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("scheduler: invalid config")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler: already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("scheduler: closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Scheduler 配置
type Config struct {
	Datastore datastore.Datastore
	Policy    ratelimit.Policy    // nil 表示不限流
	Client    coordination.Client // nil 表示單節點

	SchedulePeriod   time.Duration // 視窗大小 P
	ScheduleBatch    int           // 每次撈取的上限
	MaxAttempts      int           // 分頁保險絲
	MaxNoticePeriod  time.Duration // 短通知門檻
	TopologyDebounce time.Duration
	ReadyTimeout     time.Duration
	CloseTimeout     time.Duration // restart 關閉舊佇列的上限

	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Reporter report.Reporter
}

func (c Config) withDefaults() Config {
	if c.SchedulePeriod <= 0 {
		c.SchedulePeriod = time.Minute
	}
	if c.ScheduleBatch <= 0 {
		c.ScheduleBatch = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1000
	}
	if c.MaxNoticePeriod <= 0 {
		c.MaxNoticePeriod = time.Minute
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Policy == nil {
		c.Policy = ratelimit.NoLimits{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "scheduler")
	c.Reporter = report.Safe(c.Reporter)
	return c
}

func (c Config) validate() error {
	if c.Datastore == nil {
		return fmt.Errorf("%w: datastore is required", ErrInvalidConfig)
	}
	if c.MaxNoticePeriod > MaxAllowedNoticePeriod {
		return fmt.Errorf("%w: max notice period %s exceeds %s", ErrInvalidConfig,
			c.MaxNoticePeriod, MaxAllowedNoticePeriod)
	}
	return nil
}

type state int

const (
	stateNew state = iota
	stateStarting
	stateRunning
	stateClosed
)

// plannedTimeout 是一個本地計時器；指標身分用來辨識是否仍是當前的那個
type plannedTimeout struct {
	doc   types.JobDocument
	timer clock.Timer
}

// Scheduler 排程器
type Scheduler struct {
	cfg  Config
	ds   datastore.Datastore
	log  *slog.Logger
	topo *topology.Topology

	ctx    context.Context
	cancel context.CancelFunc

	restartMu sync.Mutex
	inflight  sync.WaitGroup

	mu         sync.Mutex
	state      state
	epoch      uint64
	planned    map[types.JobID]*plannedTimeout
	nextWindow clock.Timer
	queues     map[string]*ratelimit.AdmissionQueue
	subs       stream.Set
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Scheduler；設定錯誤同步返回
func New(cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SchedulePeriod > cfg.MaxNoticePeriod {
		cfg.Logger.Warn("schedule period exceeds max notice period; late registrations inside a fetched window are missed",
			"schedulePeriod", cfg.SchedulePeriod, "maxNoticePeriod", cfg.MaxNoticePeriod)
	}
	s := &Scheduler{
		cfg:     cfg,
		ds:      cfg.Datastore,
		log:     cfg.Logger,
		planned: make(map[types.JobID]*plannedTimeout),
		queues:  make(map[string]*ratelimit.AdmissionQueue),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.topo = topology.New(topology.Config{
		Client:       cfg.Client,
		Debounce:     cfg.TopologyDebounce,
		ReadyTimeout: cfg.ReadyTimeout,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	}, s.onTopologyChange)
	return s, nil
}

// Start 等待拓撲就緒後開始排程
//
// 流程：
//  1. topology.Start 阻塞直到第一個拓撲到達（或超時）
//  2. 標記 running，之後的拓撲事件都觸發 restart
//  3. 第一次 restart：原點視窗 + 監聽
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return ErrClosed
	case stateNew:
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = stateStarting
	s.mu.Unlock()

	if err := s.topo.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: wait for topology: %w", err)
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = stateRunning
	s.mu.Unlock()

	info := s.topo.Info()
	s.cfg.Metrics.SetTopology(info.CurrentNodeID, info.ClusterSize)
	s.log.Info("scheduler started", "nodeIndex", info.CurrentNodeID, "clusterSize", info.ClusterSize)
	s.restart()
	return nil
}

// Topology exposes the scheduler's view of the cluster.
func (s *Scheduler) Topology() *topology.Topology { return s.topo }

func (s *Scheduler) onTopologyChange(shards *types.ShardsToListenTo) {
	s.mu.Lock()
	running := s.state == stateRunning
	s.mu.Unlock()
	// the first topology is applied by Start itself
	if !running {
		return
	}
	info := s.topo.Info()
	s.cfg.Metrics.SetTopology(info.CurrentNodeID, info.ClusterSize)
	s.cfg.Metrics.RecordRestart()
	s.log.Info("restarting on topology change", "shards", shards.String())
	s.restart()
}

// restart 清空所有本地狀態並以目前的 shard 重新開始
func (s *Scheduler) restart() {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.epoch++
	epoch := s.epoch
	timers, queues := s.detachLocked()
	s.mu.Unlock()

	s.teardown(timers, queues)

	shards := s.topo.Shards()
	if !s.listen(epoch, shards) {
		return
	}

	// 原點視窗
	now := s.cfg.Clock.Now()
	origin := window{max: now.Add(s.cfg.SchedulePeriod)}
	if !s.enter(epoch) {
		return
	}
	s.schedulePeriod(epoch, shards, origin)
	s.leave()
	s.schedulePeriodRecursively(epoch, shards, origin.next(s.cfg.SchedulePeriod))
}

// detachLocked 取走所有計時器、佇列與監聽；呼叫者負責在鎖外銷毀
func (s *Scheduler) detachLocked() ([]clock.Timer, map[string]*ratelimit.AdmissionQueue) {
	timers := make([]clock.Timer, 0, len(s.planned)+1)
	for _, pt := range s.planned {
		timers = append(timers, pt.timer)
	}
	if s.nextWindow != nil {
		timers = append(timers, s.nextWindow)
		s.nextWindow = nil
	}
	s.planned = make(map[types.JobID]*plannedTimeout)
	queues := s.queues
	s.queues = make(map[string]*ratelimit.AdmissionQueue)
	s.cfg.Metrics.SetPlannedTimeouts(0)
	s.cfg.Metrics.SetAdmissionQueues(0)
	return timers, queues
}

func (s *Scheduler) teardown(timers []clock.Timer, queues map[string]*ratelimit.AdmissionQueue) error {
	for _, t := range timers {
		t.Stop()
	}
	s.subs.UnsubscribeAll()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	var errs []error
	for key, q := range queues {
		if err := q.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close admission queue %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// listen 訂閱短通知與限流監聽；epoch 已過期時返回 false
func (s *Scheduler) listen(epoch uint64, shards *types.ShardsToListenTo) bool {
	sub, err := s.ds.WaitForRegisteredJobsByRegisteredAt(s.cfg.MaxNoticePeriod, shards,
		func(docs []types.JobDocument) { s.onShortNotice(epoch, docs) })
	if err != nil {
		s.cfg.Reporter.Report("scheduler", fmt.Errorf("listen for short-notice jobs: %w", err))
	} else if !s.keep(epoch, sub) {
		return false
	}

	sub, err = s.ds.WaitForRateLimits(shards, func(rls []types.RateLimit) { s.onRateLimits(epoch, rls) })
	if err != nil {
		s.cfg.Reporter.Report("scheduler", fmt.Errorf("listen for rate limits: %w", err))
	} else if !s.keep(epoch, sub) {
		return false
	}
	return true
}

func (s *Scheduler) keep(epoch uint64, sub stream.Subscription) bool {
	s.mu.Lock()
	current := s.state == stateRunning && s.epoch == epoch
	s.mu.Unlock()
	if !current {
		sub.Unsubscribe()
		return false
	}
	s.subs.Add(sub)
	return true
}

// enter 登記一個會寫 datastore 的回呼；epoch 過期或已關閉時返回 false
func (s *Scheduler) enter(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning || s.epoch != epoch {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) leave() { s.inflight.Done() }

// Close 停止排程
//
// 流程：
//  1. 取消所有計時器與監聽
//  2. 等待佇列中正在執行的任務（不強制取消）
//  3. 等待正在寫 datastore 的回呼
//  4. 關閉拓撲訂閱
//
// 返回後此實例不再寫 datastore。
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	timers, queues := s.detachLocked()
	s.mu.Unlock()

	s.log.Info("closing scheduler", "plannedTimeouts", len(timers), "admissionQueues", len(queues))
	err := s.teardown(timers, queues)

	done := make(chan struct{})
	go func() {
		s.restartMu.Lock()
		s.restartMu.Unlock()
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		err = errors.Join(err, ctx.Err())
	}
	s.topo.Close()
	s.cancel()
	if err != nil {
		s.cfg.Reporter.Report("scheduler", fmt.Errorf("close: %w", err))
	}
	return err
}

// PlannedTimeouts returns the number of local job timers.
func (s *Scheduler) PlannedTimeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.planned)
}

// AdmissionQueues returns the number of open rate-limit queues.
func (s *Scheduler) AdmissionQueues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}
