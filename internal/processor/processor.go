// ============================================================================
// Falcon Processor - 佇列消費與任務執行
// ============================================================================
//
// Package: internal/processor
// 文件: processor.go
// 功能: 把本節點 shard 上的 queued 任務交給 Worker 池執行，每個任務只執行一次
//
// 狀態機:
//   not_started -> running -> closing -> closed
//
// 核心流程:
//   1. processQueue() - 分頁撈 queued 任務；已有 drain 進行中時只設 hasToReadAgain，
//      進行中的 drain 結束時再跑一次（合併，不排隊）
//   2. processJobs() - 每頁任務以有界並行度執行（信號量）
//   3. processJob() - 借 Worker -> 標記 running（前置條件 queued）-> HTTP 呼叫 ->
//      標記 completed（前置條件 running）-> Worker 自行歸還
//   4. waitForNextJobsInQueue() - 佇列清空後訂閱（debounce）新任務通知
//
// 拓撲變更:
//   取消目前的佇列訂閱，在新 shard 下重新 processQueue；第一次拓撲不算變更
//
// 優雅關閉:
//   Close 設 closing、取消訂閱；執行中的任務跑完後才設 closed；
//   closing 之後不再開始新任務
//
// ============================================================================

package processor

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
	"github.com/ChuLiYu/falcon-scheduler/internal/report"
	"github.com/ChuLiYu/falcon-scheduler/internal/stream"
	"github.com/ChuLiYu/falcon-scheduler/internal/topology"
	"github.com/ChuLiYu/falcon-scheduler/internal/worker"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// MaxParallelism bounds Config.Parallelism.
const MaxParallelism = 100

var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("processor: invalid config")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("processor: already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("processor: closed")
)

// State is the lifecycle position of a Processor.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Processor 配置
type Config struct {
	Datastore datastore.Datastore
	Pool      *worker.Pool
	Client    coordination.Client // nil 表示單節點

	Batch            int           // 每頁任務數
	Parallelism      int           // 同時執行上限，<= MaxParallelism
	MaxAttempts      int           // 分頁保險絲
	QueueDebounce    time.Duration // 新任務通知的合併時間
	TopologyDebounce time.Duration
	ReadyTimeout     time.Duration

	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Reporter report.Reporter
}

func (c Config) withDefaults() Config {
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.Parallelism <= 0 {
		c.Parallelism = MaxParallelism
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1000
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "processor")
	c.Reporter = report.Safe(c.Reporter)
	return c
}

func (c Config) validate() error {
	if c.Datastore == nil {
		return fmt.Errorf("%w: datastore is required", ErrInvalidConfig)
	}
	if c.Pool == nil {
		return fmt.Errorf("%w: worker pool is required", ErrInvalidConfig)
	}
	if c.Parallelism > MaxParallelism {
		return fmt.Errorf("%w: parallelism %d exceeds %d", ErrInvalidConfig, c.Parallelism, MaxParallelism)
	}
	return nil
}

// Processor 佇列處理器
type Processor struct {
	cfg  Config
	ds   datastore.Datastore
	pool *worker.Pool
	log  *slog.Logger
	topo *topology.Topology

	// jobs 的 ctx 只在 Close 超時時取消
	ctx    context.Context
	cancel context.CancelFunc

	drains   sync.WaitGroup
	inflight sync.WaitGroup

	mu             sync.Mutex
	state          State
	draining       bool
	hasToReadAgain bool
	running        int
	queueSub       stream.Subscription
	queueDebounce  *stream.Debouncer[struct{}]
	closed         chan struct{}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Processor
func New(cfg Config) (*Processor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Processor{
		cfg:    cfg,
		ds:     cfg.Datastore,
		pool:   cfg.Pool,
		log:    cfg.Logger,
		closed: make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.topo = topology.New(topology.Config{
		Client:       cfg.Client,
		Debounce:     cfg.TopologyDebounce,
		ReadyTimeout: cfg.ReadyTimeout,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	}, p.onTopologyChange)
	return p, nil
}

// Start 等待拓撲就緒後開始消費佇列
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateNotStarted:
	case StateRunning:
		p.mu.Unlock()
		return ErrAlreadyStarted
	default:
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if err := p.topo.Start(ctx); err != nil {
		return fmt.Errorf("processor: wait for topology: %w", err)
	}

	p.mu.Lock()
	if p.state != StateNotStarted {
		st := p.state
		p.mu.Unlock()
		if st == StateRunning {
			return ErrAlreadyStarted
		}
		return ErrClosed
	}
	p.state = StateRunning
	p.mu.Unlock()

	p.log.Info("processor started", "shards", p.topo.Shards().String())
	p.processQueue()
	return nil
}

// State returns the lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Topology exposes the processor's view of the cluster.
func (p *Processor) Topology() *topology.Topology { return p.topo }

func (p *Processor) onTopologyChange(shards *types.ShardsToListenTo) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	sub, deb := p.detachWaitLocked()
	p.mu.Unlock()

	stopWait(sub, deb)
	p.log.Info("re-reading queue on topology change", "shards", shards.String())
	p.processQueue()
}

func (p *Processor) detachWaitLocked() (stream.Subscription, *stream.Debouncer[struct{}]) {
	sub, deb := p.queueSub, p.queueDebounce
	p.queueSub, p.queueDebounce = nil, nil
	return sub, deb
}

func stopWait(sub stream.Subscription, deb *stream.Debouncer[struct{}]) {
	if sub != nil {
		sub.Unsubscribe()
	}
	if deb != nil {
		deb.Stop()
	}
}

// processQueue 啟動一次 drain；已有 drain 時只標記 hasToReadAgain
func (p *Processor) processQueue() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	if p.draining {
		p.hasToReadAgain = true
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.drains.Add(1)
	p.mu.Unlock()

	go p.drain()
}

func (p *Processor) drain() {
	defer p.drains.Done()
	for {
		p.readQueue()

		p.mu.Lock()
		if p.hasToReadAgain && p.state == StateRunning {
			p.hasToReadAgain = false
			p.mu.Unlock()
			continue
		}
		p.hasToReadAgain = false
		p.draining = false
		running := p.state == StateRunning
		p.mu.Unlock()

		if running {
			p.waitForNextJobsInQueue()
		}
		return
	}
}

// readQueue 分頁讀取 queued 任務直到取不滿一頁
func (p *Processor) readQueue() {
	shards := p.topo.Shards()
	var after *datastore.Cursor
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if p.State() != StateRunning {
			return
		}
		docs, err := p.ds.GetJobsInQueue(p.ctx, datastore.QueueQuery{
			Limit:  p.cfg.Batch,
			After:  after,
			Shards: shards,
		})
		if err != nil {
			p.cfg.Reporter.Report("processor", fmt.Errorf("read queue: %w", err))
			return
		}
		p.log.Debug("read queue page", "jobs", len(docs), "attempt", attempt)
		p.processJobs(docs)
		if len(docs) < p.cfg.Batch {
			return
		}
		after = datastore.CursorOf(docs[len(docs)-1])
	}
	p.log.Warn("queue pagination stopped at max attempts", "maxAttempts", p.cfg.MaxAttempts)
}

// processJobs 以有界並行度執行一頁任務，等全部完成才返回
func (p *Processor) processJobs(docs []types.JobDocument) {
	sem := make(chan struct{}, p.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, doc := range docs {
		sem <- struct{}{}
		if !p.begin() {
			<-sem
			break
		}
		wg.Add(1)
		go func(doc types.JobDocument) {
			defer func() {
				p.end()
				<-sem
				wg.Done()
			}()
			p.processJob(doc)
		}(doc)
	}
	wg.Wait()
}

// begin 登記一個執行中的任務；closing 之後返回 false
func (p *Processor) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return false
	}
	p.inflight.Add(1)
	p.running++
	p.cfg.Metrics.SetJobsInFlight(p.running)
	return true
}

func (p *Processor) end() {
	p.mu.Lock()
	p.running--
	p.cfg.Metrics.SetJobsInFlight(p.running)
	p.mu.Unlock()
	p.inflight.Done()
}

// processJob 執行單一任務
//
// 流程：
//  1. 從池中借 Worker
//  2. 標記 running（前置條件 queued，失敗代表其他節點已取走）
//  3. 執行 HTTP 呼叫並收集最終事件
//  4. 標記 completed（前置條件 running）
//
// Worker 在任何路徑上都會歸還。
func (p *Processor) processJob(doc types.JobDocument) {
	id := doc.ID()
	w, err := p.pool.NextWorker(p.ctx)
	if err != nil {
		if errors.Is(err, worker.ErrPoolClosed) {
			p.log.Warn("worker pool closed, job left queued", "jobID", id)
			return
		}
		p.cfg.Reporter.Report("processor", fmt.Errorf("acquire worker: %w", err), "jobID", id)
		return
	}
	defer func() {
		w.Release()
		p.cfg.Metrics.UpdatePoolStats(p.pool.InUse(), p.pool.Available())
	}()
	p.cfg.Metrics.UpdatePoolStats(p.pool.InUse(), p.pool.Available())

	running, err := doc.Status.Running(p.cfg.Clock.Now())
	if err != nil {
		p.log.Debug("job no longer queued", "jobID", id, "error", err)
		return
	}
	if err := p.ds.MarkJobAsRunning(p.ctx, id, running); err != nil {
		p.transitionFailed("mark_running", id, err)
		return
	}
	p.cfg.Metrics.RecordStarted()

	var last types.CallEvent
	for ev := range w.Execute(p.ctx, doc.Definition) {
		last = ev
	}
	if !types.IsTerminal(last) {
		last = types.CallErrored{StartedAt: *running.StartedAt, Message: "call ended without a terminal event"}
	}

	completed, err := running.Completed(p.cfg.Clock.Now(), doc.Definition.ScheduledAt, last)
	if err != nil {
		p.cfg.Reporter.Report("processor", fmt.Errorf("complete status: %w", err), "jobID", id)
		return
	}
	if err := p.ds.MarkJobAsComplete(p.ctx, id, running, completed); err != nil {
		p.transitionFailed("mark_complete", id, err)
		return
	}
	_, errored := last.(types.CallErrored)
	p.cfg.Metrics.RecordCompleted(errored, completed.ExecutionLag, completed.Duration)
	p.log.Debug("job completed", "jobID", id, "errored", errored,
		"lag", completed.ExecutionLag, "duration", completed.Duration)
}

func (p *Processor) transitionFailed(op string, id types.JobID, err error) {
	switch {
	case datastore.IsPrecondition(err):
		p.cfg.Metrics.RecordPreconditionFailure(op)
		p.log.Warn("job taken by another node", "op", op, "jobID", id, "error", err)
	case errors.Is(err, datastore.ErrNotFound):
		p.log.Debug("job vanished", "op", op, "jobID", id)
	default:
		p.cfg.Reporter.Report("processor", fmt.Errorf("%s: %w", op, err), "jobID", id)
	}
}

// waitForNextJobsInQueue 訂閱新任務通知；已訂閱時不重複
func (p *Processor) waitForNextJobsInQueue() {
	p.mu.Lock()
	if p.state != StateRunning || p.queueSub != nil || p.queueDebounce != nil {
		p.mu.Unlock()
		return
	}
	deb := stream.Debounce(p.cfg.Clock, p.cfg.QueueDebounce, func(struct{}) { p.processQueue() })
	p.queueDebounce = deb
	p.mu.Unlock()

	sub, err := p.ds.WaitForNextJobsInQueue(p.topo.Shards(), func([]types.JobDocument) { deb.Push(struct{}{}) })
	if err != nil {
		p.mu.Lock()
		if p.queueDebounce == deb {
			p.queueDebounce = nil
		}
		p.mu.Unlock()
		deb.Stop()
		if !errors.Is(err, datastore.ErrClosed) {
			p.cfg.Reporter.Report("processor", fmt.Errorf("wait for queue: %w", err))
		}
		return
	}

	p.mu.Lock()
	if p.state != StateRunning || p.queueDebounce != deb {
		p.mu.Unlock()
		stopWait(sub, deb)
		return
	}
	p.queueSub = sub
	p.mu.Unlock()
}

// Close 優雅關閉
//
// 執行中的任務會跑完；ctx 結束時取消它們的 HTTP 呼叫並返回 ctx.Err()。
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateClosed:
		p.mu.Unlock()
		return nil
	case StateClosing:
		p.mu.Unlock()
		return p.waitClosed(ctx)
	}
	p.state = StateClosing
	sub, deb := p.detachWaitLocked()
	inFlight := p.running
	p.mu.Unlock()

	p.log.Info("closing processor", "inFlight", inFlight)
	stopWait(sub, deb)
	p.topo.Close()

	go func() {
		p.drains.Wait()
		p.inflight.Wait()
		p.mu.Lock()
		p.state = StateClosed
		close(p.closed)
		p.mu.Unlock()
		p.cancel()
		p.log.Info("processor closed")
	}()
	if err := p.waitClosed(ctx); err != nil {
		p.cancel()
		return err
	}
	return nil
}

func (p *Processor) waitClosed(ctx context.Context) error {
	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
