// ============================================================================
// Falcon Scheduler 節點 - 組裝所有元件
// ============================================================================
//
// Package: internal/node
// 文件: node.go
// 功能: 從一份 Config 建出 datastore、coordination、worker pool、
//       scheduler、processor、watchdog，並依序啟動與關閉
//
// 啟動順序:
//   1. scheduler  - 等待拓撲，開始排程視窗
//   2. processor  - 等待拓撲，開始消化佇列
//   3. watchdog   - 等待拓撲，開始定期掃描卡住的任務
//   4. snapshot   - memory store 且設定了 SnapshotInterval 時定期存檔
//   全部成功後 Ready() 關閉
//
// 關閉順序:
//   scheduler -> watchdog -> processor -> pool -> coordination -> store
//   先停止產生新的 queued 任務，再等執行中的任務跑完，最後釋放資源。
//   外部傳入的 Datastore / Client 不由節點關閉。
//
// ============================================================================

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/memstore"
	"github.com/ChuLiYu/falcon-scheduler/internal/metrics"
	"github.com/ChuLiYu/falcon-scheduler/internal/processor"
	"github.com/ChuLiYu/falcon-scheduler/internal/report"
	"github.com/ChuLiYu/falcon-scheduler/internal/scheduler"
	"github.com/ChuLiYu/falcon-scheduler/internal/watchdog"
	"github.com/ChuLiYu/falcon-scheduler/internal/worker"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

var (
	ErrInvalidConfig  = errors.New("node: invalid config")
	ErrAlreadyStarted = errors.New("node: already started")
	ErrClosed         = errors.New("node: closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Node 配置
type Config struct {
	Store        StoreConfig
	Coordination CoordinationConfig

	// 各元件設定；Datastore、Client、Clock、Logger、Metrics、Reporter
	// 由節點填入
	Scheduler scheduler.Config
	Processor processor.Config
	Pool      worker.Config
	Watchdog  watchdog.Config

	WatchdogDisabled bool

	// Datastore / Client 非 nil 時取代 Store / Coordination
	Datastore datastore.Datastore
	Client    coordination.Client

	Clock      clock.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer // nil 時不收集指標
	Reporter   report.Reporter
}

type state int

const (
	stateNew state = iota
	stateStarting
	stateRunning
	stateClosed
)

// Node 一個排程節點
type Node struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector

	store     datastore.Datastore
	ownStore  Store // 由節點開啟，關閉時一併關閉
	client    coordination.Client
	ownClient bool

	pool      *worker.Pool
	scheduler *scheduler.Scheduler
	processor *processor.Processor
	watchdog  *watchdog.Watchdog

	ready chan struct{}

	mu            sync.Mutex
	state         state
	snapshotTimer clock.Timer
}

// ============================================================================
// 建立
// ============================================================================

// New 建立節點；失敗時已開啟的資源會被關閉
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	n := &Node{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "node"),
		ready: make(chan struct{}),
	}
	if cfg.Registerer != nil {
		n.metrics = metrics.NewCollector(cfg.Registerer)
	}
	if cfg.Reporter == nil {
		cfg.Reporter = report.NewLog(cfg.Logger, n.metrics)
	}
	cfg.Reporter = report.Safe(cfg.Reporter)
	n.cfg = cfg

	if err := n.build(ctx); err != nil {
		n.release()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context) error {
	cfg := n.cfg

	// 1. Datastore
	n.store = cfg.Datastore
	if n.store == nil {
		s, err := OpenStore(ctx, cfg.Store, cfg.Clock, cfg.Logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		n.store, n.ownStore = s, s
	}

	// 2. Coordination
	n.client = cfg.Client
	if n.client == nil {
		var members coordination.MemberStore
		if ms, ok := n.store.(coordination.MemberStore); ok {
			members = ms
		}
		if cfg.Coordination.Mode == CoordinationLease && members == nil {
			return fmt.Errorf("%w: lease coordination needs a store that keeps leases", ErrInvalidConfig)
		}
		c, err := OpenClient(ctx, cfg.Coordination, members, cfg.Clock, cfg.Logger)
		if err != nil {
			return fmt.Errorf("open coordination: %w", err)
		}
		n.client, n.ownClient = c, c != nil
	}

	// 3. Worker Pool
	poolCfg := cfg.Pool
	poolCfg.Clock = cfg.Clock
	poolCfg.Logger = cfg.Logger
	pool, err := worker.NewPool(poolCfg)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	n.pool = pool

	// 4. Scheduler
	schedCfg := cfg.Scheduler
	schedCfg.Datastore = n.store
	schedCfg.Client = n.client
	schedCfg.Clock = cfg.Clock
	schedCfg.Logger = cfg.Logger
	schedCfg.Metrics = n.metrics
	schedCfg.Reporter = cfg.Reporter
	if n.scheduler, err = scheduler.New(schedCfg); err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	// 5. Processor
	procCfg := cfg.Processor
	procCfg.Datastore = n.store
	procCfg.Pool = n.pool
	procCfg.Client = n.client
	procCfg.Clock = cfg.Clock
	procCfg.Logger = cfg.Logger
	procCfg.Metrics = n.metrics
	procCfg.Reporter = cfg.Reporter
	if n.processor, err = processor.New(procCfg); err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	// 6. Watchdog
	if !cfg.WatchdogDisabled {
		wdCfg := cfg.Watchdog
		wdCfg.Datastore = n.store
		wdCfg.Client = n.client
		wdCfg.Clock = cfg.Clock
		wdCfg.Logger = cfg.Logger
		wdCfg.Metrics = n.metrics
		wdCfg.Reporter = cfg.Reporter
		if n.watchdog, err = watchdog.New(wdCfg); err != nil {
			return fmt.Errorf("create watchdog: %w", err)
		}
	}
	return nil
}

// ============================================================================
// 啟動
// ============================================================================

// Start 依序啟動 scheduler、processor、watchdog
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case stateClosed:
		n.mu.Unlock()
		return ErrClosed
	case stateStarting, stateRunning:
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.state = stateStarting
	n.mu.Unlock()

	startedAt := time.Now()
	if err := n.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := n.processor.Start(ctx); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}
	if n.watchdog != nil {
		if err := n.watchdog.Start(ctx); err != nil {
			return fmt.Errorf("start watchdog: %w", err)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == stateClosed {
		return ErrClosed
	}
	n.state = stateRunning
	n.armSnapshotLocked()
	close(n.ready)

	info := n.scheduler.Topology().Info()
	n.log.Info("node started",
		"nodeIndex", info.CurrentNodeID,
		"clusterSize", info.ClusterSize,
		"startup", time.Since(startedAt))
	return nil
}

// Ready 在 Start 成功後關閉
func (n *Node) Ready() <-chan struct{} { return n.ready }

// Info 回傳目前的拓撲位置
func (n *Node) Info() types.NodeInformation { return n.scheduler.Topology().Info() }

// Datastore 回傳節點使用的 datastore
func (n *Node) Datastore() datastore.Datastore { return n.store }

// Pool 回傳 worker pool
func (n *Node) Pool() *worker.Pool { return n.pool }

// ============================================================================
// 快照循環 (memory store)
// ============================================================================

func (n *Node) armSnapshotLocked() {
	mem, ok := n.ownStore.(*memstore.Store)
	if !ok || n.cfg.Store.SnapshotPath == "" || n.cfg.Store.SnapshotInterval <= 0 {
		return
	}
	var tick func()
	tick = func() {
		if err := mem.Save(); err != nil {
			n.cfg.Reporter.Report("snapshot", err, "path", n.cfg.Store.SnapshotPath)
		} else {
			n.log.Debug("snapshot written", "path", n.cfg.Store.SnapshotPath)
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.state == stateRunning {
			n.snapshotTimer = n.cfg.Clock.AfterFunc(n.cfg.Store.SnapshotInterval, tick)
		}
	}
	n.snapshotTimer = n.cfg.Clock.AfterFunc(n.cfg.Store.SnapshotInterval, tick)
}

// ============================================================================
// 關閉
// ============================================================================

// Close 依序關閉所有元件，回傳所有錯誤的 errors.Join。Idempotent.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.state == stateClosed {
		n.mu.Unlock()
		return nil
	}
	n.state = stateClosed
	if n.snapshotTimer != nil {
		n.snapshotTimer.Stop()
		n.snapshotTimer = nil
	}
	n.mu.Unlock()

	n.log.Info("closing node")
	var errs []error
	if err := n.scheduler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close scheduler: %w", err))
	}
	if n.watchdog != nil {
		if err := n.watchdog.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close watchdog: %w", err))
		}
	}
	if err := n.processor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close processor: %w", err))
	}
	if err := n.release(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		n.log.Error("node closed with errors", "error", err)
	} else {
		n.log.Info("node closed")
	}
	return err
}

// release 關閉 pool、coordination 與 store（僅限節點自己開啟的）
func (n *Node) release() error {
	var errs []error
	if n.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close worker pool: %w", err))
		}
		cancel()
	}
	if n.ownClient && n.client != nil {
		if err := n.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close coordination: %w", err))
		}
	}
	if n.ownStore != nil {
		if err := n.ownStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
