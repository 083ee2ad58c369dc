// ============================================================================
// Falcon Worker Pool - 有界 HTTP Worker 池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理 MinSize..MaxSize 個 HTTP Worker 的借用與歸還
//
// 設計模式:
//   信號量 + 空閒列表（semaphore-guarded free list）：
//   1. slots channel 容量為 MaxSize，每借出一個 Worker 佔用一格
//   2. idle 列表保存已建立但未借出的 Worker 編號，借用時優先重用
//   3. 每次借用都返回新的 *Worker 租約，只能歸還一次；
//      舊租約的 Release 不會影響之後借到同一編號的呼叫者
//   4. Worker 完成一次 Execute 後自行 Release，歸還到 idle 並釋放一格
//
// 生命週期:
//   1. NewPool(cfg) - 預先建立 MinSize 個 Worker
//   2. NextWorker(ctx) - 借用；池滿時阻塞，池關閉時返回 ErrPoolClosed
//   3. Worker.Execute() - 一次 HTTP 呼叫，結束時自動 Release
//   4. Close(ctx) - 拒絕新借用，等待所有借出的 Worker 歸還後銷毀
//
// 並發控制:
//   - slots: 保證借出數量 <= MaxSize
//   - mu: 保護 idle / inUse / created / closed
//   - drained: Close 等待 inUse 歸零
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法再借用 Worker
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrInvalidPoolSize 表示 MinSize / MaxSize 設定不合法
	ErrInvalidPoolSize = errors.New("worker pool: invalid size")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Pool 配置
type Config struct {
	MinSize   int           // 預先建立的 Worker 數量
	MaxSize   int           // 同時借出的上限
	Timeout   time.Duration // 單次 HTTP 呼叫的超時
	UserAgent string
	Client    *http.Client // nil 時使用預設 Transport
	Clock     clock.Clock
	Logger    *slog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxSize <= 0 {
		c.MaxSize = 100
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return c, ErrInvalidPoolSize
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "falcon-scheduler"
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "worker-pool")
	return c, nil
}

// Pool 代表有界的 Worker 池
type Pool struct {
	cfg     Config
	slots   chan struct{} // 容量 MaxSize 的信號量
	closing chan struct{} // Close 時關閉，喚醒所有等待中的 NextWorker

	mu      sync.Mutex
	idle    []int // 空閒 Worker 編號
	created int
	inUse   int
	nextID  int
	closed  bool
	drained chan struct{} // inUse 歸零且 closed 時關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立 Pool 並預先建立 MinSize 個 Worker
func NewPool(cfg Config) (*Pool, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxSize),
		closing: make(chan struct{}),
		drained: make(chan struct{}),
	}
	for i := 0; i < cfg.MinSize; i++ {
		p.idle = append(p.idle, p.newIDLocked())
	}
	return p, nil
}

func (p *Pool) newIDLocked() int {
	p.nextID++
	p.created++
	return p.nextID
}

// NextWorker 借用一個 Worker；池滿時阻塞直到有 Worker 歸還或 ctx 結束
func (p *Pool) NextWorker(ctx context.Context) (*Worker, error) {
	select {
	case <-p.closing:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-p.closing:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		return nil, ErrPoolClosed
	}
	var id int
	if n := len(p.idle); n > 0 {
		id = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		id = p.newIDLocked()
	}
	p.inUse++
	return &Worker{id: id, pool: p}, nil
}

// release 歸還一次借用；同一租約重複呼叫無效果
func (p *Pool) release(w *Worker) {
	p.mu.Lock()
	if w.released {
		p.mu.Unlock()
		return
	}
	w.released = true
	p.inUse--
	if p.closed {
		p.created--
		if p.inUse == 0 {
			close(p.drained)
		}
	} else {
		p.idle = append(p.idle, w.id)
	}
	p.mu.Unlock()
	<-p.slots
}

// Available 返回目前還能借出的 Worker 數量
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.cfg.MaxSize - p.inUse
}

// InUse 返回目前借出的 Worker 數量
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Size 返回目前已建立（空閒 + 借出）的 Worker 數量
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Close 優雅關閉 Pool
//
// 流程：
//  1. 標記 closed，喚醒所有等待中的 NextWorker
//  2. 銷毀空閒 Worker
//  3. 等待借出的 Worker 全部歸還（或 ctx 結束）
//  4. 關閉 HTTP 閒置連線
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.wait(ctx)
	}
	p.closed = true
	close(p.closing)
	p.created -= len(p.idle)
	p.idle = nil
	if p.inUse == 0 {
		close(p.drained)
	} else {
		p.cfg.Logger.Info("waiting for workers to return", "inUse", p.inUse)
	}
	p.mu.Unlock()

	return p.wait(ctx)
}

func (p *Pool) wait(ctx context.Context) error {
	select {
	case <-p.drained:
		p.cfg.Client.CloseIdleConnections()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
