package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("ratelimit: admission queue closed")

// Task is one unit of admission work.
type Task struct {
	ID string
	// Priority orders pending tasks; the earliest time runs first.
	Priority time.Time
	Run      func(ctx context.Context) error
}

// QueueConfig configures an AdmissionQueue.
type QueueConfig struct {
	Key     string
	QPS     float64 // <= 0 means unlimited
	Clock   clock.Clock
	Logger  *slog.Logger
	OnError func(task Task, err error)
	// Go starts a task. Defaults to a new goroutine.
	Go func(func())
}

// AdmissionQueue releases at most one task per 1/QPS interval, earliest
// priority first, and never runs two tasks at the same time. Pending task
// IDs are unique.
type AdmissionQueue struct {
	cfg     QueueConfig
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending taskHeap
	ids     map[string]struct{}
	running bool
	timer   clock.Timer
	closed  bool
	wg      sync.WaitGroup
}

// NewAdmissionQueue builds a queue whose token bucket holds one token.
func NewAdmissionQueue(cfg QueueConfig) *AdmissionQueue {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Go == nil {
		cfg.Go = func(f func()) { go f() }
	}
	limit := rate.Inf
	if cfg.QPS > 0 {
		limit = rate.Limit(cfg.QPS)
	}
	q := &AdmissionQueue{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		ids:     make(map[string]struct{}),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Key returns the rate-limit key this queue gates.
func (q *AdmissionQueue) Key() string { return q.cfg.Key }

// Enqueue adds t unless a task with the same ID is pending or running.
// It reports whether t was added.
func (q *AdmissionQueue) Enqueue(t Task) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	if _, dup := q.ids[t.ID]; dup {
		q.mu.Unlock()
		return false, nil
	}
	q.ids[t.ID] = struct{}{}
	heap.Push(&q.pending, t)
	start := q.pumpLocked()
	q.mu.Unlock()
	start()
	return true, nil
}

// Len returns pending plus running tasks.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func noop() {}

// pumpLocked returns the function that starts the next task, to be called
// once q.mu is released.
func (q *AdmissionQueue) pumpLocked() func() {
	if q.closed || q.running || q.timer != nil || q.pending.Len() == 0 {
		return noop
	}
	now := q.cfg.Clock.Now()
	if d := q.limiter.ReserveN(now, 1).DelayFrom(now); d > 0 {
		// the token is already reserved, the timer only waits for it
		q.timer = q.cfg.Clock.AfterFunc(d, func() {
			q.mu.Lock()
			q.timer = nil
			start := noop
			if !q.closed && q.pending.Len() > 0 {
				start = q.startLocked()
			}
			q.mu.Unlock()
			start()
		})
		return noop
	}
	return q.startLocked()
}

func (q *AdmissionQueue) startLocked() func() {
	t := heap.Pop(&q.pending).(Task)
	q.running = true
	q.wg.Add(1)
	return func() { q.cfg.Go(func() { q.run(t) }) }
}

func (q *AdmissionQueue) run(t Task) {
	defer q.wg.Done()
	err := safeRun(q.ctx, t)
	if err != nil && q.cfg.OnError != nil {
		q.cfg.OnError(t, err)
	}

	q.mu.Lock()
	q.running = false
	delete(q.ids, t.ID)
	start := q.pumpLocked()
	q.mu.Unlock()
	start()
}

func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return t.Run(ctx)
}

// PanicError wraps a panic raised by a task.
type PanicError struct{ Value any }

func (e *PanicError) Error() string { return "ratelimit: task panicked" }

// Close drops pending tasks and waits for the running one. If ctx ends
// first the running task's context is cancelled.
func (q *AdmissionQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		dropped := q.pending.Len()
		for _, t := range q.pending {
			delete(q.ids, t.ID)
		}
		q.pending = nil
		if dropped > 0 {
			q.cfg.Logger.Debug("admission queue closed with pending tasks", "key", q.cfg.Key, "dropped", dropped)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

// taskHeap is a min-heap on (Priority, ID).
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority.Equal(h[j].Priority) {
		return h[i].ID < h[j].ID
	}
	return h[i].Priority.Before(h[j].Priority)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
