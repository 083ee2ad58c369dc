// Package watchdog marks jobs that stayed running for too long as dead. It is
// the recovery path for jobs whose processor died mid-call.
package watchdog

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
	"github.com/ChuLiYu/falcon-scheduler/internal/topology"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// ErrClosed is returned by Start and Sweep after Close.
var ErrClosed = errors.New("watchdog: closed")

type Config struct {
	Datastore datastore.Datastore
	Client    coordination.Client

	Interval    time.Duration // between sweeps
	MaxRunning  time.Duration // a job running longer than this is dead
	Batch       int
	MaxAttempts int

	TopologyDebounce time.Duration
	ReadyTimeout     time.Duration

	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Reporter report.Reporter
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxRunning <= 0 {
		c.MaxRunning = 5 * time.Minute
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 100
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "watchdog")
	c.Reporter = report.Safe(c.Reporter)
	return c
}

// Watchdog sweeps the running jobs of the local shards on a clock-driven
// interval.
type Watchdog struct {
	cfg  Config
	topo *topology.Topology

	ctx    context.Context
	cancel context.CancelFunc
	sweeps sync.WaitGroup

	mu     sync.Mutex
	timer  clock.Timer
	closed bool
}

func New(cfg Config) (*Watchdog, error) {
	cfg = cfg.withDefaults()
	if cfg.Datastore == nil {
		return nil, errors.New("watchdog: datastore is required")
	}
	w := &Watchdog{cfg: cfg}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.topo = topology.New(topology.Config{
		Client:       cfg.Client,
		Debounce:     cfg.TopologyDebounce,
		ReadyTimeout: cfg.ReadyTimeout,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
	}, nil)
	return w, nil
}

// Start waits for the topology and arms the first sweep.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := w.topo.Start(ctx); err != nil {
		return fmt.Errorf("watchdog: wait for topology: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.armLocked()
	w.cfg.Logger.Info("watchdog started", "interval", w.cfg.Interval, "maxRunning", w.cfg.MaxRunning)
	return nil
}

func (w *Watchdog) armLocked() {
	w.timer = w.cfg.Clock.AfterFunc(w.cfg.Interval, w.tick)
}

func (w *Watchdog) tick() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.sweeps.Add(1)
	w.mu.Unlock()

	if _, err := w.sweep(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.cfg.Reporter.Report("watchdog", err)
	}
	w.sweeps.Done()

	w.mu.Lock()
	if !w.closed {
		w.armLocked()
	}
	w.mu.Unlock()
}

// Sweep marks every local job started before now-MaxRunning as dead and
// returns how many it marked.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrClosed
	}
	w.sweeps.Add(1)
	w.mu.Unlock()
	defer w.sweeps.Done()
	return w.sweep(ctx)
}

func (w *Watchdog) sweep(ctx context.Context) (int, error) {
	now := w.cfg.Clock.Now()
	before := now.Add(-w.cfg.MaxRunning)
	shards := w.topo.Shards()

	marked := 0
	for attempt := 0; attempt < w.cfg.MaxAttempts; attempt++ {
		docs, err := w.cfg.Datastore.GetRunningJobsStartedBefore(ctx, before, w.cfg.Batch, shards)
		if err != nil {
			return marked, fmt.Errorf("list stuck jobs: %w", err)
		}
		progress := 0
		for _, doc := range docs {
			if w.markDead(ctx, doc, now) {
				marked++
				progress++
			}
		}
		if len(docs) < w.cfg.Batch || progress == 0 {
			break
		}
	}
	if marked > 0 {
		w.cfg.Logger.Info("marked stuck jobs dead", "count", marked, "startedBefore", before)
	}
	return marked, nil
}

func (w *Watchdog) markDead(ctx context.Context, doc types.JobDocument, now time.Time) bool {
	dead, err := doc.Status.Dead(now)
	if err != nil {
		return false
	}
	err = w.cfg.Datastore.MarkJobAsDead(ctx, doc.ID(), dead)
	switch {
	case err == nil:
		w.cfg.Metrics.RecordDead()
		w.cfg.Logger.Warn("job marked dead", "jobID", doc.ID(), "startedAt", doc.Status.StartedAt)
		return true
	case datastore.IsPrecondition(err), errors.Is(err, datastore.ErrNotFound):
		w.cfg.Metrics.RecordPreconditionFailure("mark_dead")
		w.cfg.Logger.Debug("job finished before it was marked dead", "jobID", doc.ID())
	default:
		w.cfg.Reporter.Report("watchdog", fmt.Errorf("mark dead: %w", err), "jobID", doc.ID())
	}
	return false
}

// Close stops the sweeps and waits for the one in progress.
func (w *Watchdog) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.sweeps.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	w.cancel()
	w.topo.Close()
	return err
}
