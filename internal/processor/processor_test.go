package processor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/internal/clock"
	"github.com/ChuLiYu/falcon-scheduler/internal/coordination"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/datastoretest"
	"github.com/ChuLiYu/falcon-scheduler/internal/datastore/memstore"
	"github.com/ChuLiYu/falcon-scheduler/internal/sharding"
	"github.com/ChuLiYu/falcon-scheduler/internal/worker"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

type countingStore struct {
	datastore.Datastore
	reads atomic.Int32
}

func (c *countingStore) GetJobsInQueue(ctx context.Context, q datastore.QueueQuery) ([]types.JobDocument, error) {
	c.reads.Add(1)
	return c.Datastore.GetJobsInQueue(ctx, q)
}

type fixture struct {
	clock *clock.Virtual
	store *memstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.NewVirtual(datastoretest.Epoch)
	store, err := memstore.New(memstore.Config{Clock: c})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &fixture{clock: c, store: store}
}

func (f *fixture) queue(t *testing.T, id, url string, shardFn sharding.Func) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Schedule(ctx, datastore.ScheduleArgs{
		ID:          types.JobID(id),
		ScheduledAt: f.clock.Now(),
		Request:     types.HTTPRequestSpec{URL: url, Method: "POST"},
	}, shardFn)
	require.NoError(t, err)
	doc, err := f.store.Get(ctx, types.JobID(id))
	require.NoError(t, err)
	require.NoError(t, f.store.QueueJobs(ctx, []types.JobDocument{doc}))
}

func (f *fixture) doc(t *testing.T, id string) types.JobDocument {
	t.Helper()
	doc, err := f.store.Get(context.Background(), types.JobID(id))
	require.NoError(t, err)
	return doc
}

func (f *fixture) completed(id string) func() bool {
	return func() bool {
		doc, err := f.store.Get(context.Background(), types.JobID(id))
		return err == nil && doc.Status.Value == types.StatusCompleted
	}
}

func newPool(t *testing.T, max int) *worker.Pool {
	t.Helper()
	pool, err := worker.NewPool(worker.Config{MaxSize: max, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return pool
}

func (f *fixture) start(t *testing.T, cfg Config) *Processor {
	t.Helper()
	if cfg.Datastore == nil {
		cfg.Datastore = f.store
	}
	if cfg.Pool == nil {
		cfg.Pool = newPool(t, 10)
	}
	cfg.Clock = f.clock
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func okServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ============================================================================
// Execution tests
// ============================================================================

func TestProcessesQueuedJobs(t *testing.T) {
	f := newFixture(t)
	srv := okServer(t, nil)
	for i := 0; i < 3; i++ {
		f.queue(t, fmt.Sprintf("job-%d", i), srv.URL, nil)
	}

	f.start(t, Config{})

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.Eventually(t, f.completed(id), 2*time.Second, 5*time.Millisecond, id)
		doc := f.doc(t, id)
		require.NotNil(t, doc.Status.StartedAt)
		require.NotNil(t, doc.Status.CompletedAt)
		completed, ok := doc.Status.LastCall.(types.CallCompleted)
		require.True(t, ok)
		assert.Equal(t, 200, completed.Response.StatusCode)
		assert.Equal(t, int64(2), completed.Response.SizeInBytes)
	}
}

func TestPicksUpNewlyQueuedJobs(t *testing.T) {
	f := newFixture(t)
	srv := okServer(t, nil)
	p := f.start(t, Config{})
	assert.Equal(t, StateRunning, p.State())

	// The drain of the empty queue finishes asynchronously.
	time.Sleep(20 * time.Millisecond)
	f.queue(t, "late", srv.URL, nil)
	require.Eventually(t, f.completed("late"), 2*time.Second, 5*time.Millisecond)
}

func TestErroredCallStillCompletes(t *testing.T) {
	f := newFixture(t)
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close()
	f.queue(t, "unreachable", dead.URL, nil)

	pool := newPool(t, 1)
	f.start(t, Config{Pool: pool})

	require.Eventually(t, f.completed("unreachable"), 2*time.Second, 5*time.Millisecond)
	_, errored := f.doc(t, "unreachable").Status.LastCall.(types.CallErrored)
	assert.True(t, errored)
	assert.Equal(t, 1, pool.Available())
}

func TestNoDuplicateExecutionAcrossProcessors(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int32
	srv := okServer(t, &hits)
	const jobs = 20
	for i := 0; i < jobs; i++ {
		f.queue(t, fmt.Sprintf("job-%02d", i), srv.URL, nil)
	}

	f.start(t, Config{Batch: 5})
	f.start(t, Config{Batch: 5})

	for i := 0; i < jobs; i++ {
		require.Eventually(t, f.completed(fmt.Sprintf("job-%02d", i)), 2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, int32(jobs), hits.Load())
}

func TestBoundedParallelism(t *testing.T) {
	f := newFixture(t)
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
	}))
	defer srv.Close()
	for i := 0; i < 6; i++ {
		f.queue(t, fmt.Sprintf("job-%d", i), srv.URL, nil)
	}

	f.start(t, Config{Parallelism: 2})
	for i := 0; i < 6; i++ {
		require.Eventually(t, f.completed(fmt.Sprintf("job-%d", i)), 2*time.Second, 5*time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 1)
}

func TestPoolSizeBoundsConcurrencyBelowParallelism(t *testing.T) {
	f := newFixture(t)
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
	}))
	defer srv.Close()
	const jobs = 24
	for i := 0; i < jobs; i++ {
		f.queue(t, fmt.Sprintf("job-%02d", i), srv.URL, nil)
	}

	pool := newPool(t, 2)
	f.start(t, Config{Parallelism: 8, Pool: pool})
	for i := 0; i < jobs; i++ {
		require.Eventually(t, f.completed(fmt.Sprintf("job-%02d", i)), 5*time.Second, 5*time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 1)
	assert.Eventually(t, func() bool { return pool.InUse() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, pool.Available())
}

func TestShardFiltering(t *testing.T) {
	f := newFixture(t)
	srv := okServer(t, nil)
	f.queue(t, "mine", srv.URL, datastoretest.FixedShards(1))
	f.queue(t, "theirs", srv.URL, datastoretest.FixedShards(0))

	f.start(t, Config{Client: coordination.NewStatic(1, 2)})

	require.Eventually(t, f.completed("mine"), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, types.StatusQueued, f.doc(t, "theirs").Status.Value)
}

func TestClosedPoolLeavesJobQueued(t *testing.T) {
	f := newFixture(t)
	srv := okServer(t, nil)
	f.queue(t, "stuck", srv.URL, nil)
	pool := newPool(t, 1)
	require.NoError(t, pool.Close(context.Background()))

	ds := &countingStore{Datastore: f.store}
	f.start(t, Config{Pool: pool, Datastore: ds})
	require.Eventually(t, func() bool { return ds.reads.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.StatusQueued, f.doc(t, "stuck").Status.Value)
}

// ============================================================================
// Coalescing and lifecycle tests
// ============================================================================

func TestProcessQueueCoalesces(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	var started atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started.Store(true)
		<-release
	}))
	defer srv.Close()
	f.queue(t, "slow", srv.URL, nil)

	ds := &countingStore{Datastore: f.store}
	p := f.start(t, Config{Datastore: ds})
	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), ds.reads.Load())

	for i := 0; i < 5; i++ {
		p.processQueue()
	}
	close(release)

	require.Eventually(t, f.completed("slow"), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ds.reads.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), ds.reads.Load(), "five triggers during a drain cause one re-read")
}

func TestGracefulCloseBlocksOnInFlightJob(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	var started atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started.Store(true)
		<-release
	}))
	defer srv.Close()
	f.queue(t, "held", srv.URL, nil)

	p := f.start(t, Config{})
	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.Close(context.Background()) }()

	select {
	case <-done:
		t.Fatal("close returned while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateClosing, p.State())

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after the job finished")
	}
	assert.Equal(t, StateClosed, p.State())
	assert.Equal(t, types.StatusCompleted, f.doc(t, "held").Status.Value)

	// After close, newly queued jobs are left alone.
	f.queue(t, "after", srv.URL, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.StatusQueued, f.doc(t, "after").Status.Value)
}

func TestCloseIsImmediateWhenIdle(t *testing.T) {
	f := newFixture(t)
	p := f.start(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	assert.Equal(t, StateClosed, p.State())
	require.NoError(t, p.Close(ctx))
	assert.ErrorIs(t, p.Start(context.Background()), ErrClosed)
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)
	pool := newPool(t, 1)

	_, err := New(Config{Pool: pool})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Datastore: f.store})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Datastore: f.store, Pool: pool, Parallelism: MaxParallelism + 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
