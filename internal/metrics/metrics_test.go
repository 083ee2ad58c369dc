package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsQueued, "jobsQueued counter should be initialized")
	assert.NotNil(t, collector.executionLag, "executionLag histogram should be initialized")
	assert.NotNil(t, collector.plannedTimeouts, "plannedTimeouts gauge should be initialized")

	// Registering twice on the same registry is a programming error.
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordRateLimited()
	c.RecordQueued(SourceDirect, 3)
	c.RecordQueued(SourceRateLimit, 1)
	c.RecordQueued(SourceDirect, 0)
	c.RecordStarted()
	c.RecordStarted()
	c.RecordDead()
	c.RecordPreconditionFailure("mark_running")
	c.RecordRestart()
	c.RecordReportedError("scheduler")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRateLimited))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsQueued.WithLabelValues(SourceDirect)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsQueued.WithLabelValues(SourceRateLimit)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDead))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.preconditionFailures.WithLabelValues("mark_running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorsReported.WithLabelValues("scheduler")))
}

func TestRecordCompleted(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordCompleted(false, 10*time.Millisecond, time.Second)
	c.RecordCompleted(true, time.Second, 2*time.Second)
	c.RecordCompleted(false, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("errored")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetPlannedTimeouts(7)
	c.SetAdmissionQueues(2)
	c.SetJobsInFlight(4)
	c.UpdatePoolStats(4, 96)
	c.SetTopology(1, 3)

	assert.Equal(t, 7.0, testutil.ToFloat64(c.plannedTimeouts))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.admissionQueues))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.jobsInFlight))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.workersInUse))
	assert.Equal(t, 96.0, testutil.ToFloat64(c.workersAvailable))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeIndex))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.clusterSize))

	c.SetPlannedTimeouts(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.plannedTimeouts))
}

func TestMetricMethodsWithNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRateLimited()
		c.RecordQueued(SourceDirect, 1)
		c.RecordStarted()
		c.RecordCompleted(false, time.Second, time.Second)
		c.RecordDead()
		c.RecordPreconditionFailure("queue")
		c.RecordRestart()
		c.RecordReportedError("processor")
		c.SetPlannedTimeouts(1)
		c.SetAdmissionQueues(1)
		c.SetJobsInFlight(1)
		c.UpdatePoolStats(1, 1)
		c.SetTopology(0, 1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordStarted()
				c.RecordQueued(SourceDirect, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(c.jobsStarted))
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.jobsQueued.WithLabelValues(SourceDirect)))
}

func TestCollectorIsolation(t *testing.T) {
	a := NewCollector(prometheus.NewRegistry())
	b := NewCollector(prometheus.NewRegistry())

	a.RecordDead()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.jobsDead))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.jobsDead))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordRestart()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "falcon_scheduler_restarts_total 1"))
}
