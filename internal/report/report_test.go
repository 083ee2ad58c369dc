package report

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/falcon-scheduler/internal/metrics"
)

func TestLogWritesAndCounts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	reg := prometheus.NewRegistry()
	r := NewLog(logger, metrics.NewCollector(reg))

	r.Report("scheduler", errors.New("boom"), "jobID", "abc")

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "component=scheduler")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "jobID=abc")

	families, err := reg.Gather()
	assert.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "falcon_errors_reported_total" {
			found = true
			assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestSafeSwallowsPanics(t *testing.T) {
	var calls int
	r := Safe(Func(func(string, error, ...any) {
		calls++
		panic("sink down")
	}))
	assert.NotPanics(t, func() { r.Report("processor", errors.New("x")) })
	assert.Equal(t, 1, calls)

	// Wrapping twice does not nest.
	assert.Equal(t, r, Safe(r))
}

func TestSafeNil(t *testing.T) {
	assert.NotPanics(t, func() { Safe(nil).Report("watchdog", errors.New("x")) })
}
