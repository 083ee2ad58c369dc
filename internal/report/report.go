// Package report is the single sink for unexpected asynchronous errors
// raised by the scheduler, the processor and the watchdog. Callers never
// propagate these errors into their control flow; they report and move on.
package report

import (
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/falcon-scheduler/internal/metrics"
)

// Reporter receives errors that no caller can handle. attrs are slog-style
// key/value pairs.
type Reporter interface {
	Report(component string, err error, attrs ...any)
}

// Func adapts a plain function to Reporter.
type Func func(component string, err error, attrs ...any)

func (f Func) Report(component string, err error, attrs ...any) { f(component, err, attrs...) }

// Log writes reports to a logger at Error level and counts them.
type Log struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// NewLog returns a Log reporter; a nil logger means slog.Default().
func NewLog(logger *slog.Logger, m *metrics.Collector) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger, Metrics: m}
}

func (l *Log) Report(component string, err error, attrs ...any) {
	args := append([]any{"component", component, "error", err}, attrs...)
	l.Logger.Error("unexpected error", args...)
	l.Metrics.RecordReportedError(component)
}

// Safe wraps r so that a panicking or nil reporter never escapes into the
// caller. Close paths rely on this to always complete.
func Safe(r Reporter) Reporter {
	if r == nil {
		return NewLog(nil, nil)
	}
	if s, ok := r.(safe); ok {
		return s
	}
	return safe{r}
}

type safe struct{ inner Reporter }

func (s safe) Report(component string, err error, attrs ...any) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("reporter panicked", "component", component, "error", err, "panic", fmt.Sprint(p))
		}
	}()
	s.inner.Report(component, err, attrs...)
}
