// ============================================================================
// Falcon Worker - 單次 HTTP 呼叫執行者
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 每次 Execute 發出一個對外 HTTP 呼叫，並以短事件流回報結果
//
// 事件流:
//   CallStarted{startedAt}
//   接著恰好一個:
//     CallCompleted{startedAt, completedAt, response}  任何 HTTP 回應（含非 2xx）
//     CallErrored{startedAt, message}                  建立請求或傳輸失敗
//   最後關閉 channel
//
// 歸還:
//   *Worker 是一次借用的租約。Execute 在 channel 關閉前歸還租約
//   （含 panic 路徑），讀完 channel 的呼叫者可以確定名額已釋放。
//   之後再呼叫 Release 不會影響其他借用者。
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// Worker is one borrow from a Pool. Each NextWorker call returns a new
// Worker; IDs repeat when the pool reuses an idle slot.
type Worker struct {
	id       int
	pool     *Pool
	released bool // guarded by pool.mu
}

// ID identifies the worker in logs.
func (w *Worker) ID() int { return w.id }

// Release returns this borrow to its pool. Calls after the first, including
// the one Execute makes, do nothing.
func (w *Worker) Release() {
	w.pool.release(w)
}

// Execute performs the job's HTTP call. The returned channel yields at most
// three events and is closed once the worker is released.
func (w *Worker) Execute(ctx context.Context, def types.JobDefinition) <-chan types.CallEvent {
	events := make(chan types.CallEvent, 3)
	go func() {
		defer close(events)
		defer w.Release()

		startedAt := w.pool.cfg.Clock.Now()
		events <- types.CallStarted{StartedAt: startedAt}
		events <- w.call(ctx, def, startedAt)
	}()
	return events
}

func (w *Worker) call(ctx context.Context, def types.JobDefinition, startedAt time.Time) (ev types.CallEvent) {
	defer func() {
		if r := recover(); r != nil {
			ev = types.CallErrored{StartedAt: startedAt, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, w.pool.cfg.Timeout)
	defer cancel()

	req, err := newRequest(ctx, def.Request)
	if err != nil {
		return types.CallErrored{StartedAt: startedAt, Message: err.Error()}
	}
	req.Header.Set("User-Agent", w.pool.cfg.UserAgent)
	req.Header.Set("X-Falcon-Job-Id", string(def.ID))
	for k, v := range def.Request.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.pool.cfg.Client.Do(req)
	if err != nil {
		return types.CallErrored{StartedAt: startedAt, Message: err.Error()}
	}
	defer resp.Body.Close()
	size, _ := io.Copy(io.Discard, resp.Body)

	return types.CallCompleted{
		StartedAt:   startedAt,
		CompletedAt: w.pool.cfg.Clock.Now(),
		Response: types.CallResponse{
			StatusCode:  resp.StatusCode,
			StatusText:  http.StatusText(resp.StatusCode),
			SizeInBytes: size,
		},
	}
}

func newRequest(ctx context.Context, spec types.HTTPRequestSpec) (*http.Request, error) {
	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("build request: unsupported scheme %q", req.URL.Scheme)
	}
	return req, nil
}
