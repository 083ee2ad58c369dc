package scheduler

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/falcon-scheduler/internal/datastore"
	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

// window is the half-open range [min, max) of scheduledAt. A nil min is
// unbounded below and only occurs for the origin window.
type window struct {
	min *time.Time
	max time.Time
}

func (w window) next(period time.Duration) window {
	start := w.max
	return window{min: &start, max: start.Add(period)}
}

func (w window) String() string {
	if w.min == nil {
		return fmt.Sprintf("[-inf, %s)", w.max.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("[%s, %s)", w.min.Format(time.RFC3339Nano), w.max.Format(time.RFC3339Nano))
}

// schedulePeriod pages through the registered jobs of w in (scheduledAt, id)
// order and plans each page. The caller holds an inflight slot.
func (s *Scheduler) schedulePeriod(epoch uint64, shards *types.ShardsToListenTo, w window) {
	var after *datastore.Cursor
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if !s.current(epoch) {
			return
		}
		docs, err := s.ds.GetRegisteredJobsByScheduledAt(s.ctx, datastore.RegisteredQuery{
			MinScheduledAt: w.min,
			MaxScheduledAt: w.max,
			Limit:          s.cfg.ScheduleBatch,
			After:          after,
			Shards:         shards,
		})
		if err != nil {
			s.cfg.Reporter.Report("scheduler", fmt.Errorf("fetch window %s: %w", w, err))
			return
		}
		s.log.Debug("fetched window page", "window", w.String(), "jobs", len(docs), "attempt", attempt)
		s.plan(epoch, docs)
		if len(docs) < s.cfg.ScheduleBatch {
			return
		}
		after = datastore.CursorOf(docs[len(docs)-1])
	}
	s.log.Warn("window pagination stopped at max attempts", "window", w.String(), "maxAttempts", s.cfg.MaxAttempts)
}

// schedulePeriodRecursively arms the single next-window timer for w.min.
// When it fires, w is fetched and the following window is armed.
func (s *Scheduler) schedulePeriodRecursively(epoch uint64, shards *types.ShardsToListenTo, w window) {
	delay := w.min.Sub(s.cfg.Clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning || s.epoch != epoch {
		return
	}
	if s.nextWindow != nil {
		s.nextWindow.Stop()
	}
	s.nextWindow = s.cfg.Clock.AfterFunc(delay, func() {
		if !s.enter(epoch) {
			return
		}
		s.schedulePeriod(epoch, shards, w)
		s.leave()
		s.schedulePeriodRecursively(epoch, shards, w.next(s.cfg.SchedulePeriod))
	})
}

// plan routes due jobs and arms a timer for every future one. A job due
// exactly now counts as due.
func (s *Scheduler) plan(epoch uint64, docs []types.JobDocument) {
	if len(docs) == 0 {
		return
	}
	now := s.cfg.Clock.Now()
	var due []types.JobDocument
	for _, doc := range docs {
		if doc.Definition.ScheduledAt.After(now) {
			s.scheduleSetTimeout(epoch, doc, doc.Definition.ScheduledAt.Sub(now))
			continue
		}
		due = append(due, doc)
	}
	s.rateLimitOrQueue(epoch, due)
}

// scheduleSetTimeout arms the job's local timer. Arming a job that is
// already planned does nothing.
func (s *Scheduler) scheduleSetTimeout(epoch uint64, doc types.JobDocument, delay time.Duration) {
	id := doc.ID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning || s.epoch != epoch {
		return
	}
	if _, ok := s.planned[id]; ok {
		s.log.Warn("job already planned, not arming a second timer", "jobID", id)
		return
	}
	pt := &plannedTimeout{doc: doc}
	pt.timer = s.cfg.Clock.AfterFunc(delay, func() { s.fire(epoch, pt) })
	s.planned[id] = pt
	s.cfg.Metrics.SetPlannedTimeouts(len(s.planned))
}

func (s *Scheduler) fire(epoch uint64, pt *plannedTimeout) {
	id := pt.doc.ID()
	s.mu.Lock()
	if s.planned[id] != pt || s.state != stateRunning || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	delete(s.planned, id)
	s.cfg.Metrics.SetPlannedTimeouts(len(s.planned))
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.leave()

	s.log.Debug("planned timeout fired", "jobID", id)
	s.rateLimitOrQueue(epoch, []types.JobDocument{pt.doc})
}

func (s *Scheduler) onShortNotice(epoch uint64, docs []types.JobDocument) {
	if !s.enter(epoch) {
		return
	}
	defer s.leave()
	s.log.Debug("short-notice jobs", "jobs", len(docs))
	s.plan(epoch, docs)
}

func (s *Scheduler) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning && s.epoch == epoch
}
