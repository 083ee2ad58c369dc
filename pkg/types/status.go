package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StatusValue is the tag of a JobStatus.
type StatusValue string

// Status values in their forward order.
const (
	StatusRegistered  StatusValue = "registered"   // waiting for its due time
	StatusRateLimited StatusValue = "rate-limited" // due, waiting for admission
	StatusQueued      StatusValue = "queued"       // ready to be executed
	StatusRunning     StatusValue = "running"      // HTTP call in flight
	StatusCompleted   StatusValue = "completed"    // terminal
	StatusDead        StatusValue = "dead"         // terminal, set by the watchdog
)

// AllStatuses lists every status value in forward order.
var AllStatuses = []StatusValue{
	StatusRegistered, StatusRateLimited, StatusQueued,
	StatusRunning, StatusCompleted, StatusDead,
}

// ErrInvalidTransition is returned when a status transition would move
// backwards or skip an allowed edge.
var ErrInvalidTransition = errors.New("invalid status transition")

var allowedTransitions = map[StatusValue][]StatusValue{
	StatusRegistered:  {StatusRateLimited, StatusQueued},
	StatusRateLimited: {StatusQueued},
	StatusQueued:      {StatusRunning},
	StatusRunning:     {StatusCompleted, StatusDead},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to StatusValue) bool {
	for _, v := range allowedTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// JobStatus is a tagged state with the timestamp of every transition reached.
type JobStatus struct {
	Value         StatusValue
	RegisteredAt  *time.Time
	RateLimitedAt *time.Time
	QueuedAt      *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time

	// Set on completion.
	LastCall     CallEvent
	ExecutionLag time.Duration
	Duration     time.Duration
}

// NewRegisteredStatus is the initial status of every job.
func NewRegisteredStatus(at time.Time) JobStatus {
	return JobStatus{Value: StatusRegistered, RegisteredAt: &at}
}

func (s JobStatus) latest() time.Time {
	for _, t := range []*time.Time{s.CompletedAt, s.StartedAt, s.QueuedAt, s.RateLimitedAt, s.RegisteredAt} {
		if t != nil {
			return *t
		}
	}
	return time.Time{}
}

func (s JobStatus) transition(to StatusValue) (JobStatus, error) {
	if !CanTransition(s.Value, to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Value, to)
	}
	s.Value = to
	return s, nil
}

// RateLimited moves a registered job to rate-limited.
func (s JobStatus) RateLimited(at time.Time) (JobStatus, error) {
	next, err := s.transition(StatusRateLimited)
	if err != nil {
		return s, err
	}
	t := clampAfter(at, s.latest())
	next.RateLimitedAt = &t
	return next, nil
}

// Queued moves a registered or rate-limited job to queued.
func (s JobStatus) Queued(at time.Time) (JobStatus, error) {
	next, err := s.transition(StatusQueued)
	if err != nil {
		return s, err
	}
	t := clampAfter(at, s.latest())
	next.QueuedAt = &t
	return next, nil
}

// Running moves a queued job to running.
func (s JobStatus) Running(at time.Time) (JobStatus, error) {
	next, err := s.transition(StatusRunning)
	if err != nil {
		return s, err
	}
	t := clampAfter(at, s.latest())
	next.StartedAt = &t
	return next, nil
}

// Completed moves a running job to completed, recording the terminal call
// event and the derived lag/duration. scheduledAt is the job's due time.
func (s JobStatus) Completed(at time.Time, scheduledAt time.Time, call CallEvent) (JobStatus, error) {
	next, err := s.transition(StatusCompleted)
	if err != nil {
		return s, err
	}
	t := clampAfter(at, s.latest())
	next.CompletedAt = &t
	next.LastCall = call
	if s.StartedAt != nil {
		next.ExecutionLag = s.StartedAt.Sub(scheduledAt)
		next.Duration = t.Sub(*s.StartedAt)
	}
	return next, nil
}

// Dead is the watchdog override for stuck running jobs.
func (s JobStatus) Dead(at time.Time) (JobStatus, error) {
	next, err := s.transition(StatusDead)
	if err != nil {
		return s, err
	}
	t := clampAfter(at, s.latest())
	next.CompletedAt = &t
	return next, nil
}

// clampAfter keeps timestamps monotonic when the caller's clock lags.
func clampAfter(at, floor time.Time) time.Time {
	if at.Before(floor) {
		return floor
	}
	return at
}

// ============================================================================
// JSON
// ============================================================================

type jobStatusJSON struct {
	Value          StatusValue      `json:"value"`
	RegisteredAt   *time.Time       `json:"registered_at,omitempty"`
	RateLimitedAt  *time.Time       `json:"rate_limited_at,omitempty"`
	QueuedAt       *time.Time       `json:"queued_at,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	LastCall       *json.RawMessage `json:"last_call,omitempty"`
	ExecutionLagMs int64            `json:"execution_lag_ms,omitempty"`
	DurationMs     int64            `json:"duration_ms,omitempty"`
}

// MarshalJSON encodes LastCall with a type tag.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	out := jobStatusJSON{
		Value:          s.Value,
		RegisteredAt:   s.RegisteredAt,
		RateLimitedAt:  s.RateLimitedAt,
		QueuedAt:       s.QueuedAt,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		ExecutionLagMs: s.ExecutionLag.Milliseconds(),
		DurationMs:     s.Duration.Milliseconds(),
	}
	if s.LastCall != nil {
		raw, err := MarshalCallEvent(s.LastCall)
		if err != nil {
			return nil, err
		}
		msg := json.RawMessage(raw)
		out.LastCall = &msg
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var in jobStatusJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = JobStatus{
		Value:         in.Value,
		RegisteredAt:  in.RegisteredAt,
		RateLimitedAt: in.RateLimitedAt,
		QueuedAt:      in.QueuedAt,
		StartedAt:     in.StartedAt,
		CompletedAt:   in.CompletedAt,
		ExecutionLag:  time.Duration(in.ExecutionLagMs) * time.Millisecond,
		Duration:      time.Duration(in.DurationMs) * time.Millisecond,
	}
	if in.LastCall != nil {
		ev, err := UnmarshalCallEvent(*in.LastCall)
		if err != nil {
			return err
		}
		s.LastCall = ev
	}
	return nil
}
