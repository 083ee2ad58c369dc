package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// CallEvent is the closed set of HTTP call status events emitted by a
// worker: CallStarted, then exactly one of CallCompleted or CallErrored.
// The unexported marker method keeps the set closed to this package.
type CallEvent interface {
	isCallEvent()
}

// CallStarted is emitted before the request is sent.
type CallStarted struct {
	StartedAt time.Time
}

// CallResponse captures the parts of a response that are persisted.
type CallResponse struct {
	StatusCode  int    `json:"status_code"`
	StatusText  string `json:"status_text"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

// CallCompleted is emitted once any response was received, whatever its
// status code.
type CallCompleted struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Response    CallResponse
}

// CallErrored is emitted when no response was received at all.
type CallErrored struct {
	StartedAt time.Time
	Message   string
}

func (CallStarted) isCallEvent()   {}
func (CallCompleted) isCallEvent() {}
func (CallErrored) isCallEvent()   {}

// IsTerminal reports whether ev ends the event sequence.
func IsTerminal(ev CallEvent) bool {
	switch ev.(type) {
	case CallCompleted, CallErrored:
		return true
	default:
		return false
	}
}

type callEnvelope struct {
	Type        string        `json:"type"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Response    *CallResponse `json:"response,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// MarshalCallEvent encodes ev with a "type" discriminator.
func MarshalCallEvent(ev CallEvent) ([]byte, error) {
	var env callEnvelope
	switch e := ev.(type) {
	case CallStarted:
		env = callEnvelope{Type: "started", StartedAt: e.StartedAt}
	case CallCompleted:
		completed := e.CompletedAt
		resp := e.Response
		env = callEnvelope{Type: "completed", StartedAt: e.StartedAt, CompletedAt: &completed, Response: &resp}
	case CallErrored:
		env = callEnvelope{Type: "errored", StartedAt: e.StartedAt, Message: e.Message}
	default:
		return nil, fmt.Errorf("unknown call event %T", ev)
	}
	return json.Marshal(env)
}

// UnmarshalCallEvent decodes the output of MarshalCallEvent.
func UnmarshalCallEvent(data []byte) (CallEvent, error) {
	var env callEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "started":
		return CallStarted{StartedAt: env.StartedAt}, nil
	case "completed":
		ev := CallCompleted{StartedAt: env.StartedAt}
		if env.CompletedAt != nil {
			ev.CompletedAt = *env.CompletedAt
		}
		if env.Response != nil {
			ev.Response = *env.Response
		}
		return ev, nil
	case "errored":
		return CallErrored{StartedAt: env.StartedAt, Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("unknown call event type %q", env.Type)
	}
}
