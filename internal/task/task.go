// Package task defines the core task domain model shared by the registry, the orchestrator
// and the persistence layer. It contains task metadata, status definitions and serialization helpers.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	TaskStatus string
	ErrorKind  string
	Payload    = map[string]any

	TaskError struct {
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
	}

	Task struct {
		ID          string     `json:"id"`
		Workflow    string     `json:"workflow"`
		Input       Payload    `json:"input,omitempty"`
		CacheKey    string     `json:"cache_key,omitempty"`
		Status      TaskStatus `json:"status"`
		Result      Payload    `json:"result,omitempty"`
		Error       *TaskError `json:"error,omitempty"`
		Cached      bool       `json:"cached"`
		Stages      []string   `json:"stages,omitempty"`
		CreatedAt   time.Time  `json:"created_at"`
		UpdatedAt   time.Time  `json:"updated_at"`
		StartedAt   *time.Time `json:"started_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
	}
)

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

const (
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindTransient         ErrorKind = "transient"
	KindPermanent         ErrorKind = "permanent"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindInternal          ErrorKind = "internal"
)

func NewTask(workflow string, input Payload, now time.Time) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Workflow:  workflow,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether no transition can leave s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Duration is the wall time between start and completion, zero while the task is not terminal.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Clone returns a deep copy so that snapshots handed to callers never alias registry state.
func (t *Task) Clone() *Task {
	c := *t
	c.Input = ClonePayload(t.Input)
	c.Result = ClonePayload(t.Result)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Stages != nil {
		c.Stages = append([]string(nil), t.Stages...)
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	return &c
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func TaskFromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}

// ClonePayload deep-copies nested maps and slices. Leaf values are assumed immutable.
func ClonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return ClonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
