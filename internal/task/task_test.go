package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	input := map[string]any{"handle": "seytonic"}
	now := time.Now()

	tsk := NewTask("channel_health", input, now)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, "channel_health", tsk.Workflow)
	assert.Equal(t, input, tsk.Input)
	assert.Equal(t, StatusPending, tsk.Status)
	assert.Equal(t, now, tsk.CreatedAt)
	assert.Equal(t, now, tsk.UpdatedAt)
	assert.Nil(t, tsk.StartedAt)
	assert.Nil(t, tsk.CompletedAt)
	assert.Nil(t, tsk.Result)
	assert.Nil(t, tsk.Error)
}

func TestNewTask_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		tsk := NewTask("video_analysis", nil, time.Now())
		assert.False(t, seen[tsk.ID], "duplicate id %s", tsk.ID)
		seen[tsk.ID] = true
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.True(t, tt.status.Valid())
		})
	}

	assert.False(t, TaskStatus("dead_letter").Valid())
}

func TestTaskJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	started := now.Add(time.Second)
	completed := now.Add(5 * time.Second)
	original := &Task{
		ID:          "task-123",
		Workflow:    "channel_health",
		Input:       map[string]any{"handle": "seytonic"},
		Status:      StatusCompleted,
		Result:      map[string]any{"subscribers": float64(100000)},
		Stages:      []string{"channel_stats", "health_score"},
		CreatedAt:   now,
		UpdatedAt:   completed,
		StartedAt:   &started,
		CompletedAt: &completed,
	}

	data, err := original.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, data, "channel_health")

	restored, err := TaskFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Status, restored.Status)
	assert.Equal(t, original.Result, restored.Result)
	assert.Equal(t, original.Stages, restored.Stages)
	assert.True(t, original.CompletedAt.Equal(*restored.CompletedAt))
	assert.Equal(t, 4*time.Second, restored.Duration())
}

func TestTaskFromJSON_InvalidJSON(t *testing.T) {
	_, err := TaskFromJSON("invalid json")

	assert.Error(t, err)
}

func TestTaskClone_DoesNotAlias(t *testing.T) {
	started := time.Now()
	original := &Task{
		ID:        "task-1",
		Input:     map[string]any{"nested": map[string]any{"a": 1}},
		Result:    map[string]any{"list": []any{"x", "y"}},
		Error:     &TaskError{Kind: KindPermanent, Message: "bad input"},
		Stages:    []string{"one"},
		StartedAt: &started,
	}

	clone := original.Clone()
	clone.Input["nested"].(map[string]any)["a"] = 2
	clone.Result["list"].([]any)[0] = "z"
	clone.Error.Message = "changed"
	clone.Stages[0] = "two"
	*clone.StartedAt = started.Add(time.Hour)

	assert.Equal(t, 1, original.Input["nested"].(map[string]any)["a"])
	assert.Equal(t, "x", original.Result["list"].([]any)[0])
	assert.Equal(t, "bad input", original.Error.Message)
	assert.Equal(t, "one", original.Stages[0])
	assert.True(t, original.StartedAt.Equal(started))
}

func TestTaskError_Error(t *testing.T) {
	err := &TaskError{Kind: KindTransient, Message: "rate limited"}

	assert.Equal(t, "transient: rate limited", err.Error())
}

func TestDuration_NotTerminal(t *testing.T) {
	tsk := NewTask("video_analysis", nil, time.Now())

	assert.Zero(t, tsk.Duration())
}
