package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/creatorq/internal/task"
)

type MockPostgresRepository struct {
	mu                    sync.Mutex
	SaveTaskCalls         []SaveTaskCall
	UpdateTaskStatusCalls []UpdateTaskStatusCall
	CompleteTaskCalls     []CompleteTaskCall
	FailTaskCalls         []FailTaskCall
	LogExecutionCalls     []LogExecutionCall
	Tasks                 map[string]*task.Task
	TaskStats             []TaskStats
	RecentTasks           []RecentTask
	SaveTaskError         error
	CompleteTaskError     error
	FailTaskError         error
	LogExecutionError     error
	GetTaskStatsError     error
	GetRecentTasksError   error
	GetTaskHistoryError   error
}

type SaveTaskCall struct {
	Task *task.Task
}

type UpdateTaskStatusCall struct {
	TaskID string
	Status task.TaskStatus
}

type CompleteTaskCall struct {
	TaskID     string
	Cached     bool
	DurationMs int
}

type FailTaskCall struct {
	TaskID     string
	Kind       task.ErrorKind
	Reason     string
	DurationMs int
}

type LogExecutionCall struct {
	TaskID        string
	Stage         string
	AttemptNumber int
	Status        string
	DurationMs    int
	ErrorMsg      string
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Tasks:       make(map[string]*task.Task),
		TaskStats:   make([]TaskStats, 0),
		RecentTasks: make([]RecentTask, 0),
	}
}

func (m *MockPostgresRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}

	return t.Clone(), nil
}

func (m *MockPostgresRepository) SaveTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = append(m.SaveTaskCalls, SaveTaskCall{Task: t})

	if m.SaveTaskError != nil {
		return m.SaveTaskError
	}

	m.Tasks[t.ID] = t.Clone()
	return nil
}

func (m *MockPostgresRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateTaskStatusCalls = append(m.UpdateTaskStatusCalls, UpdateTaskStatusCall{
		TaskID: taskID,
		Status: status,
	})

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = status
	}

	return nil
}

func (m *MockPostgresRepository) CompleteTask(ctx context.Context, taskID string, cached bool, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteTaskCalls = append(m.CompleteTaskCalls, CompleteTaskCall{
		TaskID:     taskID,
		Cached:     cached,
		DurationMs: durationMs,
	})

	if m.CompleteTaskError != nil {
		return m.CompleteTaskError
	}

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.StatusCompleted
		t.Cached = cached
	}

	return nil
}

func (m *MockPostgresRepository) FailTask(ctx context.Context, taskID string, kind task.ErrorKind, reason string, durationMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailTaskCalls = append(m.FailTaskCalls, FailTaskCall{
		TaskID:     taskID,
		Kind:       kind,
		Reason:     reason,
		DurationMs: durationMs,
	})

	if m.FailTaskError != nil {
		return m.FailTaskError
	}

	if t, exists := m.Tasks[taskID]; exists {
		t.Status = task.StatusFailed
		t.Error = &task.TaskError{Kind: kind, Message: reason}
	}

	return nil
}

func (m *MockPostgresRepository) LogExecution(ctx context.Context, taskID string, stage string, attemptNumber int, status string, durationMs int, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogExecutionCalls = append(m.LogExecutionCalls, LogExecutionCall{
		TaskID:        taskID,
		Stage:         stage,
		AttemptNumber: attemptNumber,
		Status:        status,
		DurationMs:    durationMs,
		ErrorMsg:      errorMsg,
	})

	return m.LogExecutionError
}

func (m *MockPostgresRepository) GetTaskStats(ctx context.Context, hours int) ([]TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskStatsError != nil {
		return nil, m.GetTaskStatsError
	}

	return m.TaskStats, nil
}

func (m *MockPostgresRepository) GetRecentTasks(ctx context.Context, limit int) ([]RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentTasksError != nil {
		return nil, m.GetRecentTasksError
	}

	if len(m.RecentTasks) > limit {
		return m.RecentTasks[:limit], nil
	}

	return m.RecentTasks, nil
}

func (m *MockPostgresRepository) GetTasksByWorkflow(ctx context.Context, workflow string, limit int) ([]RecentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentTasksError != nil {
		return nil, m.GetRecentTasksError
	}

	var filtered []RecentTask
	for _, t := range m.RecentTasks {
		if t.Workflow == workflow {
			filtered = append(filtered, t)
			if len(filtered) >= limit {
				break
			}
		}
	}

	return filtered, nil
}

func (m *MockPostgresRepository) GetTaskHistory(ctx context.Context, taskID string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskHistoryError != nil {
		return nil, m.GetTaskHistoryError
	}

	var history []map[string]any
	for _, call := range m.LogExecutionCalls {
		if call.TaskID == taskID {
			history = append(history, map[string]any{
				"stage":          call.Stage,
				"attempt_number": call.AttemptNumber,
				"status":         call.Status,
				"duration_ms":    call.DurationMs,
				"error_message":  call.ErrorMsg,
			})
		}
	}

	return history, nil
}

func (m *MockPostgresRepository) Close() error {
	return nil
}

func (m *MockPostgresRepository) GetSaveTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveTaskCalls)
}

func (m *MockPostgresRepository) GetCompleteTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.CompleteTaskCalls)
}

func (m *MockPostgresRepository) GetFailTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.FailTaskCalls)
}

func (m *MockPostgresRepository) GetLogExecutionCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.LogExecutionCalls)
}

func (m *MockPostgresRepository) GetTaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.Tasks[taskID]; exists {
		return t.Status, true
	}

	return "", false
}

// GetExecutionLogForTask returns the attempts recorded for one task, optionally
// restricted to a stage.
func (m *MockPostgresRepository) GetExecutionLogForTask(taskID, stage string) []LogExecutionCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []LogExecutionCall
	for _, exec := range m.LogExecutionCalls {
		if exec.TaskID != taskID {
			continue
		}
		if stage != "" && exec.Stage != stage {
			continue
		}
		logs = append(logs, exec)
	}

	return logs
}

func (m *MockPostgresRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveTaskCalls = nil
	m.UpdateTaskStatusCalls = nil
	m.CompleteTaskCalls = nil
	m.FailTaskCalls = nil
	m.LogExecutionCalls = nil
	m.Tasks = make(map[string]*task.Task)
}
