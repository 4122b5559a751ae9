package repository

import (
	"context"

	"github.com/nadmax/creatorq/internal/task"
)

// TaskRepository persists task history. Writes are best-effort from the
// orchestrator's point of view: the in-memory registry stays authoritative.
type TaskRepository interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus) error
	CompleteTask(ctx context.Context, taskID string, cached bool, durationMs int) error
	FailTask(ctx context.Context, taskID string, kind task.ErrorKind, reason string, durationMs int) error
	LogExecution(ctx context.Context, taskID string, stage string, attemptNumber int, status string, durationMs int, msgErr string) error
	GetTaskStats(ctx context.Context, hours int) ([]TaskStats, error)
	GetRecentTasks(ctx context.Context, limit int) ([]RecentTask, error)
	GetTasksByWorkflow(ctx context.Context, workflow string, limit int) ([]RecentTask, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]map[string]any, error)
	Close() error
}
