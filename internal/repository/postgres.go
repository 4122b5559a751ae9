// Package repository provides PostgreSQL persistence for task history.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/creatorq/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	task_id        TEXT PRIMARY KEY,
	workflow       TEXT NOT NULL,
	input          JSONB NOT NULL,
	cache_key      TEXT NOT NULL,
	status         TEXT NOT NULL,
	cached         BOOLEAN NOT NULL DEFAULT FALSE,
	error_kind     TEXT,
	failure_reason TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	duration_ms    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_task_history_workflow ON task_history (workflow, created_at DESC);
CREATE TABLE IF NOT EXISTS task_execution_log (
	id             BIGSERIAL PRIMARY KEY,
	task_id        TEXT NOT NULL,
	stage          TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at   TIMESTAMPTZ,
	duration_ms    INTEGER,
	error_message  TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_execution_log_task ON task_execution_log (task_id);
`

type PostgresTaskRepository struct {
	db *sql.DB
}

type TaskStats struct {
	Workflow      string  `json:"workflow"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	CachedCount   int     `json:"cached_count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
	MinDurationMs int     `json:"min_duration_ms"`
}

type RecentTask struct {
	TaskID        string     `json:"task_id"`
	Workflow      string     `json:"workflow"`
	Status        string     `json:"status"`
	Cached        bool       `json:"cached"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    *int       `json:"duration_ms,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

func NewPostgresTaskRepository(connectionString string) (*PostgresTaskRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresTaskRepository{db: db}, nil
}

// Migrate creates the history tables when they do not exist yet.
func (r *PostgresTaskRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate task history schema: %w", err)
	}
	return nil
}

func (r *PostgresTaskRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `
		SELECT
			task_id, workflow, input, cache_key, status, cached,
			error_kind, failure_reason, created_at, started_at, completed_at
		FROM task_history
		WHERE task_id = $1
	`

	var t task.Task
	var input []byte
	var startedAt, completedAt sql.NullTime
	var errorKind, failureReason sql.NullString

	err := r.db.QueryRowContext(ctx, query, taskID).Scan(
		&t.ID,
		&t.Workflow,
		&input,
		&t.CacheKey,
		&t.Status,
		&t.Cached,
		&errorKind,
		&failureReason,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(input, &t.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}

	t.UpdatedAt = t.CreatedAt
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
		t.UpdatedAt = startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
		t.UpdatedAt = completedAt.Time
	}
	if errorKind.Valid || failureReason.Valid {
		t.Error = &task.TaskError{
			Kind:    task.ErrorKind(errorKind.String),
			Message: failureReason.String,
		}
	}

	return &t, nil
}

func (r *PostgresTaskRepository) SaveTask(ctx context.Context, t *task.Task) error {
	input, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	query := `
		INSERT INTO task_history (
			task_id, workflow, input, cache_key, status, cached, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			cached = EXCLUDED.cached
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Workflow,
		input,
		t.CacheKey,
		t.Status,
		t.Cached,
		t.CreatedAt,
	)

	return err
}

func (r *PostgresTaskRepository) UpdateTaskStatus(ctx context.Context, taskID string, status task.TaskStatus) error {
	statusStr := string(status)
	query := `
		UPDATE task_history
		SET status = $1,
		    started_at = CASE WHEN $1::text = 'running' THEN NOW() ELSE started_at END
		WHERE task_id = $2
	`

	_, err := r.db.ExecContext(ctx, query, statusStr, taskID)
	return err
}

func (r *PostgresTaskRepository) CompleteTask(ctx context.Context, taskID string, cached bool, durationMs int) error {
	query := `
		UPDATE task_history
		SET status = 'completed',
		    cached = $1,
		    completed_at = NOW(),
		    duration_ms = $2
		WHERE task_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, cached, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) FailTask(ctx context.Context, taskID string, kind task.ErrorKind, reason string, durationMs int) error {
	query := `
		UPDATE task_history
		SET status = 'failed',
		    completed_at = NOW(),
		    error_kind = $1,
		    failure_reason = $2,
		    duration_ms = $3
		WHERE task_id = $4
	`
	_, err := r.db.ExecContext(ctx, query, string(kind), reason, durationMs, taskID)

	return err
}

func (r *PostgresTaskRepository) LogExecution(ctx context.Context, taskID string, stage string, attemptNumber int, status string, durationMs int, msgErr string) error {
	query := `
		INSERT INTO task_execution_log (
			task_id, stage, attempt_number, status, completed_at,
			duration_ms, error_message
		) VALUES ($1, $2, $3, $4, NOW(), $5, $6)
	`

	var durationMsVal any
	if durationMs == 0 {
		durationMsVal = nil
	} else {
		durationMsVal = durationMs
	}

	var msgErrVal any
	if msgErr == "" {
		msgErrVal = nil
	} else {
		msgErrVal = msgErr
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		taskID,
		stage,
		attemptNumber,
		status,
		durationMsVal,
		msgErrVal,
	)

	return err
}

func (r *PostgresTaskRepository) GetTaskStats(ctx context.Context, hours int) ([]TaskStats, error) {
	query := `
		SELECT
			workflow, status, COUNT(*) AS count,
			COUNT(*) FILTER (WHERE cached) AS cached_count,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) AS max_duration_ms,
			COALESCE(MIN(duration_ms), 0) AS min_duration_ms
		FROM task_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY workflow, status
		ORDER BY workflow, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var stats []TaskStats
	for rows.Next() {
		var s TaskStats
		if err := rows.Scan(
			&s.Workflow,
			&s.Status,
			&s.Count,
			&s.CachedCount,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.MinDurationMs,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

const recentTaskColumns = `
	task_id, workflow, status, cached, created_at, completed_at,
	duration_ms, COALESCE(error_kind, ''), COALESCE(failure_reason, '')
`

func (r *PostgresTaskRepository) GetRecentTasks(ctx context.Context, limit int) ([]RecentTask, error) {
	query := `SELECT ` + recentTaskColumns + `
		FROM task_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	return r.queryRecentTasks(ctx, query, limit)
}

func (r *PostgresTaskRepository) GetTasksByWorkflow(ctx context.Context, workflow string, limit int) ([]RecentTask, error) {
	query := `SELECT ` + recentTaskColumns + `
		FROM task_history
		WHERE workflow = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.queryRecentTasks(ctx, query, workflow, limit)
}

func (r *PostgresTaskRepository) queryRecentTasks(ctx context.Context, query string, args ...any) ([]RecentTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var tasks []RecentTask
	for rows.Next() {
		var t RecentTask
		if err := rows.Scan(
			&t.TaskID,
			&t.Workflow,
			&t.Status,
			&t.Cached,
			&t.CreatedAt,
			&t.CompletedAt,
			&t.DurationMs,
			&t.ErrorKind,
			&t.FailureReason,
		); err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// GetTaskHistory returns every recorded stage attempt of a task in execution order.
func (r *PostgresTaskRepository) GetTaskHistory(ctx context.Context, taskID string) ([]map[string]any, error) {
	query := `
		SELECT
			stage, attempt_number, status, started_at, completed_at,
			duration_ms, error_message
		FROM task_execution_log
		WHERE task_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var history []map[string]any
	for rows.Next() {
		var attemptNum int
		var stage, status string
		var startedAt, completedAt sql.NullTime
		var durationMs sql.NullInt64
		var msgErr sql.NullString

		if err := rows.Scan(
			&stage,
			&attemptNum,
			&status,
			&startedAt,
			&completedAt,
			&durationMs,
			&msgErr,
		); err != nil {
			return nil, err
		}

		entry := map[string]any{
			"stage":          stage,
			"attempt_number": attemptNum,
			"status":         status,
		}

		if startedAt.Valid {
			entry["started_at"] = startedAt.Time
		}
		if completedAt.Valid {
			entry["completed_at"] = completedAt.Time
		}
		if durationMs.Valid {
			entry["duration_ms"] = durationMs.Int64
		}
		if msgErr.Valid {
			entry["error_message"] = msgErr.String
		}

		history = append(history, entry)
	}

	return history, rows.Err()
}

func (r *PostgresTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresTaskRepository) Close() error {
	return r.db.Close()
}
