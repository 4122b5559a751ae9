// Package report aggregates task history into tabular reports exported as CSV or JSON.
package report

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

const (
	WorkflowSummary  = "workflow_summary"
	StagePerformance = "stage_performance"
	FailureAnalysis  = "failure_analysis"
	HourlyBreakdown  = "hourly_breakdown"
	RetryAnalysis    = "retry_analysis"

	FormatCSV  = "csv"
	FormatJSON = "json"
)

var (
	ErrUnknownReport = errors.New("unsupported report type")
	ErrUnknownFormat = errors.New("unsupported format")
)

// Kinds lists the available report types.
var Kinds = []string{WorkflowSummary, StagePerformance, FailureAnalysis, HourlyBreakdown, RetryAnalysis}

type Generator struct {
	db *sql.DB
}

func NewGenerator(db *sql.DB) *Generator {
	return &Generator{db: db}
}

// Generate returns the report as rows, the first row holding the column headers.
func (g *Generator) Generate(ctx context.Context, kind string, start, end time.Time) ([][]string, error) {
	var (
		data [][]string
		err  error
	)

	switch kind {
	case WorkflowSummary:
		data, err = g.workflowSummary(ctx, start, end)
	case StagePerformance:
		data, err = g.stagePerformance(ctx, start, end)
	case FailureAnalysis:
		data, err = g.failureAnalysis(ctx, start, end)
	case HourlyBreakdown:
		data, err = g.hourlyBreakdown(ctx, start, end)
	case RetryAnalysis:
		data, err = g.retryAnalysis(ctx, start, end)
	default:
		return nil, fmt.Errorf("%w: %s (available: %v)", ErrUnknownReport, kind, Kinds)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate %s report: %w", kind, err)
	}

	log.Printf("Generated %s report (%d rows, %s to %s)", kind, len(data)-1, start.Format(time.RFC3339), end.Format(time.RFC3339))
	return data, nil
}

func (g *Generator) workflowSummary(ctx context.Context, start, end time.Time) ([][]string, error) {
	query := `
		SELECT
			workflow,
			COUNT(*) as total_tasks,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) FILTER (WHERE cached) as cached,
			AVG(duration_ms) FILTER (WHERE duration_ms IS NOT NULL AND NOT cached) as avg_duration_ms,
			MAX(duration_ms) as max_duration_ms,
			MIN(duration_ms) FILTER (WHERE duration_ms > 0) as min_duration_ms,
			ROUND(100.0 * COUNT(*) FILTER (WHERE status = 'completed') / NULLIF(COUNT(*), 0), 2) as success_rate
		FROM task_history
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY workflow
		ORDER BY total_tasks DESC
	`

	data := [][]string{
		{"Workflow", "Total", "Completed", "Failed", "Cached", "Avg Duration (ms)", "Max Duration (ms)", "Min Duration (ms)", "Success Rate (%)"},
	}

	err := g.query(ctx, query, start, end, func(rows *sql.Rows) error {
		var workflow string
		var total, completed, failed, cached int
		var avgDuration, successRate sql.NullFloat64
		var maxDuration, minDuration sql.NullInt64

		if err := rows.Scan(&workflow, &total, &completed, &failed, &cached, &avgDuration, &maxDuration, &minDuration, &successRate); err != nil {
			return err
		}

		data = append(data, []string{
			workflow,
			fmt.Sprintf("%d", total),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", failed),
			fmt.Sprintf("%d", cached),
			formatFloat(avgDuration, 0),
			formatInt64(maxDuration),
			formatInt64(minDuration),
			formatFloat(successRate, 2),
		})
		return nil
	})
	return data, err
}

func (g *Generator) stagePerformance(ctx context.Context, start, end time.Time) ([][]string, error) {
	query := `
		SELECT
			stage,
			COUNT(*) as attempts,
			COUNT(*) FILTER (WHERE status = 'completed') as succeeded,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			AVG(duration_ms) FILTER (WHERE duration_ms IS NOT NULL) as avg_duration_ms,
			MAX(duration_ms) as max_duration_ms,
			ROUND(100.0 * COUNT(*) FILTER (WHERE status = 'completed') / NULLIF(COUNT(*), 0), 2) as success_rate
		FROM task_execution_log
		WHERE started_at BETWEEN $1 AND $2
		GROUP BY stage
		ORDER BY attempts DESC
	`

	data := [][]string{
		{"Stage", "Attempts", "Succeeded", "Failed", "Avg Duration (ms)", "Max Duration (ms)", "Success Rate (%)"},
	}

	err := g.query(ctx, query, start, end, func(rows *sql.Rows) error {
		var stage string
		var attempts, succeeded, failed int
		var avgDuration, successRate sql.NullFloat64
		var maxDuration sql.NullInt64

		if err := rows.Scan(&stage, &attempts, &succeeded, &failed, &avgDuration, &maxDuration, &successRate); err != nil {
			return err
		}

		data = append(data, []string{
			stage,
			fmt.Sprintf("%d", attempts),
			fmt.Sprintf("%d", succeeded),
			fmt.Sprintf("%d", failed),
			formatFloat(avgDuration, 0),
			formatInt64(maxDuration),
			formatFloat(successRate, 2),
		})
		return nil
	})
	return data, err
}

func (g *Generator) failureAnalysis(ctx context.Context, start, end time.Time) ([][]string, error) {
	query := `
		SELECT
			workflow,
			COALESCE(error_kind, 'unknown') as error_kind,
			LEFT(COALESCE(failure_reason, 'unknown'), 100) as reason,
			COUNT(*) as occurrences,
			MAX(created_at) as last_occurrence
		FROM task_history
		WHERE created_at BETWEEN $1 AND $2
			AND status = 'failed'
		GROUP BY workflow, COALESCE(error_kind, 'unknown'), LEFT(COALESCE(failure_reason, 'unknown'), 100)
		ORDER BY occurrences DESC
		LIMIT 50
	`

	data := [][]string{
		{"Workflow", "Error Kind", "Reason", "Occurrences", "Last Occurrence"},
	}

	err := g.query(ctx, query, start, end, func(rows *sql.Rows) error {
		var workflow, kind, reason string
		var occurrences int
		var lastOccurrence time.Time

		if err := rows.Scan(&workflow, &kind, &reason, &occurrences, &lastOccurrence); err != nil {
			return err
		}

		data = append(data, []string{
			workflow,
			kind,
			reason,
			fmt.Sprintf("%d", occurrences),
			lastOccurrence.Format("2006-01-02 15:04:05"),
		})
		return nil
	})
	return data, err
}

func (g *Generator) hourlyBreakdown(ctx context.Context, start, end time.Time) ([][]string, error) {
	query := `
		SELECT
			DATE_TRUNC('hour', created_at) as hour,
			COUNT(*) as total_tasks,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) FILTER (WHERE cached) as cached,
			AVG(duration_ms) FILTER (WHERE duration_ms IS NOT NULL AND NOT cached) as avg_duration_ms
		FROM task_history
		WHERE created_at BETWEEN $1 AND $2
		GROUP BY DATE_TRUNC('hour', created_at)
		ORDER BY hour DESC
	`

	data := [][]string{
		{"Hour", "Total Tasks", "Completed", "Failed", "Cached", "Avg Duration (ms)"},
	}

	err := g.query(ctx, query, start, end, func(rows *sql.Rows) error {
		var hour time.Time
		var total, completed, failed, cached int
		var avgDuration sql.NullFloat64

		if err := rows.Scan(&hour, &total, &completed, &failed, &cached, &avgDuration); err != nil {
			return err
		}

		data = append(data, []string{
			hour.Format("2006-01-02 15:00"),
			fmt.Sprintf("%d", total),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", failed),
			fmt.Sprintf("%d", cached),
			formatFloat(avgDuration, 0),
		})
		return nil
	})
	return data, err
}

// retryAnalysis groups stage runs by how many attempts they needed.
func (g *Generator) retryAnalysis(ctx context.Context, start, end time.Time) ([][]string, error) {
	query := `
		SELECT
			stage,
			attempts,
			COUNT(*) as stage_runs,
			COUNT(*) FILTER (WHERE succeeded) as eventually_succeeded,
			COUNT(*) FILTER (WHERE NOT succeeded) as failed
		FROM (
			SELECT
				task_id,
				stage,
				MAX(attempt_number) as attempts,
				BOOL_OR(status = 'completed') as succeeded
			FROM task_execution_log
			WHERE started_at BETWEEN $1 AND $2
			GROUP BY task_id, stage
		) runs
		WHERE attempts > 1
		GROUP BY stage, attempts
		ORDER BY stage, attempts
	`

	data := [][]string{
		{"Stage", "Attempts", "Stage Runs", "Eventually Succeeded", "Failed"},
	}

	err := g.query(ctx, query, start, end, func(rows *sql.Rows) error {
		var stage string
		var attempts, runs, succeeded, failed int

		if err := rows.Scan(&stage, &attempts, &runs, &succeeded, &failed); err != nil {
			return err
		}

		data = append(data, []string{
			stage,
			fmt.Sprintf("%d", attempts),
			fmt.Sprintf("%d", runs),
			fmt.Sprintf("%d", succeeded),
			fmt.Sprintf("%d", failed),
		})
		return nil
	})
	return data, err
}

func (g *Generator) query(ctx context.Context, query string, start, end time.Time, scan func(*sql.Rows) error) error {
	rows, err := g.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Printf("failed to close rows: %v", closeErr)
		}
	}()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
	}
	return rows.Err()
}

// Write encodes data to w. JSON output is an array of objects keyed by the header row.
func Write(w io.Writer, format string, data [][]string) error {
	switch format {
	case FormatCSV:
		writer := csv.NewWriter(w)
		if err := writer.WriteAll(data); err != nil {
			return fmt.Errorf("failed to write csv: %w", err)
		}
		return nil
	case FormatJSON:
		return json.NewEncoder(w).Encode(records(data))
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

func records(data [][]string) []map[string]string {
	out := []map[string]string{}
	if len(data) < 2 {
		return out
	}

	headers := data[0]
	for _, row := range data[1:] {
		record := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}
		out = append(out, record)
	}
	return out
}

func ContentType(format string) string {
	if format == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// ParseRange reads RFC 3339 bounds; an empty start means 24 hours before end and
// an empty end means now.
func ParseRange(startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	end := now
	if endRaw != "" {
		t, err := time.Parse(time.RFC3339, endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end format: %w", err)
		}
		end = t
	}

	start := end.Add(-24 * time.Hour)
	if startRaw != "" {
		t, err := time.Parse(time.RFC3339, startRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start format: %w", err)
		}
		start = t
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

func formatFloat(val sql.NullFloat64, precision int) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%.*f", precision, val.Float64)
}

func formatInt64(val sql.NullInt64) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%d", val.Int64)
}
