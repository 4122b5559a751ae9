// Package dashboard serves aggregate task and cache statistics for monitoring.
package dashboard

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/creatorq/internal/cache"
	"github.com/nadmax/creatorq/internal/httputil"
	"github.com/nadmax/creatorq/internal/registry"
	"github.com/nadmax/creatorq/internal/repository"
	"github.com/nadmax/creatorq/internal/task"
)

const (
	historyWindow       = 24 * time.Hour
	defaultHistoryLimit = 50
)

type Dashboard struct {
	registry *registry.Registry
	cache    cache.Cache
	repo     repository.TaskRepository
	now      func() time.Time
}

type Stats struct {
	TotalTasks      int                    `json:"total_tasks"`
	PendingTasks    int                    `json:"pending_tasks"`
	RunningTasks    int                    `json:"running_tasks"`
	CompletedTasks  int                    `json:"completed_tasks"`
	FailedTasks     int                    `json:"failed_tasks"`
	CachedTasks     int                    `json:"cached_tasks"`
	TasksByWorkflow map[string]int         `json:"tasks_by_workflow"`
	AverageRunTime  string                 `json:"average_run_time"`
	Cache           cache.Stats            `json:"cache"`
	History         []repository.TaskStats `json:"history,omitempty"`
	LastUpdated     time.Time              `json:"last_updated"`
}

type TaskHistory struct {
	TaskID      string          `json:"task_id"`
	Workflow    string          `json:"workflow"`
	Status      task.TaskStatus `json:"status"`
	Cached      bool            `json:"cached"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Duration    string          `json:"duration"`
	Error       string          `json:"error,omitempty"`
}

// NewDashboard builds a dashboard over the live registry. repo is optional; when set,
// history is read from it instead of the registry.
func NewDashboard(reg *registry.Registry, c cache.Cache, repo repository.TaskRepository) *Dashboard {
	return &Dashboard{registry: reg, cache: c, repo: repo, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	tasks := d.registry.List(registry.Filter{})

	stats := Stats{
		TotalTasks:      len(tasks),
		TasksByWorkflow: make(map[string]int),
		Cache:           d.cache.Stats(r.Context()),
		LastUpdated:     d.now(),
	}

	var totalRunTime time.Duration
	runCount := 0

	for _, t := range tasks {
		switch t.Status {
		case task.StatusPending:
			stats.PendingTasks++
		case task.StatusRunning:
			stats.RunningTasks++
		case task.StatusCompleted:
			stats.CompletedTasks++
		case task.StatusFailed:
			stats.FailedTasks++
		}

		if t.Cached {
			stats.CachedTasks++
		}
		stats.TasksByWorkflow[t.Workflow]++

		if t.Status.IsTerminal() && !t.Cached {
			totalRunTime += t.Duration()
			runCount++
		}
	}

	if runCount > 0 {
		avg := totalRunTime / time.Duration(runCount)
		stats.AverageRunTime = avg.Round(time.Millisecond).String()
	} else {
		stats.AverageRunTime = "N/A"
	}

	if d.repo != nil {
		history, err := d.repo.GetTaskStats(r.Context(), int(historyWindow.Hours()))
		if err != nil {
			log.Printf("Failed to load task stats from history: %v", err)
		} else {
			stats.History = history
		}
	}

	writeJSON(w, stats)
}

func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if d.repo != nil {
		recent, err := d.repo.GetRecentTasks(r.Context(), limit)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, fromRecent(recent))
		return
	}

	writeJSON(w, d.fromRegistry(limit))
}

func (d *Dashboard) fromRegistry(limit int) []TaskHistory {
	cutoff := d.now().Add(-historyWindow)
	history := []TaskHistory{}

	for _, t := range d.registry.List(registry.Filter{}) {
		if t.CompletedAt == nil || t.CompletedAt.Before(cutoff) {
			continue
		}

		entry := TaskHistory{
			TaskID:      t.ID,
			Workflow:    t.Workflow,
			Status:      t.Status,
			Cached:      t.Cached,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Duration:    t.Duration().Round(time.Millisecond).String(),
		}
		if t.Error != nil {
			entry.Error = t.Error.Error()
		}

		history = append(history, entry)
		if len(history) == limit {
			break
		}
	}
	return history
}

func fromRecent(recent []repository.RecentTask) []TaskHistory {
	history := make([]TaskHistory, 0, len(recent))
	for _, rt := range recent {
		entry := TaskHistory{
			TaskID:      rt.TaskID,
			Workflow:    rt.Workflow,
			Status:      task.TaskStatus(rt.Status),
			Cached:      rt.Cached,
			CreatedAt:   rt.CreatedAt,
			CompletedAt: rt.CompletedAt,
		}
		if rt.DurationMs != nil {
			entry.Duration = (time.Duration(*rt.DurationMs) * time.Millisecond).String()
		}
		if rt.FailureReason != "" {
			entry.Error = rt.ErrorKind + ": " + rt.FailureReason
		}
		history = append(history, entry)
	}
	return history
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		httputil.WriteJSONError(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
