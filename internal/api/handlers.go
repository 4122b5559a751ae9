// Package api exposes workflow submission, task status and cache management over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/creatorq/internal/cache"
	"github.com/nadmax/creatorq/internal/dashboard"
	"github.com/nadmax/creatorq/internal/httputil"
	"github.com/nadmax/creatorq/internal/metrics"
	"github.com/nadmax/creatorq/internal/middleware"
	"github.com/nadmax/creatorq/internal/orchestrator"
	"github.com/nadmax/creatorq/internal/registry"
	"github.com/nadmax/creatorq/internal/report"
	"github.com/nadmax/creatorq/internal/repository"
	"github.com/nadmax/creatorq/internal/task"
	"github.com/nadmax/creatorq/internal/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
	maxRequestBody     = 1 << 20
)

type API struct {
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	cache        cache.Cache
	repo         repository.TaskRepository
	reports      *report.Generator
	mux          *http.ServeMux
}

type CreateTaskRequest struct {
	Workflow string       `json:"workflow"`
	Input    task.Payload `json:"input"`
}

type CreateTaskResponse struct {
	TaskID string          `json:"task_id"`
	Status task.TaskStatus `json:"status"`
}

type RemovedResponse struct {
	RemovedCount int    `json:"removed_count"`
	Message      string `json:"message"`
}

// NewAPI wires the routes. repo may be nil, in which case history endpoints
// answer 503.
func NewAPI(o *orchestrator.Orchestrator, reg *registry.Registry, c cache.Cache, repo repository.TaskRepository) *API {
	api := &API{
		orchestrator: o,
		registry:     reg,
		cache:        c,
		repo:         repo,
		mux:          http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

// SetReports enables the history report endpoints.
func (a *API) SetReports(g *report.Generator) {
	a.reports = g
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("POST /api/tasks", a.createTask)
	a.mux.HandleFunc("GET /api/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.getTask)
	a.mux.HandleFunc("GET /api/tasks/{id}/wait", a.waitTask)
	a.mux.HandleFunc("GET /api/tasks/{id}/history", a.taskHistory)
	a.mux.HandleFunc("GET /api/workflows", a.listWorkflows)
	a.mux.HandleFunc("GET /api/workflows/{name}/history", a.workflowHistory)

	a.mux.HandleFunc("GET /api/cache/stats", a.cacheStats)
	a.mux.HandleFunc("DELETE /api/cache", a.clearCache)
	a.mux.HandleFunc("DELETE /api/cache/expired", a.sweepCache)

	a.mux.HandleFunc("GET /api/reports/{kind}", a.getReport)

	dash := dashboard.NewDashboard(a.registry, a.cache, a.repo)
	a.mux.HandleFunc("GET /api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("GET /api/dashboard/history", dash.GetRecentTasks)

	a.mux.HandleFunc("GET /health", a.health)
	a.mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	middleware.MetricsMiddleware(a.mux).ServeHTTP(w, r)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req CreateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteKindError(w, task.KindInvalidInput, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Workflow == "" {
		httputil.WriteKindError(w, task.KindInvalidInput, "Workflow is required", http.StatusBadRequest)
		return
	}

	id, err := a.orchestrator.Submit(r.Context(), req.Workflow, req.Input)
	switch {
	case errors.Is(err, workflow.ErrUnknownWorkflow), errors.Is(err, workflow.ErrInvalidInput):
		httputil.WriteKindError(w, task.KindInvalidInput, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		httputil.WriteJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := CreateTaskResponse{TaskID: id, Status: task.StatusRunning}
	if t, err := a.registry.Get(id); err == nil {
		resp.Status = t.Status
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.Filter{
		Workflow: q.Get("workflow"),
		Status:   task.TaskStatus(q.Get("status")),
	}

	if filter.Status != "" && !filter.Status.Valid() {
		httputil.WriteJSONError(w, fmt.Sprintf("Unknown status %q", filter.Status), http.StatusBadRequest)
		return
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httputil.WriteJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	writeJSON(w, http.StatusOK, a.registry.List(filter))
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.orchestrator.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// waitTask long-polls until the task is terminal. When the timeout elapses first the
// current, still running, snapshot is returned.
func (a *API) waitTask(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := parseTimeout(raw)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		timeout = d
	}

	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	t, err := a.orchestrator.Wait(ctx, id)
	if err == nil {
		writeJSON(w, http.StatusOK, t)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		snapshot, getErr := a.registry.Get(id)
		if getErr == nil {
			writeJSON(w, http.StatusOK, snapshot)
			return
		}
		err = getErr
	}

	if errors.Is(err, registry.ErrNotFound) {
		// Evicted tasks may still be in history.
		archived, statusErr := a.orchestrator.Status(r.Context(), id)
		if statusErr == nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
	}

	writeTaskError(w, err)
}

func (a *API) taskHistory(w http.ResponseWriter, r *http.Request) {
	if a.repo == nil {
		httputil.WriteJSONError(w, "Task history is not configured", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	history, err := a.repo.GetTaskHistory(r.Context(), id)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(history) == 0 {
		httputil.WriteJSONError(w, "Task history not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  id,
		"attempts": history,
	})
}

func (a *API) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.orchestrator.Workflows())
}

func (a *API) workflowHistory(w http.ResponseWriter, r *http.Request) {
	if a.repo == nil {
		httputil.WriteJSONError(w, "Task history is not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	tasks, err := a.repo.GetTasksByWorkflow(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []repository.RecentTask{}
	}

	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cache_stats": a.cache.Stats(r.Context()),
	})
}

func (a *API) clearCache(w http.ResponseWriter, r *http.Request) {
	removed := a.cache.Clear(r.Context())
	metrics.RecordCacheEvictions("clear", removed)
	log.Printf("Cache cleared, %d entries removed", removed)

	writeJSON(w, http.StatusOK, RemovedResponse{
		RemovedCount: removed,
		Message:      fmt.Sprintf("Cleared %d cached entries", removed),
	})
}

func (a *API) sweepCache(w http.ResponseWriter, r *http.Request) {
	removed := a.cache.Sweep(r.Context())
	metrics.RecordCacheEvictions("sweep", removed)

	writeJSON(w, http.StatusOK, RemovedResponse{
		RemovedCount: removed,
		Message:      fmt.Sprintf("Cleared %d expired cache entries", removed),
	})
}

func (a *API) getReport(w http.ResponseWriter, r *http.Request) {
	if a.reports == nil {
		httputil.WriteJSONError(w, "Reports require task history", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = report.FormatJSON
	}
	if format != report.FormatJSON && format != report.FormatCSV {
		httputil.WriteJSONError(w, fmt.Sprintf("Unsupported format %q", format), http.StatusBadRequest)
		return
	}

	start, end, err := report.ParseRange(q.Get("start"), q.Get("end"), time.Now())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := r.PathValue("kind")
	data, err := a.reports.Generate(r.Context(), kind, start, end)
	switch {
	case errors.Is(err, report.ErrUnknownReport):
		httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", report.ContentType(format))
	if format == report.FormatCSV {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="creatorq_%s_%s.csv"`, kind, end.Format("20060102_150405")))
	}
	if err := report.Write(w, format, data); err != nil {
		log.Printf("failed to write %s report: %v", kind, err)
	}
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseTimeout(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("invalid timeout %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}

	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", raw)
	}
	if d > maxWaitTimeout {
		d = maxWaitTimeout
	}
	return d, nil
}

func writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		httputil.WriteKindError(w, task.KindNotFound, "Task not found", http.StatusNotFound)
		return
	}
	httputil.WriteKindError(w, task.KindInternal, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
