// Package registry keeps the lifecycle ledger of asynchronous tasks.
//
// A task moves pending -> running -> completed|failed and never leaves a terminal
// state. The registry only records transitions; retry and failure policy live in
// the orchestrator. All mutations are serialized by a single mutex and every
// snapshot handed out is a deep copy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/creatorq/internal/task"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

type Clock func() time.Time

type Filter struct {
	Workflow string
	Status   task.TaskStatus
	Limit    int
}

type record struct {
	task *task.Task
	done chan struct{}
}

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*record
	now   Clock
}

func New() *Registry {
	return NewWithClock(time.Now)
}

func NewWithClock(now Clock) *Registry {
	return &Registry{
		tasks: make(map[string]*record),
		now:   now,
	}
}

// Create inserts a new pending task.
func (r *Registry) Create(workflow string, input task.Payload, cacheKey string) *task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := task.NewTask(workflow, task.ClonePayload(input), r.now())
	t.CacheKey = cacheKey
	r.tasks[t.ID] = &record{task: t, done: make(chan struct{})}

	return t.Clone()
}

// CreateCompleted inserts a task that is already completed with result, used when a
// workflow run is answered from the cache.
func (r *Registry) CreateCompleted(workflow string, input task.Payload, cacheKey string, result task.Payload) *task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t := task.NewTask(workflow, task.ClonePayload(input), now)
	t.CacheKey = cacheKey
	t.Status = task.StatusCompleted
	t.Result = task.ClonePayload(result)
	t.Cached = true
	t.StartedAt = &now
	t.CompletedAt = &now

	done := make(chan struct{})
	close(done)
	r.tasks[t.ID] = &record{task: t, done: done}

	return t.Clone()
}

func (r *Registry) Start(id string) error {
	return r.transition(id, task.StatusPending, task.StatusRunning, func(t *task.Task, now time.Time) {
		t.StartedAt = &now
	})
}

func (r *Registry) Complete(id string, result task.Payload) error {
	return r.transition(id, task.StatusRunning, task.StatusCompleted, func(t *task.Task, now time.Time) {
		t.Result = task.ClonePayload(result)
		t.CompletedAt = &now
	})
}

func (r *Registry) Fail(id string, taskErr task.TaskError) error {
	return r.transition(id, task.StatusRunning, task.StatusFailed, func(t *task.Task, now time.Time) {
		e := taskErr
		t.Error = &e
		t.CompletedAt = &now
	})
}

// MarkStage records a finished stage on a running task. It is progress only and
// does not change the status.
func (r *Registry) MarkStage(id, stage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.task.Status != task.StatusRunning {
		return fmt.Errorf("%w: cannot record stage %q on %s task %s", ErrInvalidTransition, stage, rec.task.Status, id)
	}

	rec.task.Stages = append(rec.task.Stages, stage)
	rec.task.UpdatedAt = r.now()
	return nil
}

func (r *Registry) transition(id string, from, to task.TaskStatus, apply func(*task.Task, time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.task.Status != from {
		return fmt.Errorf("%w: task %s is %s, want %s to move to %s", ErrInvalidTransition, id, rec.task.Status, from, to)
	}

	now := r.now()
	rec.task.Status = to
	rec.task.UpdatedAt = now
	apply(rec.task, now)

	if to.IsTerminal() {
		close(rec.done)
	}
	return nil
}

func (r *Registry) Get(id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.task.Clone(), nil
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	rec, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-rec.done:
		return r.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns snapshots ordered by creation time, newest first.
func (r *Registry) List(f Filter) []*task.Task {
	r.mu.RLock()
	tasks := make([]*task.Task, 0, len(r.tasks))
	for _, rec := range r.tasks {
		if f.Workflow != "" && rec.task.Workflow != f.Workflow {
			continue
		}
		if f.Status != "" && rec.task.Status != f.Status {
			continue
		}
		tasks = append(tasks, rec.task.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks
}

// Counts groups tasks by status and workflow.
func (r *Registry) Counts() map[task.TaskStatus]map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[task.TaskStatus]map[string]int)
	for _, rec := range r.tasks {
		if counts[rec.task.Status] == nil {
			counts[rec.task.Status] = make(map[string]int)
		}
		counts[rec.task.Status][rec.task.Workflow]++
	}
	return counts
}

// Evict removes terminal tasks last updated more than olderThan ago and returns how
// many were removed. Pending and running tasks are never evicted.
func (r *Registry) Evict(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	removed := 0
	for id, rec := range r.tasks {
		if !rec.task.Status.IsTerminal() {
			continue
		}
		if rec.task.UpdatedAt.After(cutoff) {
			continue
		}
		delete(r.tasks, id)
		removed++
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tasks)
}
