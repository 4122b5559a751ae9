// Package orchestrator runs named workflows against their fetchers. A run is
// answered from the cache when possible and otherwise executed asynchronously
// behind a registry task, stage by stage, with retries on transient failures.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nadmax/creatorq/internal/cache"
	"github.com/nadmax/creatorq/internal/metrics"
	"github.com/nadmax/creatorq/internal/notify"
	"github.com/nadmax/creatorq/internal/registry"
	"github.com/nadmax/creatorq/internal/repository"
	"github.com/nadmax/creatorq/internal/task"
	"github.com/nadmax/creatorq/internal/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const historyTimeout = 5 * time.Second

var (
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	ErrEncodeResult = errors.New("failed to encode workflow result")
	errNoRepository = errors.New("no history repository configured")
)

type WorkflowInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Stages      []string `json:"stages"`
	TTLSeconds  float64  `json:"ttl_seconds"`
}

type Orchestrator struct {
	registry *registry.Registry
	cache    cache.Cache
	catalog  *workflow.Catalog
	repo     repository.TaskRepository
	notifier notify.Notifier
	policy   Policy
	tracer   trace.Tracer
	flights  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	runs   sync.WaitGroup
}

type outcome struct {
	data   []byte
	stages []string
}

func New(reg *registry.Registry, c cache.Cache, catalog *workflow.Catalog) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry: reg,
		cache:    c,
		catalog:  catalog,
		policy:   DefaultPolicy(),
		tracer:   otel.Tracer("github.com/nadmax/creatorq/internal/orchestrator"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (o *Orchestrator) SetPolicy(p Policy) {
	o.policy = p
}

func (o *Orchestrator) SetRepository(repo repository.TaskRepository) {
	o.repo = repo
}

func (o *Orchestrator) SetNotifier(n notify.Notifier) {
	o.notifier = n
}

func (o *Orchestrator) SetTracer(t trace.Tracer) {
	o.tracer = t
}

// Submit accepts a workflow run and returns the id of the task tracking it. Unknown
// workflows and invalid inputs are rejected before any task is created.
func (o *Orchestrator) Submit(ctx context.Context, name string, input task.Payload) (string, error) {
	def, err := o.catalog.Get(name)
	if err != nil {
		return "", err
	}

	normalized, err := def.Normalize(input)
	if err != nil {
		return "", err
	}

	key, err := cache.Key(def.Name, normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %v", workflow.ErrInvalidInput, err)
	}

	if !o.acquire() {
		return "", ErrShuttingDown
	}

	if result, ok := o.lookup(ctx, def.Name, key); ok {
		t := o.registry.CreateCompleted(def.Name, normalized, key, result)
		metrics.RecordTaskSubmitted(def.Name, true)
		log.Printf("[Task %s] %s served from cache", t.ID, def.Name)

		go func() {
			defer o.runs.Done()
			o.recordCached(t)
		}()
		return t.ID, nil
	}

	t := o.registry.Create(def.Name, normalized, key)
	if err := o.registry.Start(t.ID); err != nil {
		o.runs.Done()
		return "", fmt.Errorf("failed to start task: %w", err)
	}
	metrics.RecordTaskSubmitted(def.Name, false)
	log.Printf("[Task %s] %s accepted (stages: %v)", t.ID, def.Name, def.StageNames())

	go o.run(t, def)
	return t.ID, nil
}

// Status returns a snapshot of the task. Tasks evicted from memory are looked up in
// the history repository when one is configured.
func (o *Orchestrator) Status(ctx context.Context, id string) (*task.Task, error) {
	t, err := o.registry.Get(id)
	if err == nil || !errors.Is(err, registry.ErrNotFound) {
		return t, err
	}

	archived, repoErr := o.archived(ctx, id)
	if repoErr != nil {
		return nil, err
	}
	return archived, nil
}

// Wait blocks until the task is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*task.Task, error) {
	return o.registry.Wait(ctx, id)
}

func (o *Orchestrator) Workflows() []WorkflowInfo {
	names := o.catalog.Names()
	infos := make([]WorkflowInfo, 0, len(names))
	for _, name := range names {
		def, err := o.catalog.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, WorkflowInfo{
			Name:        def.Name,
			Description: def.Description,
			Stages:      def.StageNames(),
			TTLSeconds:  def.TTL.Seconds(),
		})
	}
	return infos
}

// Shutdown stops accepting runs and waits for in-flight ones. When ctx ends first,
// in-flight runs are cancelled and fail.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		log.Printf("Shutdown deadline reached, cancelling in-flight runs")
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	o.runs.Add(1)
	return true
}

func (o *Orchestrator) lookup(ctx context.Context, workflowName, key string) (task.Payload, bool) {
	data, ok := o.cache.Get(ctx, key)
	if !ok {
		metrics.RecordCacheMiss(workflowName)
		return nil, false
	}

	var result task.Payload
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("Cache entry %s is corrupt, recomputing: %v", key, err)
		metrics.RecordCacheMiss(workflowName)
		return nil, false
	}

	metrics.RecordCacheHit(workflowName)
	return result, true
}

func (o *Orchestrator) run(t *task.Task, def *workflow.Definition) {
	defer o.runs.Done()
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	ctx, span := o.tracer.Start(o.ctx, "workflow "+def.Name, trace.WithAttributes(
		workflowAttr(def.Name),
		taskAttr(t.ID),
	))
	defer span.End()

	o.recordStarted(t)

	led := false
	v, err, shared := o.flights.Do(t.CacheKey, func() (any, error) {
		led = true
		return o.execute(ctx, t, def)
	})
	if shared && !led {
		log.Printf("[Task %s] Joined an in-flight run of the same input", t.ID)
	}

	if err != nil {
		recordSpanError(span, err)
		o.fail(t, err)
		return
	}

	out := v.(*outcome)
	if !led {
		for _, stage := range out.stages {
			if err := o.registry.MarkStage(t.ID, stage); err != nil {
				log.Printf("[Task %s] Failed to record stage %s: %v", t.ID, stage, err)
			}
		}
	}

	var result task.Payload
	if err := json.Unmarshal(out.data, &result); err != nil {
		o.fail(t, fmt.Errorf("%w: %v", ErrEncodeResult, err))
		return
	}

	o.complete(t, result)
}

// execute runs every stage in order against an accumulated context. Nothing is
// cached unless all stages succeed.
func (o *Orchestrator) execute(ctx context.Context, t *task.Task, def *workflow.Definition) (*outcome, error) {
	state := task.ClonePayload(t.Input)
	if state == nil {
		state = task.Payload{}
	}

	var stages []string
	for _, stage := range def.Stages {
		if stage.When != nil && !stage.When(state) {
			log.Printf("[Task %s] Skipping stage %s", t.ID, stage.Name)
			continue
		}

		out, err := o.runStage(ctx, t.ID, stage, state)
		if err != nil {
			return nil, err
		}

		for k, v := range out {
			state[k] = v
		}
		stages = append(stages, stage.Name)

		if err := o.registry.MarkStage(t.ID, stage.Name); err != nil {
			log.Printf("[Task %s] Failed to record stage %s: %v", t.ID, stage.Name, err)
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeResult, err)
	}

	o.cache.Set(ctx, t.CacheKey, data, def.TTL)
	return &outcome{data: data, stages: stages}, nil
}

func (o *Orchestrator) complete(t *task.Task, result task.Payload) {
	if err := o.registry.Complete(t.ID, result); err != nil {
		log.Printf("[Task %s] Failed to mark task completed: %v", t.ID, err)
		return
	}

	final, err := o.registry.Get(t.ID)
	if err != nil {
		log.Printf("[Task %s] Completed task vanished: %v", t.ID, err)
		return
	}

	duration := final.Duration()
	metrics.RecordTaskCompleted(final.Workflow, duration)
	log.Printf("[Task %s] Completed successfully in %v", t.ID, duration)

	o.history(t.ID, "complete", func(ctx context.Context, repo repository.TaskRepository) error {
		return repo.CompleteTask(ctx, t.ID, false, int(duration.Milliseconds()))
	})
	o.notify(final)
}

func (o *Orchestrator) fail(t *task.Task, cause error) {
	taskErr := task.TaskError{Kind: errorKind(cause), Message: cause.Error()}
	if err := o.registry.Fail(t.ID, taskErr); err != nil {
		log.Printf("[Task %s] Failed to mark task failed: %v", t.ID, err)
		return
	}

	final, err := o.registry.Get(t.ID)
	if err != nil {
		log.Printf("[Task %s] Failed task vanished: %v", t.ID, err)
		return
	}

	duration := final.Duration()
	metrics.RecordTaskFailed(final.Workflow, taskErr.Kind, duration)
	log.Printf("[Task %s] Failed (%s): %v", t.ID, taskErr.Kind, cause)

	o.history(t.ID, "fail", func(ctx context.Context, repo repository.TaskRepository) error {
		return repo.FailTask(ctx, t.ID, taskErr.Kind, taskErr.Message, int(duration.Milliseconds()))
	})
	o.notify(final)
}

func (o *Orchestrator) recordStarted(t *task.Task) {
	o.history(t.ID, "save", func(ctx context.Context, repo repository.TaskRepository) error {
		return repo.SaveTask(ctx, t)
	})
	o.history(t.ID, "start", func(ctx context.Context, repo repository.TaskRepository) error {
		return repo.UpdateTaskStatus(ctx, t.ID, task.StatusRunning)
	})
}

func (o *Orchestrator) recordCached(t *task.Task) {
	o.history(t.ID, "save", func(ctx context.Context, repo repository.TaskRepository) error {
		return repo.SaveTask(ctx, t)
	})
	o.history(t.ID, "complete", func(ctx context.Context, repo repository.TaskRepository) error {
		return repo.CompleteTask(ctx, t.ID, true, 0)
	})
	o.notify(t)
}

// history applies a best-effort write to the history repository. Failures are
// logged and never affect the task.
func (o *Orchestrator) history(taskID, op string, fn func(context.Context, repository.TaskRepository) error) {
	if o.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := fn(ctx, o.repo); err != nil {
		log.Printf("[Task %s] Failed to %s task history: %v", taskID, op, err)
	}
}

func (o *Orchestrator) notify(t *task.Task) {
	if o.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := o.notifier.Notify(ctx, t); err != nil {
		log.Printf("[Task %s] Failed to send notification: %v", t.ID, err)
	}
}

func (o *Orchestrator) archived(ctx context.Context, id string) (*task.Task, error) {
	if o.repo == nil {
		return nil, errNoRepository
	}
	return o.repo.GetTask(ctx, id)
}
