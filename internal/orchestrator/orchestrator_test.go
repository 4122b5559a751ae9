package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/creatorq/internal/cache"
	"github.com/nadmax/creatorq/internal/fetcher"
	"github.com/nadmax/creatorq/internal/registry"
	"github.com/nadmax/creatorq/internal/repository"
	"github.com/nadmax/creatorq/internal/task"
	"github.com/nadmax/creatorq/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int, input task.Payload) (task.Payload, error)
}

func (f *countingFetcher) Fetch(ctx context.Context, input task.Payload) (task.Payload, error) {
	call := int(f.calls.Add(1))
	return f.fn(ctx, call, input)
}

func (f *countingFetcher) Calls() int {
	return int(f.calls.Load())
}

func returning(out task.Payload) *countingFetcher {
	return &countingFetcher{fn: func(context.Context, int, task.Payload) (task.Payload, error) {
		return task.ClonePayload(out), nil
	}}
}

func failing(err error) *countingFetcher {
	return &countingFetcher{fn: func(context.Context, int, task.Payload) (task.Payload, error) {
		return nil, err
	}}
}

type mockNotifier struct {
	mu    sync.Mutex
	tasks []*task.Task
}

func (n *mockNotifier) Notify(_ context.Context, t *task.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.tasks = append(n.tasks, t)
	return nil
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.tasks)
}

func identity(p task.Payload) (task.Payload, error) {
	return task.ClonePayload(p), nil
}

func pipeline(stages ...workflow.Stage) *workflow.Catalog {
	return workflow.NewCatalog(&workflow.Definition{
		Name:      "pipeline",
		TTL:       time.Minute,
		Normalize: identity,
		Stages:    stages,
	})
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		AttemptTimeout:  time.Second,
	}
}

func setupOrchestrator(t *testing.T, catalog *workflow.Catalog) (*Orchestrator, *cache.MemoryCache, *registry.Registry) {
	t.Helper()

	reg := registry.New()
	c := cache.NewMemoryCache(time.Minute, 0)
	o := New(reg, c, catalog)
	o.SetPolicy(testPolicy())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, c, reg
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) *task.Task {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tsk, err := o.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, tsk.Status.IsTerminal())
	return tsk
}

func TestSubmit_ChannelHealthEndToEnd(t *testing.T) {
	stats := returning(task.Payload{"subscribers": int64(100000), "views": int64(5000000)})
	unused := failing(errors.New("unused"))
	catalog := workflow.Builtin(workflow.Fetchers{
		ChannelStats:      stats,
		VideoIntelligence: unused,
		AffiliateSearch:   unused,
		Strategies:        unused,
		Playbook:          unused,
	}, workflow.Options{DefaultTTL: time.Minute})

	o, c, _ := setupOrchestrator(t, catalog)
	ctx := context.Background()

	id1, err := o.Submit(ctx, workflow.ChannelHealth, task.Payload{"handle": "@Seytonic"})
	require.NoError(t, err)

	first := waitTerminal(t, o, id1)
	require.Equal(t, task.StatusCompleted, first.Status)
	assert.EqualValues(t, 100000, first.Result["subscribers"])
	assert.Equal(t, "seytonic", first.Result["channel"])
	assert.Contains(t, first.Result, "health_score")
	assert.False(t, first.Cached)
	assert.Equal(t, []string{"channel_stats", "health_score"}, first.Stages)
	assert.Equal(t, 1, stats.Calls())

	id2, err := o.Submit(ctx, workflow.ChannelHealth, task.Payload{"handle": "https://www.youtube.com/@Seytonic"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	second, err := o.Status(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, second.Status)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, 1, stats.Calls())

	assert.Equal(t, 1, c.Clear(ctx))
	assert.Equal(t, 0, c.Stats(ctx).EntryCount)

	id3, err := o.Submit(ctx, workflow.ChannelHealth, task.Payload{"handle": "seytonic"})
	require.NoError(t, err)

	third := waitTerminal(t, o, id3)
	assert.Equal(t, task.StatusCompleted, third.Status)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, stats.Calls())
}

func TestSubmit_MemoizationSkipsFetchers(t *testing.T) {
	first := returning(task.Payload{"a": 1})
	second := returning(task.Payload{"b": []any{"x", "y"}})
	o, _, _ := setupOrchestrator(t, pipeline(
		workflow.Stage{Name: "first", Fetcher: first},
		workflow.Stage{Name: "second", Fetcher: second},
	))
	ctx := context.Background()

	id1, err := o.Submit(ctx, "pipeline", task.Payload{"q": "same"})
	require.NoError(t, err)
	fresh := waitTerminal(t, o, id1)

	id2, err := o.Submit(ctx, "pipeline", task.Payload{"q": "same"})
	require.NoError(t, err)
	cached := waitTerminal(t, o, id2)

	assert.Equal(t, fresh.Result, cached.Result)
	assert.Equal(t, 1, first.Calls())
	assert.Equal(t, 1, second.Calls())
}

func TestSubmit_RetryBound(t *testing.T) {
	flaky := failing(fetcher.FromStatus("upstream", 503, errors.New("unavailable")))
	o, c, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: flaky}))
	repo := repository.NewMockPostgresRepository()
	o.SetRepository(repo)

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"q": "retry"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	require.Equal(t, task.StatusFailed, tsk.Status)
	require.NotNil(t, tsk.Error)
	assert.Equal(t, task.KindTransient, tsk.Error.Kind)
	assert.Contains(t, tsk.Error.Message, "after 3 attempt(s)")
	assert.Nil(t, tsk.Result)
	assert.Equal(t, 3, flaky.Calls())
	assert.Equal(t, 0, c.Stats(context.Background()).EntryCount)

	require.Eventually(t, func() bool { return repo.GetFailTaskCallCount() == 1 }, time.Second, 10*time.Millisecond)
	attempts := repo.GetExecutionLogForTask(id, "upstream")
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, "failed", a.Status)
	}
	status, ok := repo.GetTaskStatus(id)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, status)
}

func TestSubmit_TransientThenSuccess(t *testing.T) {
	f := &countingFetcher{fn: func(_ context.Context, call int, _ task.Payload) (task.Payload, error) {
		if call < 3 {
			return nil, fetcher.FromStatus("upstream", 429, errors.New("slow down"))
		}
		return task.Payload{"ok": true}, nil
	}}
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: f}))

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"q": "eventually"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusCompleted, tsk.Status)
	assert.Equal(t, true, tsk.Result["ok"])
	assert.Equal(t, 3, f.Calls())
}

func TestSubmit_PermanentFailureIsNotRetried(t *testing.T) {
	f := failing(fetcher.FromStatus("upstream", 404, errors.New("no such channel")))
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: f}))

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"q": "missing"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, tsk.Status)
	assert.Equal(t, task.KindPermanent, tsk.Error.Kind)
	assert.Equal(t, 1, f.Calls())
}

func TestSubmit_UnclassifiedErrorIsPermanent(t *testing.T) {
	f := failing(errors.New("boom"))
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: f}))

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"q": "boom"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.KindPermanent, tsk.Error.Kind)
	assert.Equal(t, 1, f.Calls())
}

func TestSubmit_AttemptTimeoutIsTransient(t *testing.T) {
	slow := &countingFetcher{fn: func(ctx context.Context, _ int, _ task.Payload) (task.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "slow", Fetcher: slow, Timeout: 10 * time.Millisecond}))

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"q": "slow"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, tsk.Status)
	assert.Equal(t, task.KindTransient, tsk.Error.Kind)
	assert.Equal(t, 3, slow.Calls())
}

func TestSubmit_AllOrNothing(t *testing.T) {
	first := returning(task.Payload{"stats": "ok"})
	second := failing(fetcher.Permanent("second", errors.New("bad input")))
	third := returning(task.Payload{"report": "never"})
	o, c, _ := setupOrchestrator(t, pipeline(
		workflow.Stage{Name: "first", Fetcher: first},
		workflow.Stage{Name: "second", Fetcher: second},
		workflow.Stage{Name: "third", Fetcher: third},
	))
	ctx := context.Background()

	id, err := o.Submit(ctx, "pipeline", task.Payload{"q": "partial"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, tsk.Status)
	assert.Nil(t, tsk.Result)
	assert.Equal(t, []string{"first"}, tsk.Stages)
	assert.Equal(t, 1, first.Calls())
	assert.Equal(t, 1, second.Calls())
	assert.Equal(t, 0, third.Calls())

	_, ok := c.Get(ctx, tsk.CacheKey)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats(ctx).EntryCount)
}

func TestSubmit_StagesSeeAccumulatedContext(t *testing.T) {
	var seen task.Payload
	first := returning(task.Payload{"subscribers": 1200})
	second := &countingFetcher{fn: func(_ context.Context, _ int, input task.Payload) (task.Payload, error) {
		seen = input
		return task.Payload{"summary": "done"}, nil
	}}
	o, _, _ := setupOrchestrator(t, pipeline(
		workflow.Stage{Name: "first", Fetcher: first},
		workflow.Stage{Name: "second", Fetcher: second},
	))

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"channel": "seytonic"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	require.Equal(t, task.StatusCompleted, tsk.Status)
	assert.Equal(t, task.Payload{"channel": "seytonic", "subscribers": 1200}, seen)
	assert.Equal(t, "done", tsk.Result["summary"])
	assert.EqualValues(t, 1200, tsk.Result["subscribers"])
}

func TestSubmit_SkipsStageWhenPredicateFails(t *testing.T) {
	optional := returning(task.Payload{"extra": true})
	final := returning(task.Payload{"done": true})
	o, _, _ := setupOrchestrator(t, pipeline(
		workflow.Stage{Name: "optional", Fetcher: optional, When: func(p task.Payload) bool {
			_, ok := p["channel"]
			return ok
		}},
		workflow.Stage{Name: "final", Fetcher: final},
	))

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"video_url": "v"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusCompleted, tsk.Status)
	assert.Equal(t, []string{"final"}, tsk.Stages)
	assert.Equal(t, 0, optional.Calls())
	assert.NotContains(t, tsk.Result, "extra")
}

func TestSubmit_CorruptCacheEntryIsMiss(t *testing.T) {
	f := returning(task.Payload{"fresh": true})
	o, c, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: f}))
	ctx := context.Background()

	input := task.Payload{"q": "corrupt"}
	key, err := cache.Key("pipeline", input)
	require.NoError(t, err)
	c.Set(ctx, key, []byte("{not json"), time.Minute)

	id, err := o.Submit(ctx, "pipeline", input)
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusCompleted, tsk.Status)
	assert.False(t, tsk.Cached)
	assert.Equal(t, 1, f.Calls())

	data, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.JSONEq(t, `{"q":"corrupt","fresh":true}`, string(data))
}

func TestSubmit_ConcurrentIdenticalRunsShareExecution(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f := &countingFetcher{fn: func(context.Context, int, task.Payload) (task.Payload, error) {
		started <- struct{}{}
		<-release
		return task.Payload{"value": 42}, nil
	}}
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: f}))
	ctx := context.Background()

	id1, err := o.Submit(ctx, "pipeline", task.Payload{"q": "shared"})
	require.NoError(t, err)
	<-started

	id2, err := o.Submit(ctx, "pipeline", task.Payload{"q": "shared"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	// Give the second run time to join the in-flight execution.
	time.Sleep(50 * time.Millisecond)
	close(release)

	first := waitTerminal(t, o, id1)
	second := waitTerminal(t, o, id2)

	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, task.StatusCompleted, first.Status)
	assert.Equal(t, task.StatusCompleted, second.Status)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, []string{"upstream"}, second.Stages)
}

func TestSubmit_ConcurrentRunIsolation(t *testing.T) {
	release := make(chan struct{})
	f := &countingFetcher{fn: func(_ context.Context, _ int, input task.Payload) (task.Payload, error) {
		if input["q"] == "slow" {
			<-release
		}
		if input["q"] == "broken" {
			return nil, fetcher.Permanent("upstream", errors.New("rejected"))
		}
		return task.Payload{"echo": input["q"]}, nil
	}}
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: f}))
	ctx := context.Background()

	slowID, err := o.Submit(ctx, "pipeline", task.Payload{"q": "slow"})
	require.NoError(t, err)
	fastID, err := o.Submit(ctx, "pipeline", task.Payload{"q": "fast"})
	require.NoError(t, err)
	brokenID, err := o.Submit(ctx, "pipeline", task.Payload{"q": "broken"})
	require.NoError(t, err)

	fast := waitTerminal(t, o, fastID)
	assert.Equal(t, task.StatusCompleted, fast.Status)
	assert.Equal(t, "fast", fast.Result["echo"])

	broken := waitTerminal(t, o, brokenID)
	assert.Equal(t, task.StatusFailed, broken.Status)

	slow, err := o.Status(ctx, slowID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, slow.Status)

	close(release)
	slow = waitTerminal(t, o, slowID)
	assert.Equal(t, task.StatusCompleted, slow.Status)
	assert.Equal(t, "slow", slow.Result["echo"])
}

func TestSubmit_ManyConcurrentSubmits(t *testing.T) {
	f := &countingFetcher{fn: func(_ context.Context, _ int, input task.Payload) (task.Payload, error) {
		return task.Payload{"echo": input["n"]}, nil
	}}
	o, _, reg := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: f}))
	ctx := context.Background()

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := o.Submit(ctx, "pipeline", task.Payload{"n": fmt.Sprintf("%d", i)})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		tsk := waitTerminal(t, o, id)
		assert.Equal(t, task.StatusCompleted, tsk.Status)
		assert.Equal(t, fmt.Sprintf("%d", i), tsk.Result["echo"])
	}
	assert.Equal(t, n, reg.Len())
	assert.Equal(t, n, f.Calls())
}

func TestSubmit_Rejections(t *testing.T) {
	catalog := workflow.Builtin(workflow.Fetchers{}, workflow.Options{DefaultTTL: time.Minute})
	o, _, reg := setupOrchestrator(t, catalog)
	ctx := context.Background()

	_, err := o.Submit(ctx, "tiktok_health", task.Payload{"handle": "x"})
	assert.ErrorIs(t, err, workflow.ErrUnknownWorkflow)

	_, err = o.Submit(ctx, workflow.ChannelHealth, task.Payload{})
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)

	_, err = o.Submit(ctx, workflow.VideoAnalysis, task.Payload{"video_url": 12})
	assert.ErrorIs(t, err, workflow.ErrInvalidInput)

	assert.Equal(t, 0, reg.Len())
}

func TestStatus(t *testing.T) {
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: returning(task.Payload{})}))
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		_, err := o.Status(ctx, "does-not-exist")
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("falls back to history", func(t *testing.T) {
		repo := repository.NewMockPostgresRepository()
		repo.Tasks["archived"] = &task.Task{ID: "archived", Workflow: "pipeline", Status: task.StatusCompleted}
		o.SetRepository(repo)
		defer o.SetRepository(nil)

		tsk, err := o.Status(ctx, "archived")
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, tsk.Status)

		_, err = o.Status(ctx, "still-missing")
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})
}

func TestSubmit_RecordsHistoryAndNotifies(t *testing.T) {
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: returning(task.Payload{"v": 1})}))
	repo := repository.NewMockPostgresRepository()
	notifier := &mockNotifier{}
	o.SetRepository(repo)
	o.SetNotifier(notifier)
	ctx := context.Background()

	id1, err := o.Submit(ctx, "pipeline", task.Payload{"q": "history"})
	require.NoError(t, err)
	waitTerminal(t, o, id1)

	id2, err := o.Submit(ctx, "pipeline", task.Payload{"q": "history"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return repo.GetCompleteTaskCallCount() == 2 && notifier.count() == 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, repo.GetSaveTaskCallCount())
	assert.Len(t, repo.GetExecutionLogForTask(id1, ""), 1)
	assert.Empty(t, repo.GetExecutionLogForTask(id2, ""))

	byTask := map[string]repository.CompleteTaskCall{}
	for _, call := range repo.CompleteTaskCalls {
		byTask[call.TaskID] = call
	}
	assert.False(t, byTask[id1].Cached)
	assert.True(t, byTask[id2].Cached)
}

func TestSubmit_HistoryFailuresAreNotFatal(t *testing.T) {
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: returning(task.Payload{"v": 1})}))
	repo := repository.NewMockPostgresRepository()
	repo.SaveTaskError = errors.New("connection refused")
	repo.LogExecutionError = errors.New("connection refused")
	repo.CompleteTaskError = errors.New("connection refused")
	o.SetRepository(repo)

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"q": "db down"})
	require.NoError(t, err)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusCompleted, tsk.Status)
}

func TestWorkflows(t *testing.T) {
	catalog := workflow.Builtin(workflow.Fetchers{}, workflow.Options{
		DefaultTTL: time.Minute,
		TTL:        map[string]time.Duration{workflow.VideoAnalysis: time.Hour},
	})
	o, _, _ := setupOrchestrator(t, catalog)

	infos := o.Workflows()
	require.Len(t, infos, 4)
	assert.Equal(t, workflow.ChannelHealth, infos[0].Name)
	assert.Equal(t, []string{"channel_stats", "health_score"}, infos[0].Stages)
	assert.Equal(t, workflow.VideoAnalysis, infos[3].Name)
	assert.Equal(t, 3600.0, infos[3].TTLSeconds)
}

func TestShutdown(t *testing.T) {
	blocked := &countingFetcher{fn: func(ctx context.Context, _ int, _ task.Payload) (task.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, _, _ := setupOrchestrator(t, pipeline(workflow.Stage{Name: "upstream", Fetcher: blocked}))
	o.SetPolicy(Policy{MaxAttempts: 1, AttemptTimeout: time.Minute})

	id, err := o.Submit(context.Background(), "pipeline", task.Payload{"q": "stuck"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = o.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tsk := waitTerminal(t, o, id)
	assert.Equal(t, task.StatusFailed, tsk.Status)

	_, err = o.Submit(context.Background(), "pipeline", task.Payload{"q": "late"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
