package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nadmax/creatorq/internal/fetcher"
	"github.com/nadmax/creatorq/internal/metrics"
	"github.com/nadmax/creatorq/internal/repository"
	"github.com/nadmax/creatorq/internal/task"
	"github.com/nadmax/creatorq/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runStage invokes one stage's fetcher, retrying transient failures under the
// policy. Permanent failures stop immediately.
func (o *Orchestrator) runStage(ctx context.Context, taskID string, stage workflow.Stage, state task.Payload) (task.Payload, error) {
	ctx, span := o.tracer.Start(ctx, "stage "+stage.Name, trace.WithAttributes(
		attribute.String("creatorq.stage", stage.Name),
		taskAttr(taskID),
	))
	defer span.End()

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = o.policy.AttemptTimeout
	}

	var output task.Payload
	attempt := 0

	operation := func() error {
		attempt++

		if stage.Limiter != nil {
			if err := stage.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fetcher.Transient(stage.Name, fmt.Errorf("rate limiter: %w", err)))
			}
		}

		attemptCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		started := time.Now()
		out, err := stage.Fetcher.Fetch(attemptCtx, task.ClonePayload(state))
		elapsed := time.Since(started)

		if err != nil {
			kind := fetcher.Classify(err)
			metrics.RecordFetchAttempt(stage.Name, string(kind), elapsed)
			o.logAttempt(taskID, stage.Name, attempt, "failed", elapsed, err.Error())
			if kind == fetcher.KindPermanent {
				return backoff.Permanent(err)
			}
			return err
		}

		metrics.RecordFetchAttempt(stage.Name, "success", elapsed)
		o.logAttempt(taskID, stage.Name, attempt, "completed", elapsed, "")
		output = out
		return nil
	}

	notify := func(err error, next time.Duration) {
		metrics.RecordFetchRetried(stage.Name)
		log.Printf("[Task %s] Stage %s attempt %d failed, retrying in %v: %v", taskID, stage.Name, attempt, next, err)
	}

	err := backoff.RetryNotify(operation, o.policy.backOff(ctx), notify)
	span.SetAttributes(attribute.Int("creatorq.attempts", attempt))
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("stage %s failed after %d attempt(s): %w", stage.Name, attempt, err)
	}

	log.Printf("[Task %s] Stage %s completed (attempts: %d)", taskID, stage.Name, attempt)
	return output, nil
}

func (o *Orchestrator) logAttempt(taskID, stage string, attempt int, status string, elapsed time.Duration, msgErr string) {
	o.history(taskID, "log", func(ctx context.Context, repo repository.TaskRepository) error {
		return repo.LogExecution(ctx, taskID, stage, attempt, status, int(elapsed.Milliseconds()), msgErr)
	})
}

// errorKind maps a run failure onto the task error taxonomy.
func errorKind(err error) task.ErrorKind {
	if errors.Is(err, ErrEncodeResult) {
		return task.KindInternal
	}
	if fetcher.Classify(err) == fetcher.KindTransient {
		return task.KindTransient
	}
	return task.KindPermanent
}

func workflowAttr(name string) attribute.KeyValue {
	return attribute.String("creatorq.workflow", name)
}

func taskAttr(id string) attribute.KeyValue {
	return attribute.String("creatorq.task_id", id)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
