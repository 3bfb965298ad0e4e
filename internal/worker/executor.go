// Package worker runs the task queue: it claims due tasks, executes their
// handlers and sweeps expired transactions, unexported tasks and stuck runs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"boxoffice/internal/apperr"
	"boxoffice/internal/config"
	"boxoffice/internal/domain"
	"boxoffice/internal/metrics"
	"boxoffice/internal/repo"
)

// Handler runs one task. engine.Engine implements it.
type Handler interface {
	Handle(ctx context.Context, t domain.Task) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t domain.Task) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, t domain.Task) (any, error) {
	return f(ctx, t)
}

type Executor struct {
	Repo     repo.Repo
	Handler  Handler
	Settings config.TaskSettings
	Reporter *Reporter
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now().UTC()
	}
	return time.Now().UTC()
}

func (x Executor) logger() *zap.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return zap.NewNop()
}

// Backoff is the delay before the next attempt of a task tried n times:
// base * 2^(n-1), capped at max.
func Backoff(base, max time.Duration, tried int) time.Duration {
	if base <= 0 {
		return 0
	}
	if tried < 1 {
		tried = 1
	}
	d := base
	for i := 1; i < tried; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Execute claims one due task of the given name and runs it. It returns
// false when no task was due.
func (x Executor) Execute(ctx context.Context, name domain.TaskName) (domain.Task, bool, error) {
	t, err := x.Repo.ClaimTask(ctx, name, x.Settings.ClaimRetries)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("claim %s: %w", name, err)
	}
	log := x.logger().With(zap.String("task_id", t.ID), zap.String("task_name", string(t.Name)))

	start := x.now()
	value, runErr := x.run(ctx, t)
	end := x.now()
	result := domain.ExecutionResult{ExecutedAt: start, EndDate: end}
	if value != nil {
		if raw, err := json.Marshal(value); err == nil {
			result.Result = raw
		}
	}

	status := domain.TaskExecuted
	var runsAt time.Time
	if runErr != nil {
		result.Error = &domain.TaskError{Name: string(apperr.TypeOf(runErr)), Message: runErr.Error()}
		status = domain.TaskReady
		runsAt = end.Add(Backoff(x.Settings.BackoffBase, x.Settings.BackoffMax, t.NumberOfTried))
		if t.RemainingNumberOfTries <= 0 {
			status = domain.TaskAborted
			runsAt = time.Time{}
		}
	}

	ok, err := x.Repo.PushExecutionResult(ctx, t, result, status, runsAt)
	if err != nil {
		return t, true, fmt.Errorf("store result of task %s: %w", t.ID, err)
	}
	x.Metrics.ObserveTask(string(t.Name), string(status), end.Sub(start))
	if !ok {
		log.Warn("task result discarded; attempt was reclaimed")
		return t, true, nil
	}
	t.Status = status
	t.ExecutionResults = append(t.ExecutionResults, result)

	switch status {
	case domain.TaskExecuted:
		log.Debug("task executed", zap.Duration("took", end.Sub(start)))
	case domain.TaskReady:
		log.Info("task failed; will retry",
			zap.Error(runErr),
			zap.Int("remaining_number_of_tries", t.RemainingNumberOfTries),
			zap.Time("runs_at", runsAt))
	case domain.TaskAborted:
		x.Reporter.Report(ctx, t)
	}
	return t, true, nil
}

// run calls the handler under the job timeout and turns a panic into an
// error.
func (x Executor) run(ctx context.Context, t domain.Task) (value any, err error) {
	if x.Settings.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.Settings.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			x.logger().Error("task handler panicked",
				zap.String("task_id", t.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			value, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	if x.Handler == nil {
		return nil, apperr.NewNotImplemented("no task handler")
	}
	return x.Handler.Handle(ctx, t)
}
