package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boxoffice/internal/config"
	"boxoffice/internal/domain"
	"boxoffice/internal/engine"
	"boxoffice/internal/notify"
)

// Manager runs the executor pool and the periodic sweeps until shut down.
type Manager struct {
	Engine   engine.Engine
	Executor Executor
	Config   config.Config
	// Names restricts the task names this manager executes; empty means all.
	Names  []domain.TaskName
	Relay  *notify.Relay
	Logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewManager wires an executor around eng.
func NewManager(eng engine.Engine, reporter *Reporter, relay *notify.Relay) *Manager {
	return &Manager{
		Engine: eng,
		Executor: Executor{
			Repo:     eng.Repo,
			Handler:  eng,
			Settings: eng.Config.Tasks,
			Reporter: reporter,
			Logger:   eng.Logger,
			Metrics:  eng.Metrics,
			Now:      eng.Now,
		},
		Config: eng.Config,
		Relay:  relay,
		Logger: eng.Logger,
	}
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return zap.NewNop()
}

func (m *Manager) names() []domain.TaskName {
	if len(m.Names) > 0 {
		return m.Names
	}
	return domain.TaskNames
}

// Start launches the workers and sweeps in the background.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	workers := m.Config.Tasks.Workers
	if workers <= 0 {
		workers = 1
	}
	m.logger().Info("worker starting", zap.Int("workers", workers), zap.Int("task_names", len(m.names())))
	for i := 0; i < workers; i++ {
		g.Go(func() error { return m.poll(ctx) })
	}
	g.Go(func() error {
		return m.every(ctx, m.Config.Transactions.ExpiryInterval, m.ExpireTransactions)
	})
	g.Go(func() error {
		return m.every(ctx, m.Config.Tasks.ExportInterval, m.ExportTasks)
	})
	g.Go(func() error {
		return m.every(ctx, m.Config.Tasks.ExportInterval, m.RecoverTasks)
	})
	if m.Relay != nil {
		g.Go(func() error { return m.Relay.Run(ctx) })
	}
	go func() {
		err := g.Wait()
		m.mu.Lock()
		m.err = err
		close(m.done)
		m.mu.Unlock()
	}()
}

// Shutdown stops the workers and waits up to timeout for running tasks to
// return. An interrupted task stays Running and is retried by the stuck-task
// sweep.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	m.logger().Info("worker shutdown requested")
	cancel()
	select {
	case <-done:
		m.mu.Lock()
		defer m.mu.Unlock()
		m.logger().Info("worker stopped")
		return m.err
	case <-time.After(timeout):
		return fmt.Errorf("worker shutdown timed out after %s", timeout)
	}
}

func (m *Manager) poll(ctx context.Context) error {
	interval := m.Config.Tasks.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger().Error("task poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes due tasks of every name until none is due and returns how
// many ran.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	ran := 0
	for {
		progressed := false
		for _, name := range m.names() {
			if ctx.Err() != nil {
				return ran, nil
			}
			_, ok, err := m.Executor.Execute(ctx, name)
			if err != nil {
				return ran, err
			}
			if ok {
				ran++
				progressed = true
			}
		}
		if !progressed {
			return ran, nil
		}
	}
}

// ExpireTransactions moves InProgress transactions past their deadline to
// Expired.
func (m *Manager) ExpireTransactions(ctx context.Context) error {
	n, err := m.Engine.Repo.MakeExpired(ctx, m.Config.Tasks.SweepBatchLimit)
	if err != nil {
		return fmt.Errorf("expire transactions: %w", err)
	}
	if n > 0 {
		m.logger().Info("transactions expired", zap.Int("count", n))
	}
	return nil
}

// ExportTasks drains every (type, ended status) export queue.
func (m *Manager) ExportTasks(ctx context.Context) error {
	var errs []error
	for _, key := range engine.ExportKeys() {
		for ctx.Err() == nil {
			txn, _, err := m.Engine.ExportTasks(ctx, key)
			if err != nil {
				errs = append(errs, fmt.Errorf("export %s/%s: %w", key.TypeOf, key.Status, err))
				break
			}
			if txn == nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// RecoverTasks resets stale export claims and handles tasks stuck Running:
// those with tries left go back to Ready, the rest are aborted and reported.
func (m *Manager) RecoverTasks(ctx context.Context) error {
	r := m.Engine.Repo
	settings := m.Config.Tasks
	n, err := r.ReexportTasks(ctx, settings.ReexportAfter)
	if err != nil {
		return fmt.Errorf("reexport tasks: %w", err)
	}
	if n > 0 {
		m.logger().Warn("stale task exports reset", zap.Int64("count", n))
	}
	retried, err := r.RetryTasks(ctx, settings.RunningTimeout, settings.SweepBatchLimit)
	if err != nil {
		return fmt.Errorf("retry tasks: %w", err)
	}
	for _, t := range retried {
		m.logger().Warn("stuck task returned to ready", zap.String("task_id", t.ID), zap.String("task_name", string(t.Name)))
	}
	aborted, err := r.AbortTasks(ctx, settings.RunningTimeout, settings.SweepBatchLimit)
	if err != nil {
		return fmt.Errorf("abort tasks: %w", err)
	}
	for _, t := range aborted {
		m.Executor.Reporter.Report(ctx, t)
	}
	return nil
}

// every runs fn immediately and then on each tick. Errors are logged and do
// not stop the loop.
func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			m.logger().Error("worker sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
