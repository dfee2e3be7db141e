package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic refresh job.
type Task struct {
	// Name identifies the task in logs.
	Name string
	// Interval is the time between tick completions.
	Interval time.Duration
	// Run executes one tick. A returned error is logged and swallowed; the
	// next tick is scheduled normally.
	Run func(ctx context.Context) error
}

// Runner drives periodic tasks, one goroutine each. Each task runs once
// immediately on start and then on its own ticker. A tick must finish before
// the same task's next tick fires, and a failing or slow task never affects
// its siblings.
type Runner struct {
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a task runner.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Start launches all tasks. It returns immediately; tasks stop when ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context, tasks ...Task) {
	for _, task := range tasks {
		r.wg.Add(1)
		go func(task Task) {
			defer r.wg.Done()
			r.runLoop(ctx, task)
		}(task)
	}
}

// Wait blocks until every started task loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runLoop(ctx context.Context, task Task) {
	r.logger.Info("starting refresh task",
		zap.String("task", task.Name),
		zap.Duration("interval", task.Interval),
	)

	r.runOnce(ctx, task)

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("refresh task stopped", zap.String("task", task.Name))
			return
		case <-ticker.C:
			r.runOnce(ctx, task)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, task Task) {
	start := time.Now()
	if err := task.Run(ctx); err != nil {
		// Previous gauge and snapshot state stays untouched on failure.
		r.logger.Error("refresh tick failed",
			zap.String("task", task.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("refresh tick completed",
		zap.String("task", task.Name),
		zap.Duration("duration", time.Since(start)),
	)
}
