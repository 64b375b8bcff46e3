package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/lifecycle"
	"github.com/t77yq/agent-lifecycle/internal/model"
	"github.com/t77yq/agent-lifecycle/internal/storage"
)

// RunnerConfig defines configuration for the runner.
type RunnerConfig struct {
	// PollInterval is how often the runner looks for queued work.
	PollInterval time.Duration
	// MaxConcurrent caps tasks executing at once.
	MaxConcurrent int
	// WorkDuration is the simulated execution time per task.
	WorkDuration time.Duration
}

// Runner drives queued tasks through execution. It polls for tasks that are
// Queued and assigned to an agent, claims each by starting it, runs the
// behavior, and reports completion or failure back to the engine. All state
// changes go through the engine's public operations, so claim races between
// runners resolve as rejected starts.
type Runner struct {
	logger   *zap.Logger
	engine   *lifecycle.Engine
	behavior Behavior
	config   RunnerConfig
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a new runner.
func NewRunner(engine *lifecycle.Engine, behavior Behavior, config RunnerConfig, logger *zap.Logger) *Runner {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Runner{
		logger:   logger.Named("runner"),
		engine:   engine,
		behavior: behavior,
		config:   config,
		stop:     make(chan struct{}),
	}
}

// Start starts the polling loop.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("Starting runner",
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Int("max_concurrent", r.config.MaxConcurrent))

	r.wg.Add(1)
	go r.pollLoop(ctx)
}

// Stop stops polling and waits for in-flight tasks to report.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
	r.logger.Info("Runner stopped")
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, r.config.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.dispatch(ctx, sem)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, sem chan struct{}) {
	queued, err := r.engine.List(ctx, storage.TaskFilters{
		Status: []model.TaskStatus{model.TaskStatusQueued},
		Limit:  r.config.MaxConcurrent,
	})
	if err != nil {
		r.logger.Error("Failed to list queued tasks", zap.Error(err))
		return
	}

	for _, task := range queued {
		if task.AgentID == "" {
			continue
		}

		select {
		case sem <- struct{}{}:
		default:
			return
		}

		claimed, err := r.engine.Start(ctx, task.ID)
		if err != nil {
			<-sem
			// Another runner or an operator got there first.
			var invalidTransition *lifecycle.InvalidTransitionError
			var invalidState *lifecycle.InvalidStateError
			if errors.As(err, &invalidTransition) || errors.As(err, &invalidState) {
				continue
			}
			r.logger.Error("Failed to claim task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}

		r.wg.Add(1)
		go func(task *model.Task) {
			defer r.wg.Done()
			defer func() { <-sem }()
			r.execute(ctx, task)
		}(claimed)
	}
}

func (r *Runner) execute(ctx context.Context, task *model.Task) {
	r.logger.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("agent_id", task.AgentID))

	if r.config.WorkDuration > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.WorkDuration):
		}
	}

	result, err := r.behavior.Execute(task)
	if err != nil {
		failed, failErr := r.engine.Fail(ctx, task.ID, err.Error())
		if failErr != nil {
			r.logger.Error("Failed to report task failure",
				zap.String("task_id", task.ID),
				zap.Error(failErr))
			return
		}
		r.logger.Warn("Task execution failed",
			zap.String("task_id", task.ID),
			zap.String("status", string(failed.Status)),
			zap.Int("retry_count", failed.Retry.Count))
		return
	}

	completed, err := r.engine.Complete(ctx, task.ID, result.Output, &result.Confidence)
	if err != nil {
		r.logger.Error("Failed to report task completion",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return
	}

	r.logger.Info("Task completed",
		zap.String("task_id", task.ID),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("requires_review", completed.RequiresReview))
}
