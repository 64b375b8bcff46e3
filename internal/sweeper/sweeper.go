package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/lifecycle"
	"github.com/t77yq/agent-lifecycle/internal/model"
	"github.com/t77yq/agent-lifecycle/internal/storage"
)

// Config defines the sweep schedule and cutoffs.
type Config struct {
	// Schedule is a cron expression (with seconds) for sweep runs.
	Schedule string
	// MaxRunning is how long a task may stay Running before it is
	// cancelled as stale. Zero disables stale cancellation.
	MaxRunning time.Duration
	// EventRetention is how long events are kept. Zero disables pruning.
	EventRetention time.Duration
}

// Sweeper is an operator-side janitor. It is an external collaborator of the
// engine: it only calls the public Cancel operation on stale Running tasks
// and prunes old events through the event log's retention hook. The engine
// itself has no notion of wall-clock timeouts.
type Sweeper struct {
	logger *zap.Logger
	cron   *cron.Cron
	engine *lifecycle.Engine
	events storage.EventLog
	config Config
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewSweeper creates a new sweeper.
func NewSweeper(engine *lifecycle.Engine, events storage.EventLog, config Config, logger *zap.Logger) *Sweeper {
	named := logger.Named("sweeper")
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(&cronLogger{logger: named})),
	}

	return &Sweeper{
		logger: named,
		cron:   cron.New(cronOptions...),
		engine: engine,
		events: events,
		config: config,
	}
}

// Start schedules the sweep and starts the cron runner.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Sweeper started", zap.String("schedule", s.config.Schedule))
	return nil
}

// Stop stops the cron runner and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Sweeper stopped")
}

// Sweep runs one pass: cancel stale Running tasks, then prune old events.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.config.MaxRunning > 0 {
		s.cancelStale(ctx)
	}
	if s.config.EventRetention > 0 {
		cutoff := time.Now().Add(-s.config.EventRetention)
		if _, err := s.events.PruneBefore(ctx, cutoff); err != nil {
			s.logger.Error("Failed to prune events", zap.Error(err))
		}
	}
}

func (s *Sweeper) cancelStale(ctx context.Context) {
	running, err := s.engine.List(ctx, storage.TaskFilters{
		Status: []model.TaskStatus{model.TaskStatusRunning},
	})
	if err != nil {
		s.logger.Error("Failed to list running tasks", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.config.MaxRunning)
	for _, task := range running {
		if task.StartedAt == nil || task.StartedAt.After(cutoff) {
			continue
		}

		if _, err := s.engine.Cancel(ctx, task.ID); err != nil {
			// The task may have moved on since the listing; that race
			// resolving against us is expected.
			var invalidState *lifecycle.InvalidStateError
			var invalidTransition *lifecycle.InvalidTransitionError
			if errors.As(err, &invalidState) || errors.As(err, &invalidTransition) {
				continue
			}
			s.logger.Error("Failed to cancel stale task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}

		s.logger.Warn("Cancelled stale running task",
			zap.String("task_id", task.ID),
			zap.Time("started_at", *task.StartedAt))
	}
}
