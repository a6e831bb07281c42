// Package scheduler implements the Scheduler (SPEC_FULL.md §4.D): a
// per-task cron timer engine that calls into the Task Manager on each
// firing and reacts to task mutations by installing, replacing, or
// dropping timers.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/db"
	"github.com/arkeep-io/taskctl/internal/repository"
	"github.com/arkeep-io/taskctl/internal/taskmanager"
)

// TaskRunner is the subset of the Task Manager the scheduler drives.
type TaskRunner interface {
	RunTask(ctx context.Context, taskID uuid.UUID, options taskmanager.RunOptions) (*db.TaskRun, error)
}

// cronParser validates the standard 5-field expression (minute hour
// day-of-month month day-of-week) before a job is installed, per §4.D
// "invalid cron expressions are rejected at mutation time".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler wraps a gocron scheduler and keeps at most one active timer per
// task id, tagged by the task's UUID.
type Scheduler struct {
	cron   gocron.Scheduler
	tasks  repository.TaskRepository
	runner TaskRunner
	logger *zap.Logger
}

// New constructs a Scheduler. Call Start to load existing scheduled tasks
// and subscribe to future mutations.
func New(tasks repository.TaskRepository, runner TaskRunner, logger *zap.Logger) (*Scheduler, error) {
	cs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:   cs,
		tasks:  tasks,
		runner: runner,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start installs a timer for every enabled, scheduled task, subscribes to
// future task mutations, and starts the underlying gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	scheduled, err := s.tasks.ListEnabledScheduled(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list enabled scheduled tasks: %w", err)
	}

	installed := 0
	for i := range scheduled {
		if err := s.install(&scheduled[i]); err != nil {
			s.logger.Error("failed to install timer for task",
				zap.String("task_id", scheduled[i].ID.String()),
				zap.String("task_name", scheduled[i].Name),
				zap.Error(err),
			)
			continue
		}
		installed++
	}

	s.tasks.Subscribe(s.onMutation)

	s.logger.Info("scheduler started", zap.Int("timers_installed", installed))
	s.cron.Start()
	return nil
}

// Stop stops every timer and shuts down the underlying gocron scheduler.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// onMutation reacts to a task create/update/delete per §4.D: an enabled,
// scheduled task gets a timer installed or replaced; anything else drops
// the timer for that task id.
func (s *Scheduler) onMutation(ev repository.TaskMutationEvent) {
	s.cron.RemoveByTags(ev.TaskID.String())

	if ev.Kind == repository.TaskDeleted || ev.Task == nil {
		return
	}
	if !ev.Task.Enabled || ev.Task.CronExpr == "" {
		return
	}

	if err := s.install(ev.Task); err != nil {
		s.logger.Error("failed to (re)install timer for task",
			zap.String("task_id", ev.TaskID.String()),
			zap.Error(err),
		)
	}
}

// install validates the task's cron expression and registers a singleton-
// mode gocron job tagged by task id. At most one job per task id can ever
// be active: onMutation always removes the previous tag before installing.
func (s *Scheduler) install(task *db.Task) error {
	// Day-of-week 7 means Sunday, like 0. Both parsers accept only 0-6, so a
	// lone 7 or a range ending in 7 is rewritten before parsing.
	expr := task.CronExpr
	if fields := strings.Fields(expr); len(fields) == 5 {
		items := strings.Split(fields[4], ",")
		for i, item := range items {
			if item == "7" {
				items[i] = "0"
			} else if strings.HasSuffix(item, "-7") {
				items[i] = strings.TrimSuffix(item, "-7") + "-6,0"
			}
		}
		fields[4] = strings.Join(items, ",")
		expr = strings.Join(fields, " ")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("scheduler: invalid cron expression %q: %w", task.CronExpr, err)
	}

	taskID := task.ID
	_, err := s.cron.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.runner.RunTask(ctx, taskID, taskmanager.RunOptions{}); err != nil {
				s.logger.Warn("scheduled run failed to start",
					zap.String("task_id", taskID.String()),
					zap.Error(err),
				)
			}
		}),
		gocron.WithTags(taskID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: gocron.NewJob failed for task %s (cron: %q): %w", taskID, task.CronExpr, err)
	}
	return nil
}
