package scheduler

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkeep-io/taskctl/internal/db"
	"github.com/arkeep-io/taskctl/internal/repository"
	"github.com/arkeep-io/taskctl/internal/taskmanager"
)

type fakeTaskRepo struct {
	repository.TaskRepository
	scheduled []db.Task
	subscriber func(repository.TaskMutationEvent)
}

func (f *fakeTaskRepo) ListEnabledScheduled(ctx context.Context) ([]db.Task, error) {
	return f.scheduled, nil
}

func (f *fakeTaskRepo) Subscribe(fn func(repository.TaskMutationEvent)) {
	f.subscriber = fn
}

type fakeRunner struct {
	calls []uuid.UUID
}

func (f *fakeRunner) RunTask(ctx context.Context, taskID uuid.UUID, options taskmanager.RunOptions) (*db.TaskRun, error) {
	f.calls = append(f.calls, taskID)
	run := &db.TaskRun{TaskID: taskID}
	run.ID = uuid.New()
	return run, nil
}

func TestStartInstallsTimersForEnabledScheduledTasks(t *testing.T) {
	task := db.Task{Name: "nightly-cleanup", CronExpr: "0 2 * * *", Enabled: true}
	task.ID = uuid.New()
	repo := &fakeTaskRepo{scheduled: []db.Task{task}}
	runner := &fakeRunner{}

	s, err := New(repo, runner, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if repo.subscriber == nil {
		t.Fatal("expected scheduler to subscribe to task mutations")
	}
	if n := len(s.cron.Jobs()); n != 1 {
		t.Fatalf("expected 1 installed timer, got %d", n)
	}
}

func TestStartSkipsTaskWithInvalidCron(t *testing.T) {
	task := db.Task{Name: "broken", CronExpr: "not-a-cron-expr", Enabled: true}
	task.ID = uuid.New()
	repo := &fakeTaskRepo{scheduled: []db.Task{task}}
	runner := &fakeRunner{}

	s, err := New(repo, runner, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Start should not fail outright — the bad task is logged and skipped.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
}

func TestOnMutationDropsTimerWhenTaskDisabled(t *testing.T) {
	repo := &fakeTaskRepo{}
	runner := &fakeRunner{}

	s, err := New(repo, runner, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	task := &db.Task{CronExpr: "0 2 * * *", Enabled: true}
	task.ID = uuid.New()
	s.onMutation(repository.TaskMutationEvent{Kind: repository.TaskCreated, TaskID: task.ID, Task: task})
	if n := len(s.cron.Jobs()); n != 1 {
		t.Fatalf("expected 1 timer after create, got %d", n)
	}

	task.Enabled = false
	s.onMutation(repository.TaskMutationEvent{Kind: repository.TaskUpdated, TaskID: task.ID, Task: task})
	if n := len(s.cron.Jobs()); n != 0 {
		t.Fatalf("expected timer dropped after disable, got %d", n)
	}

	s.onMutation(repository.TaskMutationEvent{Kind: repository.TaskDeleted, TaskID: task.ID})
}
