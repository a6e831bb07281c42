// Package repository implements the Repository contract (SPEC_FULL.md §6)
// against GORM, mirroring the reference codebase's repository layer
// (server/internal/repositories + server/internal/repository split: an
// interfaces file plus one implementation file per entity).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arkeep-io/taskctl/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// Sentinel errors returned by every repository implementation.
var (
	ErrNotFound = errors.New("repository: not found")
	ErrConflict = errors.New("repository: conflict")
)

// -----------------------------------------------------------------------------
// Transactor
// -----------------------------------------------------------------------------

// Transactor runs fn within a single transaction, per §6's
// `transaction(fn)` operation. No isolation level is requested, so the
// database default applies (READ COMMITTED on postgres; sqlite transactions
// are serializable). The Task Manager is responsible for the
// retry discipline described in §4.C; Transactor only guarantees atomicity
// of a single attempt.
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByKey(ctx context.Context, key string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, key string, status string, lastSeenAt time.Time) error
	// UpdateAllStatus bulk-transitions every agent in fromStatus to toStatus,
	// stamping lastSeenAt, and returns the number of rows affected. Used by
	// the Connection Gateway's shutdown sequence (§5) to mark every online
	// agent offline in one statement instead of one UpdateStatus per agent.
	UpdateAllStatus(ctx context.Context, fromStatus, toStatus string, lastSeenAt time.Time) (int64, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
}

// -----------------------------------------------------------------------------
// TaskRepository
// -----------------------------------------------------------------------------

// MutationKind identifies which kind of change a TaskMutationEvent reports.
type MutationKind string

const (
	TaskCreated MutationKind = "created"
	TaskUpdated MutationKind = "updated"
	TaskDeleted MutationKind = "deleted"
)

// TaskMutationEvent is delivered to subscribers (the Scheduler) after a task
// mutation commits, per §4.D "reacts to task mutations via repository hooks".
type TaskMutationEvent struct {
	Kind   MutationKind
	TaskID uuid.UUID
	Task   *db.Task // nil when Kind == TaskDeleted
}

type TaskRepository interface {
	Create(ctx context.Context, task *db.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error)
	GetByName(ctx context.Context, name string) (*db.Task, error)
	Update(ctx context.Context, task *db.Task) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error)
	ListEnabledScheduled(ctx context.Context) ([]db.Task, error)

	// Subscribe registers fn to be called after every committed Create,
	// Update, or Delete. Used by the Scheduler to install/replace/drop
	// timers without the Task Manager knowing the Scheduler exists.
	Subscribe(fn func(TaskMutationEvent))
}

// -----------------------------------------------------------------------------
// TaskDependencyRepository
// -----------------------------------------------------------------------------

type TaskDependencyRepository interface {
	Create(ctx context.Context, dep *db.TaskDependency) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByParent(ctx context.Context, parentTaskID uuid.UUID) ([]db.TaskDependency, error)
	ListByChild(ctx context.Context, childTaskID uuid.UUID) ([]db.TaskDependency, error)
	// ListAll returns every edge, used for in-memory DFS cycle detection at
	// insertion time (§4.C "Cycle prevention").
	ListAll(ctx context.Context) ([]db.TaskDependency, error)
}

// -----------------------------------------------------------------------------
// TaskRunRepository
// -----------------------------------------------------------------------------

type TaskRunRepository interface {
	Create(ctx context.Context, run *db.TaskRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.TaskRun, error)
	Update(ctx context.Context, run *db.TaskRun) error
	List(ctx context.Context, opts ListOptions) ([]db.TaskRun, int64, error)
	// ListByTaskStatuses returns runs for a task whose status is one of the
	// given values, newest first.
	ListByTaskStatuses(ctx context.Context, taskID uuid.UUID, statuses []string) ([]db.TaskRun, error)
	// LatestByTask returns the most recently created run for a task, or
	// ErrNotFound if none exists.
	LatestByTask(ctx context.Context, taskID uuid.UUID) (*db.TaskRun, error)
	// ListByStatus returns every run in the given status, used by startup
	// reconciliation to find runs stranded in "running" (§4.C).
	ListByStatus(ctx context.Context, status string) ([]db.TaskRun, error)
	// UpdateAllStatus bulk-transitions every run in fromStatus to toStatus,
	// stamping stderr and finishedAt. Used by startup reconciliation.
	UpdateAllStatus(ctx context.Context, fromStatus, toStatus, stderr string, finishedAt time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AssetRepository
// -----------------------------------------------------------------------------

type AssetRepository interface {
	Create(ctx context.Context, asset *db.Asset) error
	GetByKey(ctx context.Context, key string) (*db.Asset, error)
	Update(ctx context.Context, asset *db.Asset) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]db.Asset, error)
}

// translateGormErr maps GORM's sentinel into this package's ErrNotFound.
func translateGormErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
