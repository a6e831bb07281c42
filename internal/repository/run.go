package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arkeep-io/taskctl/internal/db"
)

type gormTaskRunRepository struct {
	db *gorm.DB
}

// NewTaskRunRepository returns a TaskRunRepository backed by the provided
// *gorm.DB.
func NewTaskRunRepository(gdb *gorm.DB) TaskRunRepository {
	return &gormTaskRunRepository{db: gdb}
}

func (r *gormTaskRunRepository) Create(ctx context.Context, run *db.TaskRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

func (r *gormTaskRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.TaskRun, error) {
	var run db.TaskRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("runs: get by id: %w", translateGormErr(err))
	}
	return &run, nil
}

func (r *gormTaskRunRepository) Update(ctx context.Context, run *db.TaskRun) error {
	result := r.db.WithContext(ctx).Save(run)
	if result.Error != nil {
		return fmt.Errorf("runs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTaskRunRepository) List(ctx context.Context, opts ListOptions) ([]db.TaskRun, int64, error) {
	var runs []db.TaskRun
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.TaskRun{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list: %w", err)
	}

	return runs, total, nil
}

func (r *gormTaskRunRepository) ListByTaskStatuses(ctx context.Context, taskID uuid.UUID, statuses []string) ([]db.TaskRun, error) {
	var runs []db.TaskRun
	if err := r.db.WithContext(ctx).
		Where("task_id = ? AND status IN ?", taskID, statuses).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by task statuses: %w", err)
	}
	return runs, nil
}

func (r *gormTaskRunRepository) LatestByTask(ctx context.Context, taskID uuid.UUID) (*db.TaskRun, error) {
	var run db.TaskRun
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").
		First(&run).Error
	if err != nil {
		return nil, fmt.Errorf("runs: latest by task: %w", translateGormErr(err))
	}
	return &run, nil
}

func (r *gormTaskRunRepository) ListByStatus(ctx context.Context, status string) ([]db.TaskRun, error) {
	var runs []db.TaskRun
	if err := r.db.WithContext(ctx).Where("status = ?", status).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by status: %w", err)
	}
	return runs, nil
}

// UpdateAllStatus implements the startup reconciliation bulk rewrite
// described in §4.C: every run stranded in fromStatus (normally "running")
// is transitioned to toStatus ("error") with a fixed stderr message.
func (r *gormTaskRunRepository) UpdateAllStatus(ctx context.Context, fromStatus, toStatus, stderr string, finishedAt time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.TaskRun{}).
		Where("status = ?", fromStatus).
		Updates(map[string]interface{}{
			"status":      toStatus,
			"stderr":      stderr,
			"finished_at": finishedAt,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("runs: update all status: %w", result.Error)
	}
	return result.RowsAffected, nil
}
