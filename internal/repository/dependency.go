package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arkeep-io/taskctl/internal/db"
)

type gormTaskDependencyRepository struct {
	db *gorm.DB
}

// NewTaskDependencyRepository returns a TaskDependencyRepository backed by
// the provided *gorm.DB.
func NewTaskDependencyRepository(gdb *gorm.DB) TaskDependencyRepository {
	return &gormTaskDependencyRepository{db: gdb}
}

func (r *gormTaskDependencyRepository) Create(ctx context.Context, dep *db.TaskDependency) error {
	if err := r.db.WithContext(ctx).Create(dep).Error; err != nil {
		return fmt.Errorf("dependencies: create: %w", err)
	}
	return nil
}

func (r *gormTaskDependencyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.TaskDependency{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("dependencies: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTaskDependencyRepository) ListByParent(ctx context.Context, parentTaskID uuid.UUID) ([]db.TaskDependency, error) {
	var deps []db.TaskDependency
	if err := r.db.WithContext(ctx).Where("parent_task_id = ?", parentTaskID).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("dependencies: list by parent: %w", err)
	}
	return deps, nil
}

func (r *gormTaskDependencyRepository) ListByChild(ctx context.Context, childTaskID uuid.UUID) ([]db.TaskDependency, error) {
	var deps []db.TaskDependency
	if err := r.db.WithContext(ctx).Where("child_task_id = ?", childTaskID).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("dependencies: list by child: %w", err)
	}
	return deps, nil
}

func (r *gormTaskDependencyRepository) ListAll(ctx context.Context) ([]db.TaskDependency, error) {
	var deps []db.TaskDependency
	if err := r.db.WithContext(ctx).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("dependencies: list all: %w", err)
	}
	return deps, nil
}
