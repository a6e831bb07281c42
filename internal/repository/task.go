package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arkeep-io/taskctl/internal/db"
)

// gormTaskRepository is the GORM implementation of TaskRepository. It also
// owns the mutation-hook subscriber list consumed by the Scheduler (§4.D).
type gormTaskRepository struct {
	db *gorm.DB

	mu   sync.RWMutex
	subs []func(TaskMutationEvent)
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(gdb *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: gdb}
}

func (r *gormTaskRepository) Subscribe(fn func(TaskMutationEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *gormTaskRepository) emit(ev TaskMutationEvent) {
	r.mu.RLock()
	subs := append([]func(TaskMutationEvent){}, r.subs...)
	r.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	r.emit(TaskMutationEvent{Kind: TaskCreated, TaskID: task.ID, Task: task})
	return nil
}

func (r *gormTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: get by id: %w", translateGormErr(err))
	}
	return &task, nil
}

func (r *gormTaskRepository) GetByName(ctx context.Context, name string) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "name = ?", name).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: get by name: %w", translateGormErr(err))
	}
	return &task, nil
}

func (r *gormTaskRepository) Update(ctx context.Context, task *db.Task) error {
	result := r.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return fmt.Errorf("tasks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.emit(TaskMutationEvent{Kind: TaskUpdated, TaskID: task.ID, Task: task})
	return nil
}

func (r *gormTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Task{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("tasks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.emit(TaskMutationEvent{Kind: TaskDeleted, TaskID: id})
	return nil
}

func (r *gormTaskRepository) List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Task{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}

	return tasks, total, nil
}

// ListEnabledScheduled returns every enabled task carrying a non-empty cron
// expression — the set the Scheduler installs timers for at startup (§4.D).
func (r *gormTaskRepository) ListEnabledScheduled(ctx context.Context) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND cron_expr <> ''", true).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list enabled scheduled: %w", err)
	}
	return tasks, nil
}
