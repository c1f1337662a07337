package repositories

import (
	"context"
	"errors"

	"task-tracker/backend/internal/models"

	"gorm.io/gorm"
)

var ErrTaskNotFound = errors.New("task not found")

type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	FindByID(ctx context.Context, id uint) (models.Task, error)
	List(ctx context.Context) ([]models.Task, error)
	ListPage(ctx context.Context, offset, limit int) ([]models.Task, error)
	Count(ctx context.Context) (int64, error)
	Update(ctx context.Context, id uint, patch models.TaskPatch) (models.Task, error)
	Delete(ctx context.Context, id uint) error
}

type GormTaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *GormTaskRepository {
	return &GormTaskRepository{db: db}
}

func (r *GormTaskRepository) Create(ctx context.Context, task *models.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *GormTaskRepository) FindByID(ctx context.Context, id uint) (models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return task, ErrTaskNotFound
	}
	return task, err
}

func (r *GormTaskRepository) List(ctx context.Context) ([]models.Task, error) {
	tasks := make([]models.Task, 0)
	err := r.db.WithContext(ctx).Order("id ASC").Find(&tasks).Error
	return tasks, err
}

func (r *GormTaskRepository) ListPage(ctx context.Context, offset, limit int) ([]models.Task, error) {
	tasks := make([]models.Task, 0, limit)
	err := r.db.WithContext(ctx).Order("id ASC").Offset(offset).Limit(limit).Find(&tasks).Error
	return tasks, err
}

func (r *GormTaskRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Task{}).Count(&total).Error
	return total, err
}

// Update reads the row, applies the patch and writes every column back in one
// transaction.
func (r *GormTaskRepository) Update(ctx context.Context, id uint, patch models.TaskPatch) (models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&task, id).Error; err != nil {
			return err
		}
		patch.Apply(&task)
		result := tx.Model(&task).Select("title", "email", "description").Updates(&task)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

func (r *GormTaskRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.Task{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}
