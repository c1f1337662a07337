package services

import (
	"context"
	"fmt"

	"task-tracker/backend/internal/models"
	"task-tracker/backend/internal/pagination"
	"task-tracker/backend/internal/repositories"
)

type TaskPage = pagination.Page[models.Task]

type TaskService interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTaskByID(ctx context.Context, id uint) (models.Task, error)
	GetTasks(ctx context.Context) ([]models.Task, error)
	GetTasksPage(ctx context.Context, page string, perPage int) (TaskPage, error)
	UpdateTask(ctx context.Context, id uint, patch models.TaskPatch) (models.Task, error)
	DeleteTask(ctx context.Context, id uint) error
}

type TaskServiceImpl struct {
	repo repositories.TaskRepository
}

func NewTaskService(repo repositories.TaskRepository) *TaskServiceImpl {
	return &TaskServiceImpl{repo: repo}
}

func (s *TaskServiceImpl) CreateTask(ctx context.Context, task *models.Task) error {
	return s.repo.Create(ctx, task)
}

func (s *TaskServiceImpl) GetTaskByID(ctx context.Context, id uint) (models.Task, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *TaskServiceImpl) GetTasks(ctx context.Context) ([]models.Task, error) {
	return s.repo.List(ctx)
}

// GetTasksPage resolves the raw page number against the current row count
// and loads that page ordered by id.
func (s *TaskServiceImpl) GetTasksPage(ctx context.Context, page string, perPage int) (TaskPage, error) {
	total, err := s.repo.Count(ctx)
	if err != nil {
		return TaskPage{}, fmt.Errorf("count tasks: %w", err)
	}

	paginator := pagination.New(total, perPage)
	number := paginator.Resolve(page)
	offset, limit := paginator.Bounds(number)

	tasks, err := s.repo.ListPage(ctx, offset, limit)
	if err != nil {
		return TaskPage{}, fmt.Errorf("list tasks page %d: %w", number, err)
	}

	return TaskPage{Items: tasks, Number: number, Paginator: paginator}, nil
}

func (s *TaskServiceImpl) UpdateTask(ctx context.Context, id uint, patch models.TaskPatch) (models.Task, error) {
	return s.repo.Update(ctx, id, patch)
}

func (s *TaskServiceImpl) DeleteTask(ctx context.Context, id uint) error {
	return s.repo.Delete(ctx, id)
}
