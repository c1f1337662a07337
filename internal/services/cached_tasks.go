package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"task-tracker/backend/internal/cache"
	"task-tracker/backend/internal/models"
)

const (
	allTasksKey     = "tasks:all"
	taskPagePattern = "tasks:page:*"
)

func taskKey(id uint) string {
	return fmt.Sprintf("task:%d", id)
}

func taskPageKey(page string, perPage int) string {
	return fmt.Sprintf("tasks:page:%s:%d", page, perPage)
}

// CachedTaskService serves reads from a cache and invalidates the item and
// every list key on each successful write. A read that overlapped a write in
// this process drops the value it cached, so a stale load is never served
// past the write.
type CachedTaskService struct {
	taskService TaskService
	cache       cache.Cache
	taskTTL     time.Duration
	listTTL     time.Duration
	logger      *slog.Logger

	// writes is bumped before every invalidation.
	writes atomic.Uint64
}

func NewCachedTaskService(taskService TaskService, cacheInstance cache.Cache, taskTTL, listTTL time.Duration, logger *slog.Logger) *CachedTaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedTaskService{
		taskService: taskService,
		cache:       cacheInstance,
		taskTTL:     taskTTL,
		listTTL:     listTTL,
		logger:      logger,
	}
}

func (s *CachedTaskService) CreateTask(ctx context.Context, task *models.Task) error {
	if err := s.taskService.CreateTask(ctx, task); err != nil {
		return err
	}
	s.invalidateLists(ctx)
	return nil
}

func (s *CachedTaskService) GetTaskByID(ctx context.Context, id uint) (models.Task, error) {
	var cached models.Task
	if err := s.cache.Get(ctx, taskKey(id), &cached); err == nil {
		return cached, nil
	}

	gen := s.writes.Load()
	task, err := s.taskService.GetTaskByID(ctx, id)
	if err != nil {
		return task, err
	}
	s.store(ctx, gen, taskKey(id), task, s.taskTTL)
	return task, nil
}

func (s *CachedTaskService) GetTasks(ctx context.Context) ([]models.Task, error) {
	var cached []models.Task
	if err := s.cache.Get(ctx, allTasksKey, &cached); err == nil {
		return cached, nil
	}

	gen := s.writes.Load()
	tasks, err := s.taskService.GetTasks(ctx)
	if err != nil {
		return tasks, err
	}
	s.store(ctx, gen, allTasksKey, tasks, s.listTTL)
	return tasks, nil
}

func (s *CachedTaskService) GetTasksPage(ctx context.Context, page string, perPage int) (TaskPage, error) {
	key := taskPageKey(page, perPage)

	var cached TaskPage
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	gen := s.writes.Load()
	result, err := s.taskService.GetTasksPage(ctx, page, perPage)
	if err != nil {
		return result, err
	}
	s.store(ctx, gen, key, result, s.listTTL)
	return result, nil
}

func (s *CachedTaskService) UpdateTask(ctx context.Context, id uint, patch models.TaskPatch) (models.Task, error) {
	task, err := s.taskService.UpdateTask(ctx, id, patch)
	if err != nil {
		return task, err
	}
	s.invalidateTask(ctx, id)
	return task, nil
}

func (s *CachedTaskService) DeleteTask(ctx context.Context, id uint) error {
	if err := s.taskService.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.invalidateTask(ctx, id)
	return nil
}

func (s *CachedTaskService) Stats() map[string]interface{} {
	return s.cache.Stats()
}

// store caches a value loaded while the write counter read gen. If a write
// completed since, its invalidation may already have run, so the value is
// removed again.
func (s *CachedTaskService) store(ctx context.Context, gen uint64, key string, value interface{}, ttl time.Duration) {
	if s.writes.Load() != gen {
		return
	}
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("cache set failed", "key", key, "error", err)
		return
	}
	if s.writes.Load() != gen {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.Warn("cache delete failed", "key", key, "error", err)
		}
	}
}

func (s *CachedTaskService) invalidateTask(ctx context.Context, id uint) {
	s.writes.Add(1)
	if err := s.cache.Delete(ctx, taskKey(id)); err != nil {
		s.logger.Warn("cache delete failed", "key", taskKey(id), "error", err)
	}
	s.invalidateLists(ctx)
}

func (s *CachedTaskService) invalidateLists(ctx context.Context) {
	s.writes.Add(1)
	if err := s.cache.Delete(ctx, allTasksKey); err != nil {
		s.logger.Warn("cache delete failed", "key", allTasksKey, "error", err)
	}
	if err := s.cache.DeletePattern(ctx, taskPagePattern); err != nil {
		s.logger.Warn("cache delete failed", "pattern", taskPagePattern, "error", err)
	}
}
